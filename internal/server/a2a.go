package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/sse"
)

// terminalLinger is how long a task stream stays open after the terminal
// event before the server closes it.
const terminalLinger = 5 * time.Second

// agentCard is the static A2A capabilities document.
var agentCard = map[string]any{
	"name":            "plexus",
	"description":     "Multi-tenant LLM routing gateway with A2A task support",
	"protocolVersion": "0.3.0",
	"capabilities": map[string]any{
		"streaming":              true,
		"pushNotifications":      true,
		"stateTransitionHistory": true,
	},
	"defaultInputModes":  []string{"text"},
	"defaultOutputModes": []string{"text"},
}

// handleAgentCard serves the agent capabilities document. The public
// well-known path and the authenticated extended path share one card.
func (s *server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, agentCard)
}

// handleMessageSend creates (or idempotently replays) a task from a message.
func (s *server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	params, err := decodeSendParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	scope := plexus.ScopeFromContext(r.Context())
	task, err := s.deps.Tasks.SendMessage(r.Context(), scope, params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// handleMessageStream creates a task and streams its event log over SSE
// until the task reaches a terminal state.
func (s *server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	params, err := decodeSendParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	scope := plexus.ScopeFromContext(r.Context())
	task, err := s.deps.Tasks.SendMessage(r.Context(), scope, params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.streamTaskEvents(w, r, scope, task.ID, 0)
}

// handleSubscribe attaches to an existing task's event stream. Resumption
// uses the Last-Event-Id header or the afterSequence query parameter.
func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	after := int64(0)
	if v := r.Header.Get("Last-Event-Id"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	} else if v := r.URL.Query().Get("afterSequence"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}
	scope := plexus.ScopeFromContext(r.Context())
	s.streamTaskEvents(w, r, scope, chi.URLParam(r, "taskID"), after)
}

// streamTaskEvents replays the persisted event log past afterSequence, then
// relays live events. Replayed and live windows may overlap; sequence
// numbers dedupe.
func (s *server) streamTaskEvents(w http.ResponseWriter, r *http.Request, scope *plexus.Scope, taskID string, afterSequence int64) {
	task, replay, live, cancel, err := s.deps.Tasks.Subscribe(r.Context(), scope, taskID, afterSequence)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer cancel()

	sse.WriteHeaders(w)
	flusher, _ := w.(http.Flusher)

	lastSent := afterSequence
	terminal := task.Status.State.IsTerminal()
	writeEvent := func(ev *plexus.TaskEvent) {
		if ev.Sequence <= lastSent {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		sse.WriteEvent(w, ev.Sequence, ev.EventType, data)
		lastSent = ev.Sequence
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, ev := range replay {
		writeEvent(ev)
	}

	// A task that is already terminal gets its history and nothing more.
	if terminal {
		return
	}

	keepalive := time.NewTicker(keepAliveInterval)
	defer keepalive.Stop()
	var linger *time.Timer
	var lingerC <-chan time.Time
	for {
		select {
		case ev, open := <-live:
			if !open {
				// The bus closes subscriber channels once the terminal
				// event is delivered. Linger briefly so slow proxies
				// flush, then end the stream.
				if linger == nil {
					linger = time.NewTimer(terminalLinger)
					lingerC = linger.C
					live = nil
					continue
				}
				return
			}
			writeEvent(ev)
		case <-lingerC:
			return
		case <-keepalive.C:
			sse.WriteKeepAlive(w)
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			if linger != nil {
				linger.Stop()
			}
			return
		}
	}
}

// handleListTasks lists the caller's tasks, or all tasks for the admin.
func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset := 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	scope := plexus.ScopeFromContext(r.Context())
	tasks, err := s.deps.Tasks.ListTasks(r.Context(), scope, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleGetTask returns one task, scoped to the caller.
func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	scope := plexus.ScopeFromContext(r.Context())
	task, err := s.deps.Tasks.GetTask(r.Context(), scope, chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// handleTaskEvents returns a page of the persisted event log without
// holding a stream open. ?afterSequence= and ?limit= page through it.
func (s *server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	after := int64(0)
	if v := r.URL.Query().Get("afterSequence"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	scope := plexus.ScopeFromContext(r.Context())
	events, err := s.deps.Tasks.Events(r.Context(), scope, chi.URLParam(r, "taskID"), after, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*plexus.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleCancelTask requests cancellation of a task.
func (s *server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body)
	}
	scope := plexus.ScopeFromContext(r.Context())
	task, err := s.deps.Tasks.CancelTask(r.Context(), scope, chi.URLParam(r, "taskID"), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// handleSetPushConfig registers or updates a webhook for a task's events.
func (s *server) handleSetPushConfig(w http.ResponseWriter, r *http.Request) {
	var cfg plexus.PushConfig
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&cfg); err != nil {
		writeError(w, r, plexus.NewError(plexus.CodeInvalidRequest, "parse push config: %v", err))
		return
	}
	cfg.TaskID = chi.URLParam(r, "taskID")
	scope := plexus.ScopeFromContext(r.Context())
	out, err := s.deps.Tasks.SetPushConfig(r.Context(), scope, &cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pushNotificationConfig": out})
}

// handleGetPushConfig returns one push config with decrypted credentials.
func (s *server) handleGetPushConfig(w http.ResponseWriter, r *http.Request) {
	scope := plexus.ScopeFromContext(r.Context())
	out, err := s.deps.Tasks.GetPushConfig(r.Context(), scope,
		chi.URLParam(r, "taskID"), chi.URLParam(r, "configID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pushNotificationConfig": out})
}

// handleListPushConfigs lists a task's push configs.
func (s *server) handleListPushConfigs(w http.ResponseWriter, r *http.Request) {
	scope := plexus.ScopeFromContext(r.Context())
	out, err := s.deps.Tasks.ListPushConfigs(r.Context(), scope, chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pushNotificationConfigs": out})
}

// handleDeletePushConfig removes a push config.
func (s *server) handleDeletePushConfig(w http.ResponseWriter, r *http.Request) {
	scope := plexus.ScopeFromContext(r.Context())
	err := s.deps.Tasks.DeletePushConfig(r.Context(), scope,
		chi.URLParam(r, "taskID"), chi.URLParam(r, "configID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeSendParams parses a message/send or message/stream body.
func decodeSendParams(r *http.Request) (*plexus.SendMessageParams, error) {
	var params plexus.SendMessageParams
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&params); err != nil {
		return nil, plexus.NewError(plexus.CodeInvalidRequest, "parse message params: %v", err)
	}
	return &params, nil
}
