package sse

import (
	"net/http"
	"strconv"
)

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	dataPrefix  = []byte("data: ")
	eventPrefix = []byte("event: ")
	idPrefix    = []byte("id: ")
	newline     = []byte("\n")
	frameEnd    = []byte("\n\n")
	doneFrame   = []byte("data: [DONE]\n\n")
	keepAlive   = []byte(": keepalive\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	hdrContentType  = []string{"text/event-stream"}
	hdrCacheControl = []string{"no-cache"}
	hdrConnection   = []string{"keep-alive"}
	hdrAccelBuf     = []string{"no"}
)

// WriteHeaders sets the response headers for an SSE stream.
func WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = hdrContentType
	h["Cache-Control"] = hdrCacheControl
	h["Connection"] = hdrConnection
	h["X-Accel-Buffering"] = hdrAccelBuf
	w.WriteHeader(http.StatusOK)
}

// WriteData writes a bare data frame: "data: <payload>\n\n".
func WriteData(w http.ResponseWriter, data []byte) {
	w.Write(dataPrefix)
	w.Write(data)
	w.Write(frameEnd)
}

// WriteEvent writes an id/event/data frame. id < 0 and event == "" omit the
// respective fields.
func WriteEvent(w http.ResponseWriter, id int64, event string, data []byte) {
	if id >= 0 {
		w.Write(idPrefix)
		w.Write([]byte(strconv.FormatInt(id, 10)))
		w.Write(newline)
	}
	if event != "" {
		w.Write(eventPrefix)
		w.Write([]byte(event))
		w.Write(newline)
	}
	w.Write(dataPrefix)
	w.Write(data)
	w.Write(frameEnd)
}

// WriteDone writes the chat-dialect stream terminator: "data: [DONE]\n\n".
func WriteDone(w http.ResponseWriter) {
	w.Write(doneFrame)
}

// WriteKeepAlive writes an SSE comment to keep the connection alive.
func WriteKeepAlive(w http.ResponseWriter) {
	w.Write(keepAlive)
}

// DataFrame builds a bare "data: …\n\n" frame.
func DataFrame(data []byte) []byte {
	out := make([]byte, 0, len(dataPrefix)+len(data)+2)
	out = append(out, dataPrefix...)
	out = append(out, data...)
	out = append(out, frameEnd...)
	return out
}

// EventFrame builds an "event: …\ndata: …\n\n" frame.
func EventFrame(event string, data []byte) []byte {
	out := make([]byte, 0, len(eventPrefix)+len(event)+1+len(dataPrefix)+len(data)+2)
	out = append(out, eventPrefix...)
	out = append(out, event...)
	out = append(out, newline...)
	out = append(out, dataPrefix...)
	out = append(out, data...)
	out = append(out, frameEnd...)
	return out
}

// DoneFrame returns the chat-dialect terminator frame.
func DoneFrame() []byte { return doneFrame }
