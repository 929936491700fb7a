package a2a

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/config"
	"github.com/plexushq/plexus/internal/storage"
)

const (
	deliveryTimeout  = 10 * time.Second
	deliveryTick     = 250 * time.Millisecond
	deliveryAttempts = 3
	deliveryBackoff  = 500 * time.Millisecond
	signatureHeader  = "x-a2a-signature"
)

// Deliverer posts task events to registered webhook endpoints. Events are
// queued in memory; when the queue is full new events are dropped with a
// log line rather than blocking the task engine.
type Deliverer struct {
	store  storage.PushConfigStore
	cipher *Cipher
	client *http.Client
	queue  chan *plexus.TaskEvent

	allowInsecure bool
	log           *slog.Logger
}

// NewDeliverer builds a push deliverer with a bounded queue.
func NewDeliverer(store storage.PushConfigStore, cipher *Cipher, cfg config.A2AConfig, log *slog.Logger) *Deliverer {
	depth := cfg.PushMaxQueueDepth
	if depth <= 0 {
		depth = 10_000
	}
	return &Deliverer{
		store:         store,
		cipher:        cipher,
		client:        &http.Client{Timeout: deliveryTimeout},
		queue:         make(chan *plexus.TaskEvent, depth),
		allowInsecure: cfg.PushAllowInsecure,
		log:           log,
	}
}

// Enqueue queues an event for delivery without blocking.
func (d *Deliverer) Enqueue(ev *plexus.TaskEvent) {
	select {
	case d.queue <- ev:
	default:
		d.log.Warn("push queue full, dropping event",
			"task", ev.TaskID, "sequence", ev.Sequence)
	}
}

// QueueLen reports how many events are waiting for delivery.
func (d *Deliverer) QueueLen() int { return len(d.queue) }

// Run drains the queue on a fixed tick until the context ends.
func (d *Deliverer) Run(ctx context.Context) error {
	ticker := time.NewTicker(deliveryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Deliverer) drain(ctx context.Context) {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

// deliver posts one event to every enabled config of its task. Failures are
// logged and dropped after retries; delivery is best-effort.
func (d *Deliverer) deliver(ctx context.Context, ev *plexus.TaskEvent) {
	configs, err := d.store.ListPushConfigs(ctx, ev.TaskID, true)
	if err != nil {
		d.log.Error("list push configs", "task", ev.TaskID, "error", err)
		return
	}
	for _, cfg := range configs {
		if err := d.send(ctx, cfg, ev); err != nil {
			d.log.Warn("push delivery failed",
				"task", ev.TaskID, "config", cfg.ConfigID,
				"sequence", ev.Sequence, "error", err)
		}
	}
}

func (d *Deliverer) send(ctx context.Context, cfg *plexus.PushConfig, ev *plexus.TaskEvent) error {
	if err := CheckEndpoint(cfg.Endpoint, d.allowInsecure); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"configId":  cfg.ConfigID,
		"taskId":    ev.TaskID,
		"eventType": ev.EventType,
		"sequence":  ev.Sequence,
		"createdAt": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		"payload":   ev.Payload,
		"metadata":  cfg.Metadata,
	})
	if err != nil {
		return err
	}

	var auth *plexus.PushAuth
	if len(cfg.Authentication) > 0 {
		plain, err := d.cipher.Decrypt(string(cfg.Authentication))
		if err != nil {
			return err
		}
		auth = &plexus.PushAuth{}
		if err := json.Unmarshal(plain, auth); err != nil {
			return fmt.Errorf("parse push auth: %w", err)
		}
	}

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		applyAuth(req, auth, body)

		resp, err := d.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = deliveryBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(bo), backoff.WithMaxTries(deliveryAttempts))
	return err
}

func applyAuth(req *http.Request, auth *plexus.PushAuth, body []byte) {
	if auth == nil {
		return
	}
	switch auth.Scheme {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "headers":
		for k, v := range auth.Headers {
			req.Header.Set(k, v)
		}
	case "hmac-sha256":
		mac := hmac.New(sha256.New, []byte(auth.Secret))
		mac.Write(body)
		req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}
}

// lookupIP resolves endpoint hostnames for the private-range check. A
// variable so tests run without real DNS.
var lookupIP = net.LookupIP

// CheckEndpoint validates a push endpoint URL. Unless allowInsecure is set,
// only https URLs to publicly routable hosts are accepted; literal addresses
// and DNS answers in loopback or private ranges are rejected, as are .local
// hostnames, to keep webhooks from reaching into the gateway's own network.
func CheckEndpoint(raw string, allowInsecure bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if allowInsecure {
		return nil
	}
	if u.Scheme != "https" {
		return errors.New("https is required")
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return fmt.Errorf("host %q is not routable", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if privateAddr(addr) {
			return fmt.Errorf("address %s is in a private range", addr)
		}
		return nil
	}
	ips, err := lookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if addr = addr.Unmap(); privateAddr(addr) {
			return fmt.Errorf("host %s resolves to private address %s", host, addr)
		}
	}
	return nil
}

func privateAddr(a netip.Addr) bool {
	return a.IsLoopback() || a.IsPrivate() || a.IsUnspecified() || a.IsLinkLocalUnicast()
}
