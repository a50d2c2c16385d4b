// Package realtime ingests the remote's live change feed (C8): it
// reconnects with backoff, suppresses the local device's own echoed
// writes for a short window, and defers events touching fields the user
// is actively editing until the edit completes.
package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/prabhask5/goal-planner/internal/telemetry"
)

var log = telemetry.Component("realtime")

// ConnState is the realtime channel's connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateUnhealthy    ConnState = "unhealthy" // exceeded max reconnect attempts
)

const (
	echoWindow    = 2 * time.Second
	maxReconnects = 5
)

// Event is one change pushed by the remote's realtime feed.
type Event struct {
	Table     string          `json:"table"`
	EntityID  string          `json:"entity_id"`
	Field     string          `json:"field,omitempty"`
	Data      json.RawMessage `json:"data"`
	Deleted   bool            `json:"deleted"`
	DeviceID  string          `json:"device_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChannelProvider opens a realtime subscription for a user.
type ChannelProvider interface {
	Subscribe(ctx context.Context, userID string, onEvent func(Event)) (Channel, error)
}

// Channel is a live subscription handle.
type Channel interface {
	Close() error
}

// EditGuard reports whether a given (table, entityID, field) is currently
// being edited locally, so ingestion can defer the remote event rather
// than clobber in-progress input.
type EditGuard interface {
	InProgress(table, entityID, field string) bool
}

// Ingress owns reconnection, echo suppression and edit-in-progress
// deferral for one user's realtime subscription.
type Ingress struct {
	Provider ChannelProvider
	UserID   string
	DeviceID string
	Guard    EditGuard
	Apply    func(Event)

	mu           sync.Mutex
	state        ConnState
	recentEchoes map[string]time.Time
	deferred     []Event
	channel      Channel
}

// New constructs an Ingress.
func New(provider ChannelProvider, userID, deviceID string, guard EditGuard, apply func(Event)) *Ingress {
	return &Ingress{
		Provider:     provider,
		UserID:       userID,
		DeviceID:     deviceID,
		Guard:        guard,
		Apply:        apply,
		state:        StateDisconnected,
		recentEchoes: map[string]time.Time{},
	}
}

// State returns the current connection state.
func (in *Ingress) State() ConnState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// NoteLocalWrite marks (table, entityID) as recently written locally so any
// event for that entity arriving within the echo window is suppressed.
func (in *Ingress) NoteLocalWrite(table, entityID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.recentEchoes[table+"/"+entityID] = time.Now()
}

// Run connects and reconnects until ctx is cancelled, using exponential
// backoff capped at maxReconnects consecutive failures before settling
// into StateUnhealthy (still retried, but no longer reported as
// reconnecting to the UI). Reconnection covers failed Subscribe calls only:
// once a subscription is established, Run waits for ctx and does not notice
// or re-open a channel whose underlying stream ends.
func (in *Ingress) Run(ctx context.Context) {
	attempt := 0
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // keep backing off instead of returning backoff.Stop after 15 minutes

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		in.setState(StateConnecting)
		ch, err := in.Provider.Subscribe(ctx, in.UserID, in.handle)
		if err != nil {
			attempt++
			if attempt > maxReconnects {
				in.setState(StateUnhealthy)
			} else {
				in.setState(StateReconnecting)
			}
			wait := b.NextBackOff()
			log.Warn().Err(err).Dur("wait", wait).Int("attempt", attempt).Msg("realtime subscribe failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		attempt = 0
		b.Reset()
		in.mu.Lock()
		in.channel = ch
		in.mu.Unlock()
		in.setState(StateConnected)

		<-ctx.Done()
		ch.Close()
		return
	}
}

func (in *Ingress) handle(ev Event) {
	if ev.DeviceID == in.DeviceID {
		return // never re-ingest our own writes
	}

	in.mu.Lock()
	key := ev.Table + "/" + ev.EntityID
	if t, ok := in.recentEchoes[key]; ok && time.Since(t) < echoWindow {
		in.mu.Unlock()
		return
	}
	in.mu.Unlock()

	if in.Guard != nil && in.Guard.InProgress(ev.Table, ev.EntityID, ev.Field) {
		in.mu.Lock()
		in.deferred = append(in.deferred, ev)
		in.mu.Unlock()
		return
	}

	in.Apply(ev)
}

// FlushDeferred re-attempts any events that were deferred due to an
// in-progress edit; call this once the edit completes.
func (in *Ingress) FlushDeferred() {
	in.mu.Lock()
	pending := in.deferred
	in.deferred = nil
	in.mu.Unlock()

	for _, ev := range pending {
		in.handle(ev)
	}
}

func (in *Ingress) setState(s ConnState) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

// HTTPStreamProvider subscribes over a long-lived chunked HTTP response of
// newline-delimited JSON events -- the stdlib transport used in place of a
// websocket/SSE client library (none of the reference code reaches for
// one for this).
type HTTPStreamProvider struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type httpChannel struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *httpChannel) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// Subscribe opens a streaming GET and decodes one JSON Event per line.
func (p *HTTPStreamProvider) Subscribe(ctx context.Context, userID string, onEvent func(Event)) (Channel, error) {
	client := p.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, p.BaseURL+"/v1/sync/realtime?user_id="+userID, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("realtime: build request: %w", err)
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("realtime: connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("realtime: unexpected status %d", resp.StatusCode)
	}

	ch := &httpChannel{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(ch.done)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				log.Warn().Err(err).Msg("realtime: malformed event, skipping")
				continue
			}
			onEvent(ev)
		}
	}()
	return ch, nil
}
