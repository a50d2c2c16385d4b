// Package netmon tracks whether the device currently has a route to the
// sync remote (C3), exposing reconnect/disconnect hooks the push/pull
// engine and realtime ingress use to decide when to resume work.
package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/prabhask5/goal-planner/internal/telemetry"
)

var log = telemetry.Component("netmon")

// Monitor polls reachability of a single target address and reports
// online/offline transitions. PlatformOnline, when set, is consulted
// first -- it models a host OS's own connectivity signal (e.g. a mobile
// app's "airplane mode" callback). When it reports false the monitor is
// offline without dialling; when it reports true the TCP probe still
// decides, so it can force offline but not online.
type Monitor struct {
	target         string
	interval       time.Duration
	dialTimeout    time.Duration
	PlatformOnline func() bool

	mu       sync.Mutex
	online   bool
	onUp     []func()
	onDown   []func()

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor for target ("host:port"), polling every interval.
func New(target string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		target:      target,
		interval:    interval,
		dialTimeout: 3 * time.Second,
	}
}

// OnReconnect registers a callback fired when the monitor transitions
// offline -> online.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUp = append(m.onUp, fn)
}

// OnDisconnect registers a callback fired when the monitor transitions
// online -> offline.
func (m *Monitor) OnDisconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDown = append(m.onDown, fn)
}

// Online reports the last observed reachability state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start begins background polling until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.poll(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) poll(ctx context.Context) {
	reachable := m.probe(ctx)

	m.mu.Lock()
	wasOnline := m.online
	m.online = reachable
	ups := append([]func(){}, m.onUp...)
	downs := append([]func(){}, m.onDown...)
	m.mu.Unlock()

	if reachable && !wasOnline {
		log.Info().Str("target", m.target).Msg("network reachable")
		for _, fn := range ups {
			fn()
		}
	} else if !reachable && wasOnline {
		log.Info().Str("target", m.target).Msg("network unreachable")
		for _, fn := range downs {
			fn()
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	if m.PlatformOnline != nil && !m.PlatformOnline() {
		return false
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", m.target)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
