// Package storehealth watches the interlock store connection. The controller
// cannot operate blind: when the store is gone for good the daemon must run a
// final deramp and exit rather than keep a magnet energized with no interlocks.
package storehealth

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"github.com/coldloop/magnetd/internal/interlock"
)

// Status is the current store connection state.
type Status struct {
	Connected  bool      `json:"connected"`
	LastPingOK time.Time `json:"last_ping_ok,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Reconnects int       `json:"reconnects"`
	Latency    string    `json:"latency,omitempty"`
}

// Monitor pings the interlock store periodically and reconnects with
// exponential backoff when a ping fails. A reconnect cycle that exhausts its
// attempts is a permanent loss.
type Monitor struct {
	st       interlock.Store
	interval time.Duration

	reconnectAttempts int
	reconnectBase     time.Duration
	reconnectMax      time.Duration

	mu         sync.RWMutex
	connected  bool
	lastPing   time.Time
	lastErr    string
	reconnects int
	latency    time.Duration

	onDown          func()
	onUp            func()
	onPermanentLoss func()
}

// Option configures the Monitor.
type Option func(*Monitor)

// WithInterval sets the health check interval (default 5s).
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithOnDown is called when the connection transitions from up to down.
func WithOnDown(fn func()) Option {
	return func(m *Monitor) {
		m.onDown = fn
	}
}

// WithOnUp is called when the connection transitions from down to up.
func WithOnUp(fn func()) Option {
	return func(m *Monitor) {
		m.onUp = fn
	}
}

// WithOnPermanentLoss is called once per reconnect cycle that exhausts every
// attempt without reaching the store.
func WithOnPermanentLoss(fn func()) Option {
	return func(m *Monitor) {
		m.onPermanentLoss = fn
	}
}

// New creates a store health monitor.
func New(st interlock.Store, opts ...Option) *Monitor {
	m := &Monitor{
		st:                st,
		interval:          5 * time.Second,
		reconnectAttempts: 10,
		reconnectBase:     500 * time.Millisecond,
		reconnectMax:      30 * time.Second,
		connected:         true, // assume connected at start
		lastPing:          time.Now(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run starts the health check loop. It blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check performs a single ping and updates state.
func (m *Monitor) check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := m.st.Ping(pingCtx)
	elapsed := time.Since(start)

	m.mu.Lock()
	wasConnected := m.connected

	if err != nil {
		m.connected = false
		m.lastErr = err.Error()
		m.mu.Unlock()

		if wasConnected {
			log.Printf("storehealth: interlock store lost: %v", err)
			if m.onDown != nil {
				m.onDown()
			}
		}

		m.reconnect(ctx)
		return
	}

	m.connected = true
	m.lastPing = time.Now()
	m.latency = elapsed
	m.lastErr = ""
	m.mu.Unlock()

	if !wasConnected {
		log.Printf("storehealth: interlock store restored (latency=%v)", elapsed)
		if m.onUp != nil {
			m.onUp()
		}
	}

	m.publishStatus(ctx)
}

// publishStatus writes the monitor's view of the connection to the store so
// operators can read it back next to the magnet status keys. Only called while
// the store is reachable, so a failed write is just logged.
func (m *Monitor) publishStatus(ctx context.Context) {
	data, err := json.Marshal(m.GetStatus())
	if err != nil {
		return
	}
	if err := m.st.Write(ctx, map[string]string{interlock.StoreHealthKey: string(data)}); err != nil {
		log.Printf("storehealth: publish status: %v", err)
	}
}

// reconnect retries the store with exponential backoff, up to
// m.reconnectAttempts attempts per cycle. Exhausting the cycle triggers the
// permanent-loss callback.
func (m *Monitor) reconnect(ctx context.Context) {
	for attempt := 0; attempt < m.reconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delay := time.Duration(float64(m.reconnectBase) * math.Pow(2, float64(attempt)))
		if delay > m.reconnectMax {
			delay = m.reconnectMax
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := m.st.Ping(pingCtx)
		cancel()

		if err == nil {
			m.mu.Lock()
			m.connected = true
			m.lastPing = time.Now()
			m.lastErr = ""
			m.reconnects++
			m.mu.Unlock()

			log.Printf("storehealth: reconnected after %d attempts", attempt+1)
			if m.onUp != nil {
				m.onUp()
			}
			m.publishStatus(ctx)
			return
		}

		log.Printf("storehealth: reconnect attempt %d/%d failed: %v", attempt+1, m.reconnectAttempts, err)
	}

	log.Printf("storehealth: interlock store unreachable after %d attempts", m.reconnectAttempts)
	if m.onPermanentLoss != nil {
		m.onPermanentLoss()
	}
}

// GetStatus returns the current health status.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		Connected:  m.connected,
		LastPingOK: m.lastPing,
		Reconnects: m.reconnects,
	}
	if m.lastErr != "" {
		s.LastError = m.lastErr
	}
	if m.latency > 0 {
		s.Latency = m.latency.String()
	}
	return s
}
