package metrics

import "sync"

// Signaling event names.
const (
	ConnectionsAccepted = "connections_accepted"
	ConnectionsClosed   = "connections_closed"

	LoginSuccess  = "login_success"
	LoginRejected = "login_rejected"

	RelayOffer         = "relay_offer"
	RelayAnswer        = "relay_answer"
	RelayCandidate     = "relay_candidate"
	RelayLeave         = "relay_leave"
	RelayTargetMissing = "relay_target_missing"

	DisconnectPeerLeave = "disconnect_peer_leave"

	UnknownCommand  = "unknown_command"
	DeliveryFailed  = "delivery_failed"
	RateLimited     = "rate_limited"
	MessageTooLarge = "message_too_large"
	IdleTimeout     = "idle_timeout"
)

// Metrics is a concurrency-safe set of named counters.
//
// A nil *Metrics is valid and discards everything, so components can be
// constructed without wiring a registry in tests.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
