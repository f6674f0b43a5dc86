package telemetry

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Event kinds reported by the orchestrator.
const (
	KindUnitAdded   = "unit_added"
	KindUnitRemoved = "unit_removed"
	KindUnitFailure = "unit_failure"
	KindSyncRound   = "sync_round"
	KindSyncValid   = "sync_valid"
	KindSyncFailed  = "sync_failed"
	KindClockReset  = "clock_reset"
	KindExecute     = "execute"
	KindCollect     = "collect"
)

// Event is one orchestration step. Round groups the events of a single
// validation round or execution.
type Event struct {
	Time    time.Time      `json:"time"`
	Kind    string         `json:"kind"`
	Round   string         `json:"round,omitempty"`
	Unit    string         `json:"unit,omitempty"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Reporter receives orchestration events. Implementations must not block.
type Reporter interface {
	Report(Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Report(Event) {}

// MultiReporter fans out events to multiple destinations.
type MultiReporter []Reporter

// Report forwards the event to each configured reporter.
func (m MultiReporter) Report(e Event) {
	for _, r := range m {
		if r != nil {
			r.Report(e)
		}
	}
}

// Config represents the runtime configuration exposed by the hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
)

func defaultConfig() Config {
	return Config{HistoryLimit: 500}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return cfg, nil
}

// Hub keeps a bounded event history and fans out new events to subscribers.
type Hub struct {
	mu          sync.RWMutex
	history     []Event
	subscribers map[chan Event]struct{}
	config      Config
	started     time.Time
	total       uint64
}

// NewHub builds a hub with the provided history limit; zero selects the
// default.
func NewHub(historyLimit int) *Hub {
	cfg, err := validateConfig(Config{HistoryLimit: historyLimit}, defaultConfig())
	if err != nil {
		cfg = defaultConfig()
	}
	return &Hub{
		subscribers: make(map[chan Event]struct{}),
		config:      cfg,
		started:     time.Now(),
	}
}

// Report implements Reporter. Slow subscribers miss events rather than
// stall the orchestrator.
func (h *Hub) Report(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.Lock()
	h.total++
	h.history = append(h.history, e)
	if len(h.history) > h.config.HistoryLimit {
		h.history = h.history[len(h.history)-h.config.HistoryLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored events, oldest first.
func (h *Hub) History() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, len(h.history))
	copy(out, h.history)
	return out
}

// ConfigSnapshot returns the active configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// ApplyConfig validates cfg and trims the history to the new limit.
func (h *Hub) ApplyConfig(cfg Config) (Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg, err := validateConfig(cfg, h.config)
	if err != nil {
		return Config{}, err
	}
	h.config = cfg
	if len(h.history) > cfg.HistoryLimit {
		h.history = h.history[len(h.history)-cfg.HistoryLimit:]
	}
	return cfg, nil
}

// Subscribe registers a listener for live events.
func (h *Hub) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Diagnostics summarises the process and the hub.
type Diagnostics struct {
	Process     ProcessDiagnostics `json:"process"`
	Events      uint64             `json:"events"`
	Subscribers int                `json:"subscribers"`
}

type ProcessDiagnostics struct {
	NumGoroutine int           `json:"numGoroutine"`
	Uptime       time.Duration `json:"uptime"`
}

func (h *Hub) Diagnostics() Diagnostics {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Diagnostics{
		Process: ProcessDiagnostics{
			NumGoroutine: runtime.NumGoroutine(),
			Uptime:       time.Since(h.started),
		},
		Events:      h.total,
		Subscribers: len(h.subscribers),
	}
}

var errNoHub = errors.New("telemetry hub is required")
