package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/animus-labs/appbootstrap/internal/domain"
	"github.com/animus-labs/appbootstrap/internal/platform/httpserver"
)

// Tracker keeps the latest state for the status endpoints. It is safe for
// concurrent readers while the orchestrator reports transitions.
type Tracker struct {
	mu      sync.RWMutex
	state   domain.State
	since   time.Time
	history []domain.Transition
	lastErr error
}

func NewTracker() *Tracker {
	return &Tracker{state: domain.StateFresh, since: time.Now()}
}

func (t *Tracker) OnTransition(tr domain.Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = tr.To
	t.since = tr.At
	t.history = append(t.history, tr)
	if tr.Err != nil {
		t.lastErr = tr.Err
	}
}

func (t *Tracker) State() domain.State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Ready returns nil only once the bootstrap reached the ready state.
func (t *Tracker) Ready(context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch t.state {
	case domain.StateReady:
		return nil
	case domain.StateFailed:
		return fmt.Errorf("bootstrap failed: %v", t.lastErr)
	default:
		return fmt.Errorf("bootstrap in progress: %s", t.state)
	}
}

type transitionView struct {
	From  domain.State `json:"from"`
	To    domain.State `json:"to"`
	At    time.Time    `json:"at"`
	Error string       `json:"error,omitempty"`
}

func (t *Tracker) snapshot() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	history := make([]transitionView, 0, len(t.history))
	for _, tr := range t.history {
		v := transitionView{From: tr.From, To: tr.To, At: tr.At}
		if tr.Err != nil {
			v.Error = tr.Err.Error()
		}
		history = append(history, v)
	}
	return map[string]any{
		"state":       t.state,
		"since":       t.since,
		"transitions": history,
	}
}

// StatusHandler serves /healthz, /readyz, /status and, when metrics is
// non-nil, /metrics.
func StatusHandler(logger *slog.Logger, service string, tracker *Tracker, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", httpserver.Healthz(service))
	mux.Handle("GET /readyz", httpserver.ReadyzWithChecks(service, httpserver.ReadinessCheck{
		Name:  "bootstrap",
		Check: tracker.Ready,
	}))
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		httpserver.WriteJSON(w, http.StatusOK, tracker.snapshot())
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return httpserver.Wrap(logger, mux)
}
