package service

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/callsignal/internal/core/domain"
	"github.com/rs/zerolog/log"
)

const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatSupervisor runs one probe loop per active call. It reclaims
// peers whose socket is nominally open but no longer accepts writes.
type HeartbeatSupervisor struct {
	registry *CallRegistry
	interval time.Duration

	mu      sync.Mutex
	tasks   map[domain.CallID]context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewHeartbeatSupervisor creates a supervisor and installs it as the
// registry's call watcher.
func NewHeartbeatSupervisor(registry *CallRegistry, interval time.Duration) *HeartbeatSupervisor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	h := &HeartbeatSupervisor{
		registry: registry,
		interval: interval,
		tasks:    make(map[domain.CallID]context.CancelFunc),
	}
	registry.SetWatcher(h)
	return h
}

func (h *HeartbeatSupervisor) Watch(callID domain.CallID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	if cancel, ok := h.tasks[callID]; ok {
		cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.tasks[callID] = cancel
	h.wg.Add(1)
	go h.run(ctx, callID)
}

func (h *HeartbeatSupervisor) Unwatch(callID domain.CallID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.tasks[callID]; ok {
		cancel()
		delete(h.tasks, callID)
	}
}

// Active returns the number of calls currently supervised.
func (h *HeartbeatSupervisor) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

// Stop cancels every probe loop and waits for them to exit.
func (h *HeartbeatSupervisor) Stop() {
	h.mu.Lock()
	h.stopped = true
	for id, cancel := range h.tasks {
		cancel()
		delete(h.tasks, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *HeartbeatSupervisor) run(ctx context.Context, callID domain.CallID) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	l := log.With().Str("call_id", callID.String()).Logger()
	l.Debug().Dur("interval", h.interval).Msg("Heartbeat started")

	for {
		select {
		case <-ctx.Done():
			l.Debug().Msg("Heartbeat stopped")
			return
		case <-ticker.C:
			if n := h.registry.ProbeAndEvict(callID); n > 0 {
				l.Info().Int("evicted", n).Msg("Cleaned stale connections")
			}
		}
	}
}
