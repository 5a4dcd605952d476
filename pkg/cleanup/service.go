// Package cleanup provides the session expiry sweep.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/deepthink-mcp/deepthink/pkg/session"
)

// Service periodically expires stale sessions: any active session whose
// last touch is older than the configured timeout is marked expired and
// evicted from the hot cache. All operations are idempotent; expiry is
// also applied on every session touch, so the sweep only bounds how
// long a stale record can linger.
type Service struct {
	interval time.Duration
	sessions *session.Manager

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new expiry sweep service.
func NewService(sessions *session.Manager, interval time.Duration) *Service {
	return &Service{
		interval: interval,
		sessions: sessions,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Expiry sweep started", "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Expiry sweep stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	count, err := s.sessions.ExpireStale(ctx, time.Now())
	if err != nil {
		slog.Error("Expiry sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Expiry sweep marked sessions expired", "count", count)
	}
}
