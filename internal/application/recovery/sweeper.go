// Package recovery implements RecoverySweeper (§4.8): the periodic scan
// over active executions that detects a stalled node (no heartbeat within
// heartbeat_timeout) and hands it to a recovery callback.
package recovery

import (
	"context"
	"time"

	"github.com/flowmesh/core/internal/application/execcache"
	"github.com/flowmesh/core/internal/infrastructure/logger"
	"github.com/flowmesh/core/pkg/models"
)

// DefaultSweepInterval and DefaultHeartbeatTimeout are §4.8's defaults.
const (
	DefaultSweepInterval    = 60 * time.Second
	DefaultHeartbeatTimeout = 300 * time.Second
)

// RecoveryFunc is invoked once per stale execution found by a sweep.
type RecoveryFunc func(ctx context.Context, executionID string, staleNodes []string)

// Sweeper periodically scans executions:active for stale heartbeats.
type Sweeper struct {
	cache            *execcache.Cache
	logger           *logger.Logger
	sweepInterval    time.Duration
	heartbeatTimeout time.Duration
	recover          RecoveryFunc

	stop chan struct{}
	done chan struct{}
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option { return func(s *Sweeper) { s.sweepInterval = d } }

// WithHeartbeatTimeout overrides DefaultHeartbeatTimeout.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *Sweeper) { s.heartbeatTimeout = d }
}

// New creates a Sweeper. recoverFn is invoked for every execution found
// with at least one stale running node.
func New(cache *execcache.Cache, log *logger.Logger, recoverFn RecoveryFunc, opts ...Option) *Sweeper {
	s := &Sweeper{
		cache:            cache,
		logger:           log,
		sweepInterval:    DefaultSweepInterval,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		recover:          recoverFn,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweep loop in its own goroutine until Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the in-flight sweep, if any, to
// finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep runs one scan pass immediately (§4.8 main body).
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()

	for _, executionID := range s.cache.ActiveExecutionIDs(ctx) {
		ec, ok := s.cache.LoadExecutionState(ctx, executionID)
		if !ok {
			continue
		}

		if ec.Status != models.ExecutionStatusRunning {
			continue
		}

		stale := s.staleNodes(ctx, ec, now)
		if len(stale) == 0 {
			continue
		}

		if s.logger != nil {
			s.logger.WarnContext(ctx, "recovery: stale execution detected", "execution_id", executionID, "stale_nodes", stale)
		}
		if s.recover != nil {
			s.recover(ctx, executionID, stale)
		}
	}
}

// staleNodes returns the IDs of every running node execution whose
// heartbeat (or, absent a heartbeat, start time) exceeds heartbeatTimeout.
func (s *Sweeper) staleNodes(ctx context.Context, ec *models.ExecutionContext, now time.Time) []string {
	var stale []string
	for _, ne := range ec.RunningNodeExecutions() {
		reference := ne.StartedAt
		if hb, ok := s.cache.GetHeartbeat(ctx, ec.ExecutionID, ne.NodeID); ok {
			reference = hb
		}
		if now.Sub(reference) > s.heartbeatTimeout {
			stale = append(stale, ne.NodeID)
		}
	}
	return stale
}

// ScanOnStartup returns the IDs of active executions whose last update
// already exceeds heartbeatTimeout as of now, so the host can enqueue
// recoveries right after a restart rather than waiting for the first
// ticked sweep (§4.8 "On startup, scan_on_startup...").
func (s *Sweeper) ScanOnStartup(ctx context.Context) []string {
	now := time.Now()
	var stale []string

	for _, executionID := range s.cache.ActiveExecutionIDs(ctx) {
		ec, ok := s.cache.LoadExecutionState(ctx, executionID)
		if !ok {
			continue
		}
		if now.Sub(ec.UpdatedAt) > s.heartbeatTimeout {
			stale = append(stale, executionID)
		}
	}
	return stale
}
