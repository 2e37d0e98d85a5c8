package projection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/tracing"
)

// ErrSweeperAlreadyRunning is returned when Start is called twice.
var ErrSweeperAlreadyRunning = errors.New("sweeper already running")

const (
	// DefaultSweepInterval is the default interval between drift sweeps
	DefaultSweepInterval = time.Minute

	// DefaultSweepBatchSize is the number of flagged references per model per sweep
	DefaultSweepBatchSize = 100
)

// ReferenceLister pages references still flagged for projection.
type ReferenceLister interface {
	ListRequiringProjection(ctx context.Context, model string, limit int) ([]*models.ReferenceItem, error)
}

// SweepTarget names a model and the views re-enqueued for its flagged
// references.
type SweepTarget struct {
	Model string
	Views []string
}

// SweepConfig holds configuration for the sweeper
type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultSweepConfig returns the default sweeper configuration
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:  DefaultSweepInterval,
		BatchSize: DefaultSweepBatchSize,
	}
}

// Sweeper re-enqueues projection tasks for references whose RequiresProjection
// flag is set but whose task was lost, typically a crash between the canonical
// commit and the enqueue. Enqueue coalesces per (reference, view), so sweeping
// a reference that already has a pending or in-flight task is harmless.
type Sweeper struct {
	refs      ReferenceLister
	scheduler *Scheduler
	targets   []SweepTarget
	config    SweepConfig
	logger    ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

func NewSweeper(
	refs ReferenceLister,
	scheduler *Scheduler,
	targets []SweepTarget,
	config SweepConfig,
	logger ectologger.Logger,
) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultSweepBatchSize
	}

	return &Sweeper{
		refs:      refs,
		scheduler: scheduler,
		targets:   targets,
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedC:  make(chan struct{}),
	}
}

func (s *Sweeper) GetName() string     { return "projection-sweeper" }
func (s *Sweeper) DependsOn() []string { return []string{"database"} }

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSweeperAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting sweeper: interval=%s batch_size=%d models=%d",
		s.config.Interval, s.config.BatchSize, len(s.targets))

	go s.sweepLoop(ctx)
	return nil
}

// Stop stops the sweeper gracefully.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Sweeper stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Sweeper shutdown timed out")
		return ctx.Err()
	}

	return nil
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debug("Sweeper loop stopping")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Sweeper) runCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "projection.Sweeper.runCycle")
	defer span.End()

	for _, target := range s.targets {
		if err := s.sweepModel(ctx, target); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"model": target.Model,
			}).Error("Drift sweep failed")
		}
	}
}

func (s *Sweeper) sweepModel(ctx context.Context, target SweepTarget) error {
	flagged, err := s.refs.ListRequiringProjection(ctx, target.Model, s.config.BatchSize)
	if err != nil {
		return err
	}
	if len(flagged) == 0 {
		return nil
	}

	for _, ref := range flagged {
		if err := s.scheduler.Schedule(ctx, target.Model, ref.ID, ref.Version, target.Views); err != nil {
			return err
		}
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"model":      target.Model,
		"references": len(flagged),
	}).Info("Re-enqueued projection tasks for flagged references")
	return nil
}
