package projection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/meridian/canon/pkg/metrics"
	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/redis"
	"github.com/meridian/canon/pkg/tracing"
)

// ErrMaterializerAlreadyRunning is returned when Start is called twice.
var ErrMaterializerAlreadyRunning = errors.New("materializer already running")

const (
	// DefaultPollInterval is the default interval between materialization runs
	DefaultPollInterval = 5 * time.Second

	// DefaultLockTTL is the default TTL for per-reference locks
	DefaultLockTTL = 30 * time.Second

	// DefaultBatchSize is the number of tasks to claim per poll
	DefaultBatchSize = 50

	// LockKeyPrefix is the prefix for materializer locks
	LockKeyPrefix = "projection:reference:"
)

// ReferenceReader reads reference items and clears their projection flag.
type ReferenceReader interface {
	Get(ctx context.Context, model, referenceID string) (*models.ReferenceItem, error)
	// ClearRequiresProjection clears the flag only when the stored version
	// still equals version, reporting whether it cleared. A newer version in
	// the interim leaves the flag set for the next cycle.
	ClearRequiresProjection(ctx context.Context, model, referenceID string, version int64) (bool, error)
}

// ContentReader reads canonical content. Returns (nil, nil) when the
// reference has no content yet.
type ContentReader interface {
	Get(ctx context.Context, model, referenceID string) (*models.CanonicalRecord, error)
}

// ViewStore persists materialized views.
type ViewStore interface {
	Upsert(ctx context.Context, req *models.UpsertProjectionViewRequest) (*models.ProjectionView, error)
}

// Locker guards the check-then-clear of RequiresProjection across workers.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// Config holds configuration for the materializer
type Config struct {
	PollInterval time.Duration
	LockTTL      time.Duration
	BatchSize    int
}

// DefaultConfig returns the default materializer configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		LockTTL:      DefaultLockTTL,
		BatchSize:    DefaultBatchSize,
	}
}

// Materializer consumes projection tasks and writes projection views from the
// current canonical state. Stale tasks (a newer version already landed)
// materialize the newer state and count as coalesced, not as errors.
type Materializer struct {
	tasks   TaskStore
	refs    ReferenceReader
	content ContentReader
	views   ViewStore
	locker  Locker
	config  Config
	logger  ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

func NewMaterializer(
	tasks TaskStore,
	refs ReferenceReader,
	content ContentReader,
	views ViewStore,
	locker Locker,
	config Config,
	logger ectologger.Logger,
) *Materializer {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}

	return &Materializer{
		tasks:    tasks,
		refs:     refs,
		content:  content,
		views:    views,
		locker:   locker,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

func (m *Materializer) GetName() string     { return "projection-materializer" }
func (m *Materializer) DependsOn() []string { return []string{"database", "redis"} }

// Start begins the polling loop.
func (m *Materializer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrMaterializerAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	m.logger.WithContext(ctx).Infof("Starting materializer: poll_interval=%s batch_size=%d",
		m.config.PollInterval, m.config.BatchSize)

	go m.pollLoop(ctx)
	return nil
}

// Stop stops the materializer gracefully.
func (m *Materializer) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.stoppedC:
		m.logger.WithContext(ctx).Info("Materializer stopped gracefully")
	case <-ctx.Done():
		m.logger.WithContext(ctx).Warn("Materializer shutdown timed out")
		return ctx.Err()
	}

	return nil
}

func (m *Materializer) pollLoop(ctx context.Context) {
	defer close(m.stoppedC)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	m.runCycle(ctx)

	for {
		select {
		case <-m.stopCh:
			m.logger.WithContext(ctx).Debug("Materializer poll loop stopping")
			return
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

func (m *Materializer) runCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "projection.Materializer.runCycle")
	defer span.End()

	claimed, err := m.tasks.Claim(ctx, m.config.BatchSize)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Error("Failed to claim projection tasks")
		return
	}
	if len(claimed) == 0 {
		return
	}

	processed := 0
	skipped := 0
	for _, task := range claimed {
		if err := m.ProcessTask(ctx, task); err != nil {
			if errors.Is(err, redis.ErrLockNotAcquired) {
				skipped++
				if releaseErr := m.tasks.Release(ctx, task.ID); releaseErr != nil {
					m.logger.WithContext(ctx).WithError(releaseErr).Warn("Failed to release locked-out task")
				}
				continue
			}
			metrics.ProjectionTasksProcessed.WithLabelValues(task.Model, task.ViewName, "failed").Inc()
			m.logger.WithContext(ctx).WithError(err).Warnf("Failed to materialize %s/%s view %s",
				task.Model, task.ReferenceID, task.ViewName)
			if releaseErr := m.tasks.Release(ctx, task.ID); releaseErr != nil {
				m.logger.WithContext(ctx).WithError(releaseErr).Warn("Failed to release failed task")
			}
			continue
		}
		processed++
	}

	m.logger.WithContext(ctx).Debugf("Materialization cycle completed: processed=%d skipped=%d", processed, skipped)
}

// ProcessTask materializes a single task against the current canonical state.
func (m *Materializer) ProcessTask(ctx context.Context, task *models.ProjectionTask) error {
	ctx, span := tracing.StartSpan(ctx, "projection.Materializer.ProcessTask")
	defer span.End()

	lockKey := LockKeyPrefix + task.Model + ":" + task.ReferenceID
	return m.locker.WithLock(ctx, lockKey, m.config.LockTTL, func() error {
		return m.materialize(ctx, task)
	})
}

func (m *Materializer) materialize(ctx context.Context, task *models.ProjectionTask) error {
	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"model":        task.Model,
		"reference_id": task.ReferenceID,
		"view":         task.ViewName,
		"task_version": task.Version,
	})

	ref, err := m.refs.Get(ctx, task.Model, task.ReferenceID)
	if err != nil {
		return err
	}

	record, err := m.content.Get(ctx, task.Model, task.ReferenceID)
	if err != nil {
		return err
	}
	if record == nil {
		// Nothing to project yet; drop the task.
		log.Warn("No canonical content for projection task")
		_, err = m.tasks.Complete(ctx, task.ID, ref.Version)
		return err
	}

	status := "materialized"
	if ref.Version > task.Version {
		// A newer version landed before this task ran. Materializing the
		// reloaded state covers both; normal coalescing.
		status = "coalesced"
	}

	view, err := m.buildView(task.ViewName, record)
	if err != nil {
		return err
	}

	if _, err := m.views.Upsert(ctx, &models.UpsertProjectionViewRequest{
		Model:       task.Model,
		ReferenceID: task.ReferenceID,
		ViewName:    task.ViewName,
		View:        view,
		Version:     ref.Version,
	}); err != nil {
		return err
	}

	cleared, err := m.refs.ClearRequiresProjection(ctx, task.Model, task.ReferenceID, ref.Version)
	if err != nil {
		return err
	}
	if !cleared {
		log.Debug("Newer version appeared during materialization; flag left set")
	}

	if _, err := m.tasks.Complete(ctx, task.ID, ref.Version); err != nil {
		return err
	}

	metrics.ProjectionTasksProcessed.WithLabelValues(task.Model, task.ViewName, status).Inc()
	log.WithFields(map[string]any{"version": ref.Version, "status": status}).Debug("Materialized projection view")
	return nil
}

func (m *Materializer) buildView(viewName string, record *models.CanonicalRecord) (map[string]any, error) {
	switch viewName {
	case models.ViewLineage:
		lineage, err := record.LineageMap()
		if err != nil {
			return nil, err
		}
		view := make(map[string]any, len(lineage))
		for path, entry := range lineage {
			view[path] = map[string]any{
				"system":     entry.System,
				"adapter":    entry.Adapter,
				"updated_at": entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
			}
		}
		return view, nil
	default:
		// The default view (and any custom view) is the nested canonical
		// snapshot; downstream consumers shape it further.
		return record.ContentMap()
	}
}
