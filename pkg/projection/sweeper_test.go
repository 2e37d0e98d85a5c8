package projection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/canon/pkg/models"
)

func (r *memRefReader) ListRequiringProjection(_ context.Context, model string, limit int) ([]*models.ReferenceItem, error) {
	var out []*models.ReferenceItem
	for _, ref := range r.refs {
		if len(out) >= limit {
			break
		}
		if ref.Model != model || !ref.RequiresProjection {
			continue
		}
		copied := *ref
		out = append(out, &copied)
	}
	return out, nil
}

func customerTarget() SweepTarget {
	return SweepTarget{Model: "Customer", Views: []string{models.ViewDefault, models.ViewLineage}}
}

func newTestSweeper(refs *memRefReader, tasks *memTaskStore, targets ...SweepTarget) *Sweeper {
	scheduler := NewScheduler(tasks, testLogger())
	return NewSweeper(refs, scheduler, targets, DefaultSweepConfig(), testLogger())
}

func TestSweeper_ReenqueuesFlaggedReferences(t *testing.T) {
	tasks := newMemTaskStore()
	refs := &memRefReader{refs: map[string]*models.ReferenceItem{
		"Customer|ref-1": {ID: "ref-1", Model: "Customer", Version: 2, RequiresProjection: true},
		"Customer|ref-2": {ID: "ref-2", Model: "Customer", Version: 5, RequiresProjection: false},
	}}
	s := newTestSweeper(refs, tasks, customerTarget())

	s.runCycle(context.Background())

	assert.Equal(t, 2, tasks.pending(), "one task per view for the flagged reference only")
	claimed, err := tasks.Claim(context.Background(), 10)
	require.NoError(t, err)
	for _, task := range claimed {
		assert.Equal(t, "ref-1", task.ReferenceID)
		assert.Equal(t, int64(2), task.Version)
	}
}

func TestSweeper_NothingFlaggedEnqueuesNothing(t *testing.T) {
	tasks := newMemTaskStore()
	refs := &memRefReader{refs: map[string]*models.ReferenceItem{
		"Customer|ref-1": {ID: "ref-1", Model: "Customer", Version: 1, RequiresProjection: false},
	}}
	s := newTestSweeper(refs, tasks, customerTarget())

	s.runCycle(context.Background())

	assert.Zero(t, tasks.pending())
}

func TestSweeper_CoalescesWithPendingTask(t *testing.T) {
	tasks := newMemTaskStore()
	refs := &memRefReader{refs: map[string]*models.ReferenceItem{
		"Customer|ref-1": {ID: "ref-1", Model: "Customer", Version: 3, RequiresProjection: true},
	}}
	s := newTestSweeper(refs, tasks, SweepTarget{Model: "Customer", Views: []string{models.ViewDefault}})

	// A pending task already exists for an older version.
	require.NoError(t, tasks.Enqueue(context.Background(), &models.ProjectionTask{
		ID: "task-1", Model: "Customer", ReferenceID: "ref-1", Version: 1, ViewName: models.ViewDefault,
	}))

	s.runCycle(context.Background())

	assert.Equal(t, 1, tasks.pending())
	claimed, err := tasks.Claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, int64(3), claimed[0].Version)
}

func TestSweeper_RecoversReferenceWithNoTask(t *testing.T) {
	tasks := newMemTaskStore()
	refs := &memRefReader{refs: map[string]*models.ReferenceItem{
		"Customer|ref-1": {ID: "ref-1", Model: "Customer", Version: 1, RequiresProjection: true},
	}}
	content := &memContentReader{records: map[string]*models.CanonicalRecord{
		"Customer|ref-1": {Model: "Customer", ReferenceID: "ref-1", Content: []byte(`{"name":"Acme"}`)},
	}}
	views := newMemViewStore()
	s := newTestSweeper(refs, tasks, SweepTarget{Model: "Customer", Views: []string{models.ViewDefault}})
	m := newTestMaterializer(tasks, refs, content, views, passLocker{})

	// The flag is set but no task exists, as after a crash between the
	// canonical commit and the enqueue.
	s.runCycle(context.Background())
	claimed, err := tasks.Claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, m.ProcessTask(context.Background(), claimed[0]))

	view := views.views[slotKey("Customer", "ref-1", models.ViewDefault)]
	require.NotNil(t, view)
	assert.False(t, refs.refs["Customer|ref-1"].RequiresProjection)
	assert.Zero(t, tasks.pending())
}
