package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian/canon/pkg/association"
	"github.com/meridian/canon/pkg/canonical"
	"github.com/meridian/canon/pkg/fingerprint"
	"github.com/meridian/canon/pkg/intake"
	"github.com/meridian/canon/pkg/kafka"
	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/registry"
)

// In-memory stores backing a full pipeline for tests.

type memStores struct {
	stages     map[string]*models.StageRecord // keyed by model|source_id
	stagesByID map[string]*models.StageRecord
	parked     []*models.ParkedRecord
	keyIndex   map[string]*models.KeyIndexEntry // model|aggregation_key
	links      map[string]*models.IdentityLink  // model|system|adapter|external_id
	refs       map[string]*models.ReferenceItem // model|reference_id
	content    map[string]*models.CanonicalRecord
	policies   map[string]map[string]string
	tasks      []*models.ProjectionTask
	events     []*kafka.ReferenceEvent
	rejections []*models.RejectionReport

	// scheduleFailures makes the next N Schedule calls fail, simulating a
	// crash between the canonical commit and the task enqueue.
	scheduleFailures int
}

func newMemStores() *memStores {
	return &memStores{
		stages:     map[string]*models.StageRecord{},
		stagesByID: map[string]*models.StageRecord{},
		keyIndex:   map[string]*models.KeyIndexEntry{},
		links:      map[string]*models.IdentityLink{},
		refs:       map[string]*models.ReferenceItem{},
		content:    map[string]*models.CanonicalRecord{},
		policies:   map[string]map[string]string{},
	}
}

func join(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += p
	}
	return out
}

// intake.StageStore

type stageStore struct{ s *memStores }

func (st stageStore) Upsert(_ context.Context, req *models.CreateStageRecordRequest, exclusions map[string]bool) (*intake.UpsertResult, error) {
	fp := fingerprint.GenerateWithExclusions(req.Data, exclusions)
	data, _ := json.Marshal(req.Data)
	source, _ := json.Marshal(req.Source)

	k := join(req.Model, req.SourceID)
	if existing, ok := st.s.stages[k]; ok {
		if !fingerprint.HasChanged(existing.Fingerprint, fp) {
			copied := *existing
			return &intake.UpsertResult{Record: &copied, IsNew: false, IsChanged: false}, nil
		}
		existing.PreviousFingerprint = existing.Fingerprint
		existing.Fingerprint = fp
		existing.Data = data
		existing.Source = source
		existing.UpdatedAt = time.Now().UTC()
		copied := *existing
		return &intake.UpsertResult{Record: &copied, IsNew: false, IsChanged: true}, nil
	}

	record := &models.StageRecord{
		ID:            uuid.New().String(),
		Model:         req.Model,
		SourceID:      req.SourceID,
		OccurredAt:    time.Now().UTC(),
		PolicyVersion: req.PolicyVersion,
		CorrelationID: req.CorrelationID,
		Data:          data,
		Source:        source,
		Fingerprint:   fp,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	st.s.stages[k] = record
	st.s.stagesByID[record.ID] = record
	copied := *record
	return &intake.UpsertResult{Record: &copied, IsNew: true, IsChanged: true}, nil
}

// intake.ParkStore

type parkStore struct{ s *memStores }

func (st parkStore) Create(_ context.Context, req *models.CreateParkedRecordRequest) (*models.ParkedRecord, error) {
	data, _ := json.Marshal(req.Data)
	source, _ := json.Marshal(req.Source)
	evidence, _ := json.Marshal(req.Evidence)
	record := &models.ParkedRecord{
		ID:         uuid.New().String(),
		Model:      req.Model,
		SourceID:   req.SourceID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
		Source:     source,
		ReasonCode: req.ReasonCode,
		Evidence:   evidence,
		CreatedAt:  time.Now().UTC(),
	}
	st.s.parked = append(st.s.parked, record)
	return record, nil
}

// association stores

type keyIndexStore struct{ s *memStores }

func (st keyIndexStore) Get(_ context.Context, model, aggregationKey string) (*models.KeyIndexEntry, error) {
	entry, ok := st.s.keyIndex[join(model, aggregationKey)]
	if !ok {
		return nil, nil
	}
	return entry, nil
}

func (st keyIndexStore) CreateIfAbsent(_ context.Context, req *models.CreateKeyIndexRequest) (*models.KeyIndexEntry, bool, error) {
	k := join(req.Model, req.AggregationKey)
	if entry, ok := st.s.keyIndex[k]; ok {
		return entry, false, nil
	}
	entry := &models.KeyIndexEntry{AggregationKey: req.AggregationKey, Model: req.Model, ReferenceID: req.ReferenceID, CreatedAt: time.Now().UTC()}
	st.s.keyIndex[k] = entry
	return entry, true, nil
}

type linkStore struct{ s *memStores }

func (st linkStore) GetActive(_ context.Context, model, system, adapter, externalID string) (*models.IdentityLink, error) {
	link, ok := st.s.links[join(model, system, adapter, externalID)]
	if !ok || link.IsExpired(time.Now().UTC()) {
		return nil, nil
	}
	return link, nil
}

func (st linkStore) CreateIfAbsent(_ context.Context, req *models.CreateIdentityLinkRequest) (*models.IdentityLink, bool, error) {
	k := join(req.Model, req.System, req.Adapter, req.ExternalID)
	if link, ok := st.s.links[k]; ok && !link.IsExpired(time.Now().UTC()) {
		return link, false, nil
	}
	link := &models.IdentityLink{
		ID:          uuid.New().String(),
		Model:       req.Model,
		System:      req.System,
		Adapter:     req.Adapter,
		ExternalID:  req.ExternalID,
		ReferenceID: req.ReferenceID,
		Provisional: true,
		CreatedAt:   time.Now().UTC(),
	}
	st.s.links[k] = link
	return link, true, nil
}

func (st linkStore) Promote(_ context.Context, model, system, adapter, externalID string, canonicalID *string) (*models.IdentityLink, error) {
	link, ok := st.s.links[join(model, system, adapter, externalID)]
	if !ok {
		return nil, errors.New("identity link not found")
	}
	link.Provisional = false
	if canonicalID != nil {
		link.CanonicalID = canonicalID
	}
	return link, nil
}

type stageUpdater struct{ s *memStores }

func (st stageUpdater) SetReferenceID(_ context.Context, _, stageID, referenceID string) error {
	record, ok := st.s.stagesByID[stageID]
	if !ok {
		return errors.New("stage record not found")
	}
	record.ReferenceID = &referenceID
	return nil
}

// canonical stores

type refStore struct{ s *memStores }

func (st refStore) Get(_ context.Context, model, referenceID string) (*models.ReferenceItem, error) {
	ref, ok := st.s.refs[join(model, referenceID)]
	if !ok {
		return nil, errors.New("reference not found")
	}
	copied := *ref
	return &copied, nil
}

func (st refStore) CreateIfAbsent(_ context.Context, model, referenceID string) (*models.ReferenceItem, error) {
	k := join(model, referenceID)
	if ref, ok := st.s.refs[k]; ok {
		copied := *ref
		return &copied, nil
	}
	ref := &models.ReferenceItem{ID: referenceID, Model: model, CreatedAt: time.Now().UTC()}
	st.s.refs[k] = ref
	copied := *ref
	return &copied, nil
}

func (st refStore) BumpVersion(_ context.Context, model, referenceID string, expected int64) (*models.ReferenceItem, error) {
	ref, ok := st.s.refs[join(model, referenceID)]
	if !ok {
		return nil, errors.New("reference not found")
	}
	if ref.Version != expected {
		return nil, canonical.ErrVersionConflict
	}
	ref.Version++
	ref.RequiresProjection = true
	ref.UpdatedAt = time.Now().UTC()
	copied := *ref
	return &copied, nil
}

type contentStore struct{ s *memStores }

func (st contentStore) Get(_ context.Context, model, referenceID string) (*models.CanonicalRecord, error) {
	rec, ok := st.s.content[join(model, referenceID)]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (st contentStore) Upsert(_ context.Context, req *models.UpsertCanonicalRecordRequest, contentFingerprint string) (*models.CanonicalRecord, error) {
	content, _ := json.Marshal(req.Content)
	lineage, _ := json.Marshal(req.Lineage)
	rec := &models.CanonicalRecord{
		ID:          uuid.New().String(),
		Model:       req.Model,
		ReferenceID: req.ReferenceID,
		Content:     content,
		Lineage:     lineage,
		Fingerprint: contentFingerprint,
		UpdatedAt:   time.Now().UTC(),
	}
	st.s.content[join(req.Model, req.ReferenceID)] = rec
	copied := *rec
	return &copied, nil
}

type policyStore struct{ s *memStores }

func (st policyStore) Get(_ context.Context, model, referenceID string) (map[string]string, error) {
	p := st.s.policies[join(model, referenceID)]
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out, nil
}

func (st policyStore) Upsert(_ context.Context, model, referenceID string, policies map[string]string) error {
	st.s.policies[join(model, referenceID)] = policies
	return nil
}

type passTx struct{}

func (passTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// projection scheduler

type taskRecorder struct{ s *memStores }

func (t taskRecorder) Schedule(_ context.Context, model, referenceID string, version int64, views []string) error {
	if t.s.scheduleFailures > 0 {
		t.s.scheduleFailures--
		return errors.New("task store unavailable")
	}
	// Coalesces per (model, reference, view) like the task store.
	for _, view := range views {
		coalesced := false
		for _, task := range t.s.tasks {
			if task.Model == model && task.ReferenceID == referenceID && task.ViewName == view {
				if version > task.Version {
					task.Version = version
				}
				coalesced = true
				break
			}
		}
		if coalesced {
			continue
		}
		t.s.tasks = append(t.s.tasks, &models.ProjectionTask{
			ID:          uuid.New().String(),
			Model:       model,
			ReferenceID: referenceID,
			Version:     version,
			ViewName:    view,
			CreatedAt:   time.Now().UTC(),
		})
	}
	return nil
}

// outbound

type eventRecorder struct{ s *memStores }

func (e eventRecorder) PublishReferenceEvent(_ context.Context, event *kafka.ReferenceEvent) error {
	e.s.events = append(e.s.events, event)
	return nil
}

type rejectionRecorder struct{ s *memStores }

func (r rejectionRecorder) Create(_ context.Context, req *models.CreateRejectionReportRequest) (*models.RejectionReport, error) {
	evidence, _ := json.Marshal(req.Evidence)
	report := &models.RejectionReport{
		ID:         uuid.New().String(),
		ReasonCode: req.ReasonCode,
		Evidence:   evidence,
		CreatedAt:  time.Now().UTC(),
	}
	r.s.rejections = append(r.s.rejections, report)
	return report, nil
}

type stageListerFake struct{ s *memStores }

func (l stageListerFake) ListBySource(_ context.Context, model, system, adapter string, limit, offset int) ([]*models.StageRecord, error) {
	var matched []*models.StageRecord
	for _, record := range l.s.stages {
		if record.Model != model {
			continue
		}
		meta, err := record.SourceMeta()
		if err != nil {
			continue
		}
		if meta.System != system {
			continue
		}
		if adapter != "" && meta.Adapter != adapter {
			continue
		}
		matched = append(matched, record)
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestProcessor(t *testing.T, descriptors ...*registry.Descriptor) (*Processor, *memStores) {
	t.Helper()

	stores := newMemStores()
	logger := testLogger()

	writer := intake.NewWriter(stageStore{stores}, parkStore{stores}, logger)
	engine := association.NewEngine(keyIndexStore{stores}, linkStore{stores}, stageUpdater{stores}, logger)
	canonWriter := canonical.NewWriter(refStore{stores}, contentStore{stores}, policyStore{stores}, passTx{}, logger)

	reg, err := registry.New(descriptors...)
	require.NoError(t, err)

	proc := NewProcessor(
		reg,
		writer,
		engine,
		canonWriter,
		taskRecorder{stores},
		eventRecorder{stores},
		rejectionRecorder{stores},
		stageListerFake{stores},
		DefaultConfig(),
		logger,
	)
	return proc, stores
}
