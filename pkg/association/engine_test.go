package association

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/canon/pkg/models"
)

type keyIndexKey struct{ model, key string }

type memKeyIndex struct {
	entries map[keyIndexKey]*models.KeyIndexEntry
	// winner, when set, pre-creates the entry on first CreateIfAbsent to
	// simulate losing a create race.
	winner map[keyIndexKey]string
}

func newMemKeyIndex() *memKeyIndex {
	return &memKeyIndex{entries: map[keyIndexKey]*models.KeyIndexEntry{}, winner: map[keyIndexKey]string{}}
}

func (s *memKeyIndex) Get(_ context.Context, model, aggregationKey string) (*models.KeyIndexEntry, error) {
	entry, ok := s.entries[keyIndexKey{model, aggregationKey}]
	if !ok {
		return nil, nil
	}
	return entry, nil
}

func (s *memKeyIndex) CreateIfAbsent(_ context.Context, req *models.CreateKeyIndexRequest) (*models.KeyIndexEntry, bool, error) {
	k := keyIndexKey{req.Model, req.AggregationKey}
	if ref, ok := s.winner[k]; ok {
		delete(s.winner, k)
		s.entries[k] = &models.KeyIndexEntry{AggregationKey: req.AggregationKey, Model: req.Model, ReferenceID: ref, CreatedAt: time.Now().UTC()}
	}
	if entry, ok := s.entries[k]; ok {
		return entry, false, nil
	}
	entry := &models.KeyIndexEntry{AggregationKey: req.AggregationKey, Model: req.Model, ReferenceID: req.ReferenceID, CreatedAt: time.Now().UTC()}
	s.entries[k] = entry
	return entry, true, nil
}

type linkKey struct{ model, system, adapter, externalID string }

type memLinkStore struct {
	links map[linkKey]*models.IdentityLink
}

func newMemLinkStore() *memLinkStore {
	return &memLinkStore{links: map[linkKey]*models.IdentityLink{}}
}

func (s *memLinkStore) GetActive(_ context.Context, model, system, adapter, externalID string) (*models.IdentityLink, error) {
	link, ok := s.links[linkKey{model, system, adapter, externalID}]
	if !ok || link.IsExpired(time.Now().UTC()) {
		return nil, nil
	}
	return link, nil
}

func (s *memLinkStore) CreateIfAbsent(_ context.Context, req *models.CreateIdentityLinkRequest) (*models.IdentityLink, bool, error) {
	k := linkKey{req.Model, req.System, req.Adapter, req.ExternalID}
	if link, ok := s.links[k]; ok && !link.IsExpired(time.Now().UTC()) {
		return link, false, nil
	}
	link := &models.IdentityLink{
		ID:          uuid.New().String(),
		Model:       req.Model,
		System:      req.System,
		Adapter:     req.Adapter,
		ExternalID:  req.ExternalID,
		ReferenceID: req.ReferenceID,
		CanonicalID: req.CanonicalID,
		Provisional: true,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   req.ExpiresAt,
	}
	s.links[k] = link
	return link, true, nil
}

func (s *memLinkStore) Promote(_ context.Context, model, system, adapter, externalID string, canonicalID *string) (*models.IdentityLink, error) {
	link, ok := s.links[linkKey{model, system, adapter, externalID}]
	if !ok {
		return nil, errors.New("identity link not found")
	}
	link.Provisional = false
	if canonicalID != nil {
		link.CanonicalID = canonicalID
	}
	return link, nil
}

type memStageUpdater struct {
	refs map[string]string // stage id → reference id
}

func newMemStageUpdater() *memStageUpdater {
	return &memStageUpdater{refs: map[string]string{}}
}

func (s *memStageUpdater) SetReferenceID(_ context.Context, _, stageID, referenceID string) error {
	s.refs[stageID] = referenceID
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestEngine() (*Engine, *memKeyIndex, *memLinkStore, *memStageUpdater) {
	keys := newMemKeyIndex()
	links := newMemLinkStore()
	stages := newMemStageUpdater()
	return NewEngine(keys, links, stages, testLogger()), keys, links, stages
}

func customerRequest(stageID string, payload map[string]any) *Request {
	return &Request{
		Model:      "Customer",
		StageID:    stageID,
		Payload:    payload,
		Source:     models.SourceMeta{System: "crm", Adapter: "default"},
		ExternalID: "C-1",
		KeyFields:  [][]string{{"externalId"}},
	}
}

func TestComputeKeys(t *testing.T) {
	payload := map[string]any{
		"externalId": "C-1",
		"contact":    map[string]any{"email": "a@acme.test"},
	}

	keys := ComputeKeys(payload, [][]string{
		{"externalId"},
		{"contact.email"},
		{"taxId"}, // missing field: no key produced
	})

	assert.Len(t, keys, 2)
	for _, key := range keys {
		assert.Len(t, key, 64)
	}
}

func TestComputeKeys_StableAcrossEquivalentPayloads(t *testing.T) {
	a := ComputeKeys(map[string]any{"externalId": "C-1", "name": "Acme"}, [][]string{{"externalId"}})
	b := ComputeKeys(map[string]any{"name": "Other", "externalId": "C-1"}, [][]string{{"externalId"}})

	require.Len(t, a, 1)
	assert.Equal(t, a, b, "records with the same key fields resolve to the same key")
}

func TestAssociate_MintsNewReference(t *testing.T) {
	engine, keys, links, stages := newTestEngine()

	result, err := engine.Associate(context.Background(), customerRequest("stage-1", map[string]any{"externalId": "C-1"}))
	require.NoError(t, err)

	assert.True(t, result.NewReference)
	assert.NotEmpty(t, result.ReferenceID)
	assert.Len(t, keys.entries, 1)

	require.NotNil(t, result.Link)
	assert.True(t, result.Link.Provisional, "new links are always provisional")
	assert.Equal(t, result.ReferenceID, result.Link.ReferenceID)
	assert.Len(t, links.links, 1)

	assert.Equal(t, result.ReferenceID, stages.refs["stage-1"])
}

func TestAssociate_ReusesExistingReference(t *testing.T) {
	engine, _, _, stages := newTestEngine()

	first, err := engine.Associate(context.Background(), customerRequest("stage-1", map[string]any{"externalId": "C-1"}))
	require.NoError(t, err)

	second, err := engine.Associate(context.Background(), customerRequest("stage-2", map[string]any{"externalId": "C-1", "name": "Acme"}))
	require.NoError(t, err)

	assert.False(t, second.NewReference)
	assert.Equal(t, first.ReferenceID, second.ReferenceID)
	assert.Equal(t, first.ReferenceID, stages.refs["stage-2"])
}

func TestAssociate_IdempotentRedelivery(t *testing.T) {
	engine, keys, links, _ := newTestEngine()

	req := customerRequest("stage-1", map[string]any{"externalId": "C-1", "name": "Acme"})

	first, err := engine.Associate(context.Background(), req)
	require.NoError(t, err)
	second, err := engine.Associate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ReferenceID, second.ReferenceID)
	assert.Len(t, keys.entries, 1, "redelivery must not create a second key index entry")
	assert.Len(t, links.links, 1, "redelivery must not create a second identity link")
}

func TestAssociate_MultiKeyIdentity(t *testing.T) {
	engine, keys, _, _ := newTestEngine()

	req := customerRequest("stage-1", map[string]any{
		"externalId": "C-1",
		"taxId":      "DE-123",
	})
	req.KeyFields = [][]string{{"externalId"}, {"taxId"}}

	result, err := engine.Associate(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, keys.entries, 2)
	for _, entry := range keys.entries {
		assert.Equal(t, result.ReferenceID, entry.ReferenceID, "all keys point at the same reference")
	}
}

func TestAssociate_ConflictingKeysFail(t *testing.T) {
	engine, _, _, stages := newTestEngine()

	// Establish two distinct references via different single keys.
	r1, err := engine.Associate(context.Background(), customerRequest("stage-1", map[string]any{"externalId": "C-1"}))
	require.NoError(t, err)

	reqB := customerRequest("stage-2", map[string]any{"taxId": "DE-123"})
	reqB.KeyFields = [][]string{{"taxId"}}
	reqB.ExternalID = "C-2"
	r2, err := engine.Associate(context.Background(), reqB)
	require.NoError(t, err)
	require.NotEqual(t, r1.ReferenceID, r2.ReferenceID)

	// A record carrying both keys now resolves to two references.
	conflicting := customerRequest("stage-3", map[string]any{"externalId": "C-1", "taxId": "DE-123"})
	conflicting.KeyFields = [][]string{{"externalId"}, {"taxId"}}

	_, err = engine.Associate(context.Background(), conflicting)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyConflict)

	var conflict *KeyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Len(t, conflict.Keys, 2)

	_, touched := stages.refs["stage-3"]
	assert.False(t, touched, "conflicting record must not be associated")
}

func TestAssociate_LostCreateRaceAdoptsWinner(t *testing.T) {
	engine, keys, _, _ := newTestEngine()

	winnerRef := uuid.New().String()
	computed := ComputeKeys(map[string]any{"externalId": "C-1"}, [][]string{{"externalId"}})
	require.Len(t, computed, 1)
	keys.winner[keyIndexKey{"Customer", computed[0]}] = winnerRef

	result, err := engine.Associate(context.Background(), customerRequest("stage-1", map[string]any{"externalId": "C-1"}))
	require.NoError(t, err)

	assert.Equal(t, winnerRef, result.ReferenceID, "loser of the create race adopts the winner's reference")
	assert.False(t, result.NewReference)
}

func TestAssociate_NoKeysFallsBackToLink(t *testing.T) {
	engine, _, _, _ := newTestEngine()

	req := customerRequest("stage-1", map[string]any{"name": "Acme"})
	req.KeyFields = nil

	first, err := engine.Associate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.NewReference)

	req2 := customerRequest("stage-2", map[string]any{"name": "Acme Corp"})
	req2.KeyFields = nil

	second, err := engine.Associate(context.Background(), req2)
	require.NoError(t, err)

	assert.Equal(t, first.ReferenceID, second.ReferenceID, "keyless models converge through the identity link")
	assert.False(t, second.NewReference)
}

func TestConfirmLink_Promotes(t *testing.T) {
	engine, _, links, _ := newTestEngine()

	_, err := engine.Associate(context.Background(), customerRequest("stage-1", map[string]any{"externalId": "C-1"}))
	require.NoError(t, err)

	canonicalID := "ACME-001"
	link, err := engine.ConfirmLink(context.Background(), "Customer", "crm", "default", "C-1", &canonicalID)
	require.NoError(t, err)

	assert.False(t, link.Provisional)
	require.NotNil(t, link.CanonicalID)
	assert.Equal(t, "ACME-001", *link.CanonicalID)

	stored := links.links[linkKey{"Customer", "crm", "default", "C-1"}]
	assert.False(t, stored.Provisional)
}
