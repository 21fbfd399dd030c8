package merging

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clovercontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
)

type fakeLocker struct {
	locked   []string
	released []string
	err      error
}

func (l *fakeLocker) Lock(_ context.Context, key string) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.locked = append(l.locked, key)
	return func(context.Context) error {
		l.released = append(l.released, key)
		return nil
	}, nil
}

type fakePublisher struct {
	published []models.MergeResult
	err       error
}

func (p *fakePublisher) PublishMerged(_ context.Context, result models.MergeResult) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, result)
	return nil
}

// fakeTx records transaction control statements; queries are not expected on it.
type fakeTx struct {
	rollbackToErr error
	releaseErr    error

	open       bool
	committed  bool
	rolledBack bool
	statements []string
}

func (tx *fakeTx) ExecContext(context.Context, string, ...any) (sql.Result, error) { return nil, nil }
func (tx *fakeTx) GetContext(context.Context, any, string, ...any) error { return nil }
func (tx *fakeTx) SelectContext(context.Context, any, string, ...any) error { return nil }
func (tx *fakeTx) QueryxContext(context.Context, string, ...any) (*sqlx.Rows, error) {
	return nil, nil
}
func (tx *fakeTx) IsOpen() bool { return tx.open }
func (tx *fakeTx) Commit(context.Context) error {
	tx.open, tx.committed = false, true
	return nil
}
func (tx *fakeTx) Rollback(context.Context) error {
	tx.open, tx.rolledBack = false, true
	return nil
}
func (tx *fakeTx) Savepoint(_ context.Context, name string) error {
	tx.statements = append(tx.statements, "SAVEPOINT "+name)
	return nil
}
func (tx *fakeTx) RollbackTo(_ context.Context, name string) error {
	tx.statements = append(tx.statements, "ROLLBACK TO "+name)
	return tx.rollbackToErr
}
func (tx *fakeTx) Release(_ context.Context, name string) error {
	tx.statements = append(tx.statements, "RELEASE "+name)
	return tx.releaseErr
}

type fakeTransactor struct {
	tx *fakeTx

	rollbackToErr error
	releaseErr    error
}

func (f *fakeTransactor) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	f.tx = &fakeTx{open: true, rollbackToErr: f.rollbackToErr, releaseErr: f.releaseErr}
	return ctx, f.tx, nil
}

// seedPersons builds persons 5, 9 and 12 with links, assignments and snapshots referencing them.
func seedPersons() *memoryStore {
	store := newMemoryStore()
	store.addResource("persons", models.ResourceRow{ID: 5, Fields: map[string]any{"active": false, "suppress": nil, "public": false, "title": "", "email": "jo@gmail.com"}})
	store.addResource("persons", models.ResourceRow{ID: 9, Fields: map[string]any{"active": true, "suppress": false, "public": false, "title": "Dr.", "email": "jo@uni.example.edu"}})
	store.addResource("persons", models.ResourceRow{ID: 12, Fields: map[string]any{"active": false, "suppress": false, "public": true, "title": "Prof.", "email": nil}})
	store.addResource("persons", models.ResourceRow{ID: 77, Fields: map[string]any{"active": true}})

	kind := mustKind(models.ResourceTypePerson)
	store.links[kind.Links[0].String()] = []models.AssociationLink{
		{ID: 1, ResourceID: 5, OtherID: 1000},
		{ID: 2, ResourceID: 9, OtherID: 1000},
		{ID: 3, ResourceID: 12, OtherID: 2000},
		{ID: 4, ResourceID: 77, OtherID: 2000},
	}
	store.links[kind.Links[1].String()] = []models.AssociationLink{
		{ID: 10, ResourceID: 9, OtherID: 300},
		{ID: 11, ResourceID: 12, OtherID: 300},
	}
	store.assignments[kind.Assignments[0].String()] = []models.AssignmentRecord{
		{ID: 1, ContextID: 100, ResourceID: 5, Modified: t1},
		{ID: 2, ContextID: 100, ResourceID: 9, Modified: t2},
		{ID: 3, ContextID: 101, ResourceID: 12, Delta: models.DeltaRemoved, Modified: t1},
	}
	store.assignments[kind.Assignments[1].String()] = []models.AssignmentRecord{
		{ID: 1, ContextID: 100, OtherID: 40, ResourceID: 9, Modified: t1},
	}
	store.snapshots = []models.StoredSnapshot{
		{ID: 1, Schedule: []byte(`{"100":{"5":{"groups":[1]},"9":{"groups":[2]}}}`)},
		{ID: 2, Schedule: []byte(`{"101":{"77":{"groups":[1]}}}`)},
	}
	return store
}

func personRequest(ids ...int64) models.MergeRequest {
	return models.MergeRequest{ResourceType: models.ResourceTypePerson, CandidateIDs: ids}
}

func TestEngine_MergePersons(t *testing.T) {
	store := seedPersons()
	publisher := &fakePublisher{}
	locker := &fakeLocker{}
	engine := NewEngine(testLogger(), store.stores(),
		WithPublisher(publisher),
		WithLocker(locker),
		WithEmailDomain("uni.example.edu"),
	)

	ctx := clovercontext.SetOperator(context.Background(), "registrar")
	result, err := engine.Merge(ctx, personRequest(12, 5, 9))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Nil(t, result.FailedStep)
	assert.Equal(t, int64(5), result.CanonicalID)
	assert.Equal(t, []int64{9, 12}, result.DeprecatedIDs)
	assert.Empty(t, result.Warnings)

	// canonical record carries aggregated values
	canonical := store.resources["persons"][5]
	assert.Equal(t, true, canonical.Fields["active"])
	assert.Equal(t, false, canonical.Fields["suppress"])
	assert.Equal(t, true, canonical.Fields["public"])
	assert.Equal(t, "Dr.", canonical.Fields["title"])
	assert.Equal(t, "jo@uni.example.edu", canonical.Fields["email"])

	// deprecated rows are gone, unrelated rows stay
	assert.NotContains(t, store.resources["persons"], int64(9))
	assert.NotContains(t, store.resources["persons"], int64(12))
	assert.Contains(t, store.resources["persons"], int64(77))

	// links
	kind := mustKind(models.ResourceTypePerson)
	for _, table := range kind.Links {
		for pair, count := range linkPairs(store.links[table.String()]) {
			assert.Equal(t, 1, count)
			assert.NotContains(t, []int64{9, 12}, pair[0])
		}
	}
	assert.Len(t, store.links[kind.Links[0].String()], 3)
	assert.Len(t, store.links[kind.Links[1].String()], 1)

	// assignments
	persons := store.assignments[kind.Assignments[0].String()]
	require.Len(t, persons, 1)
	assert.Equal(t, models.AssignmentRecord{ID: 2, ContextID: 100, ResourceID: 5, Modified: t2}, persons[0])
	assert.Equal(t, int64(5), store.assignments[kind.Assignments[1].String()][0].ResourceID)

	// snapshots
	assert.JSONEq(t, `{"100":{"5":{"groups":[2]}}}`, store.snapshot(1))
	assert.Equal(t, `{"101":{"77":{"groups":[1]}}}`, store.snapshot(2))
	assert.Equal(t, []int64{1}, store.saved)

	assert.Equal(t, models.MergeStats{
		LinksRepointed:       2,
		LinksDeleted:         2,
		AssignmentsRepointed: 2,
		AssignmentsDeleted:   2,
		SnapshotsScanned:     2,
		SnapshotsRewritten:   1,
		DeprecatedDeleted:    2,
	}, result.Stats)

	// side channels
	assert.Equal(t, []string{"merge:person"}, locker.locked)
	assert.Equal(t, []string{"merge:person"}, locker.released)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, int64(5), publisher.published[0].CanonicalID)

	require.Len(t, store.audit, 1)
	audit := store.audit[0]
	assert.True(t, audit.Success)
	assert.Equal(t, "person", audit.ResourceType)
	assert.Equal(t, []int64{9, 12}, audit.DeprecatedIDs)
	require.NotNil(t, audit.PerformedBy)
	assert.Equal(t, "registrar", *audit.PerformedBy)
	assert.NotEmpty(t, audit.ID)
}

func TestEngine_StepOrder(t *testing.T) {
	store := seedPersons()
	engine := NewEngine(testLogger(), store.stores())

	_, err := engine.Merge(context.Background(), personRequest(5, 9, 12))
	require.NoError(t, err)

	index := func(prefix string) int {
		for i, call := range store.calls {
			if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
				return i
			}
		}
		t.Fatalf("call %s not found in %v", prefix, store.calls)
		return -1
	}

	assert.Less(t, index("RepointLink"), index("ListSnapshots"))
	assert.Less(t, index("ListAssignments:instance_rooms"), index("ListSnapshots"))
	assert.Less(t, index("SaveSnapshot"), index("Delete:9"))
	assert.Less(t, index("Delete:12"), index("UpdateFields"))
	assert.Less(t, index("UpdateFields"), index("Record"))
}

func TestEngine_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		req  models.MergeRequest
	}{
		{"singleton", personRequest(5)},
		{"duplicate only", personRequest(5, 5)},
		{"unknown type", models.MergeRequest{ResourceType: "course", CandidateIDs: []int64{1, 2}}},
		{"missing candidate", personRequest(5, 404)},
		{"discriminant on person", models.MergeRequest{ResourceType: models.ResourceTypePerson, CandidateIDs: []int64{5, 9}, Discriminant: strPtr("a@b.com")}},
		{"missing discriminant", models.MergeRequest{ResourceType: models.ResourceTypeParticipant, CandidateIDs: []int64{3, 7}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedPersons()
			store.addResource("participants", models.ResourceRow{ID: 3, Discriminant: strPtr("x@y.com")})
			store.addResource("participants", models.ResourceRow{ID: 7, Discriminant: strPtr("a@b.com")})
			engine := NewEngine(testLogger(), store.stores())

			result, err := engine.Merge(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err))
			assert.False(t, result.Success)
			require.NotNil(t, result.FailedStep)
			assert.Equal(t, models.MergeStepValidating, *result.FailedStep)
			assert.NotEmpty(t, result.Message)

			for _, call := range store.calls {
				assert.NotContains(t, []string{"UpdateFields", "Delete:5", "Delete:9", "SaveSnapshot"}, call, "no writes on configuration errors")
			}
			assert.Empty(t, store.audit)
		})
	}
}

func TestEngine_ParticipantByEmail(t *testing.T) {
	store := newMemoryStore()
	created3 := time.Date(2018, 9, 1, 0, 0, 0, 0, time.UTC)
	created7 := time.Date(2020, 9, 1, 0, 0, 0, 0, time.UTC)
	store.addResource("participants", models.ResourceRow{ID: 3, Discriminant: strPtr("x@y.com"), Fields: map[string]any{"notify": true, "created": created3, "last_seen": created3}})
	store.addResource("participants", models.ResourceRow{ID: 7, Discriminant: strPtr("a@b.com"), Fields: map[string]any{"notify": false, "created": created7, "last_seen": created7}})
	courses := mustKind(models.ResourceTypeParticipant).Links[0].String()
	store.links[courses] = []models.AssociationLink{{ID: 1, ResourceID: 3, OtherID: 55}}
	engine := NewEngine(testLogger(), store.stores())

	result, err := engine.Merge(context.Background(), models.MergeRequest{
		ResourceType: models.ResourceTypeParticipant,
		CandidateIDs: []int64{3, 7},
		Discriminant: strPtr("a@b.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.CanonicalID)
	assert.Equal(t, []int64{3}, result.DeprecatedIDs)

	canonical := store.resources["participants"][7]
	assert.Equal(t, true, canonical.Fields["notify"])
	assert.Equal(t, created3, canonical.Fields["created"])
	assert.Equal(t, created7, canonical.Fields["last_seen"])
	assert.Equal(t, int64(7), store.links[courses][0].ResourceID)
	assert.Equal(t, 0, result.Stats.SnapshotsScanned, "participants are not stored in snapshots")
}

func TestEngine_ReferencesRepointed(t *testing.T) {
	store := newMemoryStore()
	store.addResource("events", models.ResourceRow{ID: 1, Fields: map[string]any{"preparatory": false}})
	store.addResource("events", models.ResourceRow{ID: 2, Fields: map[string]any{"preparatory": true}})
	store.references["instances.event_id"] = map[int64]int64{100: 1, 101: 2, 102: 2, 103: 3}
	engine := NewEngine(testLogger(), store.stores())

	result, err := engine.Merge(context.Background(), models.MergeRequest{ResourceType: models.ResourceTypeEvent, CandidateIDs: []int64{2, 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Stats.ReferencesRepointed)
	assert.Equal(t, map[int64]int64{100: 1, 101: 1, 102: 1, 103: 3}, store.references["instances.event_id"])
	assert.Equal(t, true, store.resources["events"][1].Fields["preparatory"])
	assert.Equal(t, true, store.resources["events"][1].Fields["suppress"], "null suppress takes the true default")
}

func TestEngine_FailedSteps(t *testing.T) {
	tests := []struct {
		name       string
		failOn     string
		wantStep   models.MergeStep
		wantInMsg  string
		wantKeeps9 bool
	}{
		{"link repoint", "RepointLink:associations(person_id,organization_id)", models.MergeStepReconcilingReferences, "associations", true},
		{"assignment delete", "DeleteAssignments:instance_persons(instance_id,person_id)", models.MergeStepReconcilingReferences, "instance_persons", true},
		{"snapshot listing", "ListSnapshots", models.MergeStepRewritingSnapshots, "schedules", true},
		{"snapshot save", "SaveSnapshot", models.MergeStepRewritingSnapshots, "schedules", true},
		{"canonical persist", "UpdateFields", models.MergeStepPersistingCanonical, "persons", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedPersons()
			store.failOn[tt.failOn] = true
			publisher := &fakePublisher{}
			engine := NewEngine(testLogger(), store.stores(), WithPublisher(publisher))

			result, err := engine.Merge(context.Background(), personRequest(5, 9, 12))
			require.Error(t, err)
			assert.False(t, IsConfigurationError(err))

			var stepErr *StepError
			require.True(t, errors.As(err, &stepErr))
			assert.Equal(t, tt.wantStep, stepErr.Step)

			assert.False(t, result.Success)
			require.NotNil(t, result.FailedStep)
			assert.Equal(t, tt.wantStep, *result.FailedStep)
			assert.Contains(t, result.Message, tt.wantInMsg)
			assert.Equal(t, int64(5), result.CanonicalID)

			_, kept := store.resources["persons"][9]
			assert.Equal(t, tt.wantKeeps9, kept, "deprecated rows are only deleted after references are repointed")
			assert.Empty(t, publisher.published)

			require.Len(t, store.audit, 1)
			assert.False(t, store.audit[0].Success)
			require.NotNil(t, store.audit[0].FailedStep)
			assert.Equal(t, string(tt.wantStep), *store.audit[0].FailedStep)
		})
	}
}

func TestEngine_OrphanDeleteIsWarning(t *testing.T) {
	store := seedPersons()
	store.failOn["Delete:12"] = true
	engine := NewEngine(testLogger(), store.stores())

	result, err := engine.Merge(context.Background(), personRequest(5, 9, 12))
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "12")
	assert.Equal(t, 1, result.Stats.DeprecatedDeleted)
	assert.Contains(t, store.resources["persons"], int64(12))
	assert.Equal(t, true, store.resources["persons"][5].Fields["active"], "canonical is still persisted")
}

func TestEngine_SideChannelFailuresAreWarnings(t *testing.T) {
	store := seedPersons()
	store.failOn["Record"] = true
	engine := NewEngine(testLogger(), store.stores(), WithPublisher(&fakePublisher{err: errors.New("broker down")}))

	result, err := engine.Merge(context.Background(), personRequest(5, 9))
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Warnings, 2)
	assert.Contains(t, result.Warnings[0], "broker down")
	assert.Contains(t, result.Warnings[1], "audit")
}

func TestEngine_LockHeld(t *testing.T) {
	store := seedPersons()
	engine := NewEngine(testLogger(), store.stores(), WithLocker(&fakeLocker{err: errors.New("lock held")}))

	result, err := engine.Merge(context.Background(), personRequest(5, 9))
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Equal(t, models.MergeStepValidating, *result.FailedStep)
	assert.Empty(t, store.calls)
}

func TestEngine_Preview(t *testing.T) {
	store := seedPersons()
	engine := NewEngine(testLogger(), store.stores())

	result, err := engine.Preview(context.Background(), personRequest(9, 12, 5))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.DryRun)
	assert.Equal(t, int64(5), result.CanonicalID)
	assert.Equal(t, []int64{9, 12}, result.DeprecatedIDs)
	assert.Equal(t, true, result.MergedFields["public"])
	assert.Equal(t, []string{"GetCandidates"}, store.calls, "preview only reads")
}

func TestEngine_PreviewRejectsInvalidRequest(t *testing.T) {
	store := seedPersons()
	engine := NewEngine(testLogger(), store.stores())

	result, err := engine.Preview(context.Background(), models.MergeRequest{
		ResourceType: models.ResourceTypePerson,
		CandidateIDs: []int64{5, -9},
	})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.True(t, result.DryRun)
	assert.Equal(t, models.MergeStepValidating, *result.FailedStep)
	assert.Empty(t, store.calls)
}

func TestEngine_Transactional(t *testing.T) {
	t.Run("commits on success with savepoints per delete", func(t *testing.T) {
		store := seedPersons()
		store.failOn["Delete:9"] = true
		transactor := &fakeTransactor{}
		engine := NewEngine(testLogger(), store.stores(), WithTransactions(transactor))

		result, err := engine.Merge(context.Background(), personRequest(5, 9, 12))
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.True(t, transactor.tx.committed)
		assert.False(t, transactor.tx.rolledBack)
		assert.Equal(t, []string{
			"SAVEPOINT deprecated_0",
			"ROLLBACK TO deprecated_0",
			"SAVEPOINT deprecated_1",
			"RELEASE deprecated_1",
		}, transactor.tx.statements)
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		store := seedPersons()
		store.failOn["SaveSnapshot"] = true
		transactor := &fakeTransactor{}
		engine := NewEngine(testLogger(), store.stores(), WithTransactions(transactor))

		result, err := engine.Merge(context.Background(), personRequest(5, 9, 12))
		require.Error(t, err)
		assert.False(t, result.Success)
		assert.False(t, transactor.tx.committed)
		assert.True(t, transactor.tx.rolledBack)
	})

	t.Run("savepoint failures stop the merge at deleting_deprecated", func(t *testing.T) {
		tests := []struct {
			name       string
			failDelete bool
			transactor *fakeTransactor
			wantOp     string
		}{
			{"rollback to savepoint", true, &fakeTransactor{rollbackToErr: errors.New("current transaction is aborted")}, "rollback to deprecated_0"},
			{"release savepoint", false, &fakeTransactor{releaseErr: errors.New("connection reset")}, "release deprecated_0"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				store := seedPersons()
				if tt.failDelete {
					store.failOn["Delete:9"] = true
				}
				engine := NewEngine(testLogger(), store.stores(), WithTransactions(tt.transactor))

				result, err := engine.Merge(context.Background(), personRequest(5, 9, 12))
				require.Error(t, err)

				var stepErr *StepError
				require.ErrorAs(t, err, &stepErr)
				assert.Equal(t, models.MergeStepDeletingDeprecated, stepErr.Step)
				assert.Equal(t, tt.wantOp, stepErr.Operation)
				require.NotNil(t, result.FailedStep)
				assert.Equal(t, models.MergeStepDeletingDeprecated, *result.FailedStep)
				assert.Contains(t, result.Warnings, stepErr.Error())
				assert.NotContains(t, store.calls, "UpdateFields", "canonical is not persisted on a broken transaction")
				assert.True(t, tt.transactor.tx.rolledBack)
				assert.False(t, tt.transactor.tx.committed)
			})
		}
	})
}
