package store

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func newSQLTestStore(t *testing.T, driver string) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(driver, "file:"+dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("libsql", func(t *testing.T) { fn(t, newSQLTestStore(t, DriverLibSQL)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLTestStore(t, DriverSQLite)) })
}

func newState(id string) *ExecutionState {
	return &ExecutionState{
		ID:          id,
		WorkflowID:  "wf-1",
		Status:      schema.StatusPending,
		CurrentNode: "first",
		Context:     map[string]any{"ticket": "OPS-1"},
	}
}

func TestStore_CreateAndLoad(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st := newState("s1")
		st.PendingQuestion = &PendingQuestion{StepID: "ask", Prompt: "Ship?", Variable: "ship"}
		require.NoError(t, s.CreateState(ctx, st))
		assert.Equal(t, int64(1), st.Version)

		got, err := s.LoadState(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, schema.StatusPending, got.Status)
		assert.Equal(t, "first", got.CurrentNode)
		assert.Equal(t, "OPS-1", got.Context["ticket"])
		require.NotNil(t, got.PendingQuestion)
		assert.Equal(t, "ship", got.PendingQuestion.Variable)
		assert.Empty(t, got.History)
		assert.Equal(t, int64(1), got.Version)
	})
}

func TestStore_LoadMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.LoadState(context.Background(), "ghost")
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestStore_CreateRejectsActiveDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateState(ctx, newState("dup")))

		err := s.CreateState(ctx, newState("dup"))
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	})
}

func TestStore_CreateReplacesTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st := newState("again")
		require.NoError(t, s.CreateState(ctx, st))

		st.Status = schema.StatusCompleted
		st.CurrentNode = schema.NodeEnd
		st.CurrentBatchIndex = 1
		require.NoError(t, s.Checkpoint(ctx, Checkpoint{
			State:  st,
			Result: schema.CompletedResult("first", map[string]any{"ok": true}),
		}))

		require.NoError(t, s.CreateState(ctx, newState("again")))
		got, err := s.LoadState(ctx, "again")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusPending, got.Status)
		assert.Empty(t, got.History)
	})
}

func TestStore_CreateReplaceStartsFreshEventLog(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st := newState("rerun")
		require.NoError(t, s.CreateState(ctx, st))
		st.Status = schema.StatusFailed
		require.NoError(t, s.Checkpoint(ctx, Checkpoint{State: st, Events: []*Event{
			{Type: schema.EventSessionCreated},
			{Type: schema.EventWorkflowFailed},
		}}))

		next := newState("rerun")
		require.NoError(t, s.CreateState(ctx, next))
		require.NoError(t, s.Checkpoint(ctx, Checkpoint{State: next, Events: []*Event{{Type: schema.EventSessionCreated}}}))

		events, err := s.ListEvents(ctx, "rerun", 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(1), events[0].Sequence)
		assert.Equal(t, schema.EventSessionCreated, events[0].Type)
	})
}

func TestStore_CreateKeepsSessionHoldingWorker(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st := newState("held")
		require.NoError(t, s.CreateState(ctx, st))
		st.Status = schema.StatusFailed
		st.Remote = &RemoteLink{ServiceID: "svc", DeploymentID: "dep-held", ProvisionedAt: time.Now().UTC()}
		require.NoError(t, s.SaveState(ctx, st))

		err := s.CreateState(ctx, newState("held"))
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
		assert.Contains(t, err.Error(), "dep-held")

		got, err := s.LoadState(ctx, "held")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusFailed, got.Status, "terminal record is kept")

		st.Remote.Released = true
		require.NoError(t, s.SaveState(ctx, st))
		require.NoError(t, s.CreateState(ctx, newState("held")))
	})
}

func TestStore_CheckpointAppendsInOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st := newState("cp")
		require.NoError(t, s.CreateState(ctx, st))

		for i, id := range []string{"a", "b", "c"} {
			st.CurrentBatchIndex = i + 1
			st.CurrentNode = id
			st.Context[id] = i
			require.NoError(t, s.Checkpoint(ctx, Checkpoint{
				State:  st,
				Result: schema.CompletedResult(id, map[string]any{id: i}),
				Events: []*Event{{Type: schema.EventStepCompleted, StepID: id}},
			}))
		}

		got, err := s.LoadState(ctx, "cp")
		require.NoError(t, err)
		require.Len(t, got.History, 3)
		assert.Equal(t, "a", got.History[0].StepID)
		assert.Equal(t, "b", got.History[1].StepID)
		assert.Equal(t, "c", got.History[2].StepID)
		assert.Equal(t, 3, got.CurrentBatchIndex)
		assert.Equal(t, int64(4), got.Version)

		events, err := s.ListEvents(ctx, "cp", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
			assert.Equal(t, "cp", e.SessionID)
			assert.NotEmpty(t, e.ID)
		}

		later, err := s.ListEvents(ctx, "cp", 2)
		require.NoError(t, err)
		require.Len(t, later, 1)
		assert.Equal(t, "c", later[0].StepID)
	})
}

func TestStore_CheckpointRejectsGap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st := newState("gap")
		require.NoError(t, s.CreateState(ctx, st))

		st.CurrentBatchIndex = 2
		err := s.Checkpoint(ctx, Checkpoint{State: st, Result: schema.CompletedResult("x", nil)})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

		got, err := s.LoadState(ctx, "gap")
		require.NoError(t, err)
		assert.Equal(t, 0, got.CurrentBatchIndex, "a rejected checkpoint must leave no partial write")
		assert.Empty(t, got.History)
	})
}

func TestStore_StaleVersionConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateState(ctx, newState("race")))

		a, err := s.LoadState(ctx, "race")
		require.NoError(t, err)
		b, err := s.LoadState(ctx, "race")
		require.NoError(t, err)

		a.Status = schema.StatusRunning
		require.NoError(t, s.SaveState(ctx, a))

		b.Status = schema.StatusFailed
		err = s.SaveState(ctx, b)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

		got, err := s.LoadState(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusRunning, got.Status)
	})
}

func TestStore_AppendHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateState(ctx, newState("h")))

		require.NoError(t, s.AppendHistory(ctx, "h", 0, schema.CompletedResult("one", nil)))
		err := s.AppendHistory(ctx, "h", 0, schema.CompletedResult("dup", nil))
		require.Error(t, err)

		got, err := s.LoadState(ctx, "h")
		require.NoError(t, err)
		require.Len(t, got.History, 1)
		assert.Equal(t, "one", got.History[0].StepID)
	})
}

func TestStore_ListStates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		running := newState("r")
		require.NoError(t, s.CreateState(ctx, running))
		running.Status = schema.StatusRunning
		require.NoError(t, s.SaveState(ctx, running))

		remote := newState("remote")
		remote.Remote = &RemoteLink{ServiceID: "svc", DeploymentID: "dep", ProvisionedAt: time.Now().UTC()}
		require.NoError(t, s.CreateState(ctx, remote))

		got, err := s.ListStates(ctx, StateFilter{Status: []schema.ExecutionStatus{schema.StatusRunning}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "r", got[0].ID)

		got, err = s.ListStates(ctx, StateFilter{RemoteOnly: true})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "dep", got[0].Remote.DeploymentID)

		future := time.Now().Add(time.Hour)
		got, err = s.ListStates(ctx, StateFilter{UpdatedBefore: &future})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", "file:x.db")
	require.Error(t, err)
}

func TestSplitStatements_SkipsComments(t *testing.T) {
	stmts := statements("-- header\nCREATE TABLE a (x INT);\n-- only a comment\n;\nCREATE INDEX i ON a(x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations(migrationFS)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].version)
	assert.Equal(t, "initial_schema", ms[0].name)

	_, err = loadMigrations(fstest.MapFS{"migrations/first.sql": {Data: []byte("SELECT 1")}})
	assert.ErrorContains(t, err, "NNN_name.sql")

	_, err = loadMigrations(fstest.MapFS{
		"migrations/001_a.sql": {Data: []byte("SELECT 1")},
		"migrations/1_b.sql":   {Data: []byte("SELECT 2")},
	})
	assert.ErrorContains(t, err, "duplicate migration version 1")
}

func TestStatements(t *testing.T) {
	got := statements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;\nCREATE INDEX i ON a(x) ;")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, got)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newSQLTestStore(t, DriverSQLite)
	require.NoError(t, s.Migrate(context.Background()))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n))
	ms, err := loadMigrations(migrationFS)
	require.NoError(t, err)
	assert.Equal(t, len(ms), n)
}
