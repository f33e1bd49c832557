package tasksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ytakahashi/taskboard/internal/models"
	"go.uber.org/zap/zaptest"
)

func ptr[T any](v T) *T { return &v }

func fixedClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func newTestSync(t *testing.T, local *memLocal, remote *fakeRemote, opts ...Option) (*Synchronizer, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithObserver(rec)}, opts...)
	s, err := New(local, remote, opts...)
	require.NoError(t, err)
	return s, rec
}

func draft(text string) models.TaskDraft {
	return models.TaskDraft{Text: text, Priority: "medium", Category: "work", Status: models.StatusTodo}
}

func TestScenarioAddDeleteUndo(t *testing.T) {
	local := &memLocal{}
	s, _ := newTestSync(t, local, newFakeRemote())
	ctx := context.Background()

	id, err := s.Add(ctx, models.TaskDraft{Text: "Ship spec", Priority: "high", Category: "work", Status: models.StatusTodo})
	require.NoError(t, err)

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	original := tasks[0]
	assert.Equal(t, id, original.ID)
	assert.NotEmpty(t, original.ID)
	assert.False(t, original.CreatedAt.IsZero())

	require.NoError(t, s.Delete(ctx, id))
	assert.Empty(t, s.Tasks())
	assert.True(t, s.CanUndo())

	restored, err := s.UndoDelete()
	require.NoError(t, err)
	assert.True(t, restored)
	require.Len(t, s.Tasks(), 1)
	assert.Equal(t, original, s.Tasks()[0])
	assert.Equal(t, s.Tasks(), local.stored())

	restored, err = s.UndoDelete()
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Len(t, s.Tasks(), 1)
}

func TestGuestPersistenceMatchesMemory(t *testing.T) {
	local := &memLocal{}
	s, rec := newTestSync(t, local, newFakeRemote())
	ctx := context.Background()

	check := func() {
		t.Helper()
		assert.Equal(t, s.Tasks(), local.stored())
	}

	a, err := s.Add(ctx, draft("a"))
	require.NoError(t, err)
	check()
	b, err := s.Add(ctx, draft("b"))
	require.NoError(t, err)
	check()
	_, err = s.Add(ctx, draft("c"))
	require.NoError(t, err)
	check()

	require.NoError(t, s.Update(ctx, a, models.TaskPatch{Status: ptr(models.StatusInProgress), Description: ptr("notes")}))
	check()
	require.NoError(t, s.Delete(ctx, b))
	check()
	_, err = s.UndoDelete()
	require.NoError(t, err)
	check()
	require.NoError(t, s.Update(ctx, b, models.TaskPatch{Status: ptr(models.StatusDone)}))
	check()
	n, err := s.ClearCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	check()

	assert.Equal(t, 8, rec.renderCount())
}

func TestLocalIDsAreUniqueForSameInstant(t *testing.T) {
	s, _ := newTestSync(t, &memLocal{}, newFakeRemote(), WithClock(fixedClock()))
	ctx := context.Background()

	first, err := s.Add(ctx, draft("one"))
	require.NoError(t, err)
	second, err := s.Add(ctx, draft("two"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "1714564800000", first)
	assert.Equal(t, "1714564800001", second)
}

func TestUpdateMergesOnlyGivenFields(t *testing.T) {
	s, _ := newTestSync(t, &memLocal{}, newFakeRemote())
	ctx := context.Background()

	id, err := s.Add(ctx, models.TaskDraft{Text: "Write tests", Description: "unit", Category: "work", Priority: "low", DueDate: "2024-06-01"})
	require.NoError(t, err)
	before := s.Tasks()[0]

	require.NoError(t, s.Update(ctx, id, models.TaskPatch{Priority: ptr("high")}))
	after := s.Tasks()[0]

	assert.Equal(t, "high", after.Priority)
	assert.Equal(t, before.Text, after.Text)
	assert.Equal(t, before.Description, after.Description)
	assert.Equal(t, before.DueDate, after.DueDate)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.Equal(t, models.StatusTodo, after.Status)
}

func TestUpdateMissingTaskIsNoop(t *testing.T) {
	local := &memLocal{}
	s, rec := newTestSync(t, local, newFakeRemote())

	err := s.Update(context.Background(), "gone", models.TaskPatch{Text: ptr("x")})
	require.NoError(t, err)
	assert.Equal(t, 0, local.saves)
	assert.Equal(t, 0, rec.renderCount())
}

func TestCompletionNotifiedOnlyOnTransition(t *testing.T) {
	s, rec := newTestSync(t, &memLocal{}, newFakeRemote())
	ctx := context.Background()

	id, err := s.Add(ctx, draft("finish"))
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, id, models.TaskPatch{Status: ptr(models.StatusDone)}))
	assert.Equal(t, 1, rec.completedCount())
	assert.Equal(t, id, rec.completed[0].ID)
	assert.Equal(t, models.StatusDone, rec.completed[0].Status)

	// Re-saving a done task does not fire again.
	require.NoError(t, s.Update(ctx, id, models.TaskPatch{Status: ptr(models.StatusDone), Text: ptr("finish!")}))
	assert.Equal(t, 1, rec.completedCount())

	require.NoError(t, s.Update(ctx, id, models.TaskPatch{Status: ptr(models.StatusInProgress)}))
	require.NoError(t, s.Update(ctx, id, models.TaskPatch{Status: ptr(models.StatusDone)}))
	assert.Equal(t, 2, rec.completedCount())
}

func TestClearCompletedRemovesOnlyDone(t *testing.T) {
	local := &memLocal{}
	s, rec := newTestSync(t, local, newFakeRemote())
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"a", "b", "c", "d"} {
		id, err := s.Add(ctx, draft(text))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, s.Update(ctx, ids[1], models.TaskPatch{Status: ptr(models.StatusDone)}))
	require.NoError(t, s.Update(ctx, ids[3], models.TaskPatch{Status: ptr(models.StatusDone)}))
	require.NoError(t, s.Update(ctx, ids[2], models.TaskPatch{Status: ptr(models.StatusInProgress)}))

	var survivors []models.Task
	for _, task := range s.Tasks() {
		if task.Status != models.StatusDone {
			survivors = append(survivors, task)
		}
	}

	n, err := s.ClearCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, survivors, s.Tasks())
	assert.Equal(t, survivors, local.stored())

	renders := rec.renderCount()
	n, err = s.ClearCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, renders, rec.renderCount())
}

func TestValidationRejectedBeforeIO(t *testing.T) {
	local := &memLocal{}
	remote := newFakeRemote()
	s, _ := newTestSync(t, local, remote, WithVocabulary(models.Vocabulary{
		Categories: []string{"work", "personal"},
		Priorities: []string{"low", "medium", "high"},
	}))
	ctx := context.Background()

	_, err := s.Add(ctx, models.TaskDraft{Text: "   "})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = s.Add(ctx, models.TaskDraft{Text: "x", Status: "blocked"})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = s.Add(ctx, models.TaskDraft{Text: "x", Category: "garden"})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = s.Add(ctx, models.TaskDraft{Text: "x", DueDate: "tomorrow"})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, 0, local.saves)

	require.NoError(t, s.Activate("user-1"))
	_, err = s.Add(ctx, models.TaskDraft{Text: ""})
	assert.ErrorIs(t, err, models.ErrValidation)
	err = s.Update(ctx, "any", models.TaskPatch{Status: ptr(models.Status("archived"))})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, 0, remote.addCalls)
}

func TestAddDefaultsStatusToTodo(t *testing.T) {
	s, _ := newTestSync(t, &memLocal{}, newFakeRemote())

	_, err := s.Add(context.Background(), models.TaskDraft{Text: "no status"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusTodo, s.Tasks()[0].Status)
}

func TestStorageErrorIsNonFatal(t *testing.T) {
	local := &memLocal{failSaves: true}
	s, rec := newTestSync(t, local, newFakeRemote())

	id, err := s.Add(context.Background(), draft("kept in memory"))
	assert.ErrorIs(t, err, models.ErrStorage)
	assert.NotEmpty(t, id)
	require.Len(t, s.Tasks(), 1)
	assert.Equal(t, 1, rec.renderCount())
}

func TestRemoteAddWaitsForSnapshot(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newTestSync(t, &memLocal{}, remote)
	require.NoError(t, s.Activate("user-1"))

	remote.quiet = true
	id, err := s.Add(context.Background(), draft("remote"))
	require.NoError(t, err)
	assert.Equal(t, "doc-1", id)
	assert.Empty(t, s.Tasks(), "remote add must not mutate memory before the snapshot")

	remote.quiet = false
	remote.push("user-1")
	require.Len(t, s.Tasks(), 1)
	assert.Equal(t, "doc-1", s.Tasks()[0].ID)
}

func TestRemoteErrorsSurfaceAndLeaveMemory(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newTestSync(t, &memLocal{}, remote)
	ctx := context.Background()
	require.NoError(t, s.Activate("user-1"))

	id, err := s.Add(ctx, draft("stable"))
	require.NoError(t, err)
	before := s.Tasks()

	remote.failAll = errors.New("unavailable")
	_, err = s.Add(ctx, draft("lost"))
	assert.ErrorIs(t, err, models.ErrRemote)
	err = s.Update(ctx, id, models.TaskPatch{Text: ptr("changed")})
	assert.ErrorIs(t, err, models.ErrRemote)
	err = s.Delete(ctx, id)
	assert.ErrorIs(t, err, models.ErrRemote)
	_, err = s.ClearCompleted(ctx)
	assert.ErrorIs(t, err, models.ErrRemote)

	assert.Equal(t, before, s.Tasks())
}

func TestRemoteUpdateCompletionAndMissingTask(t *testing.T) {
	remote := newFakeRemote()
	s, rec := newTestSync(t, &memLocal{}, remote)
	ctx := context.Background()
	require.NoError(t, s.Activate("user-1"))

	id, err := s.Add(ctx, draft("remote task"))
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, id, models.TaskPatch{Status: ptr(models.StatusDone)}))
	require.NoError(t, s.Update(ctx, id, models.TaskPatch{Status: ptr(models.StatusDone)}))
	assert.Equal(t, 1, rec.completedCount())
	assert.Equal(t, models.StatusDone, s.Tasks()[0].Status)

	assert.NoError(t, s.Update(ctx, "vanished", models.TaskPatch{Text: ptr("x")}))
}

func TestRemoteDeleteHasNoUndo(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newTestSync(t, &memLocal{}, remote)
	ctx := context.Background()
	require.NoError(t, s.Activate("user-1"))

	id, err := s.Add(ctx, draft("remote task"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, id))

	assert.Empty(t, s.Tasks())
	assert.False(t, s.CanUndo())
	restored, err := s.UndoDelete()
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Empty(t, remote.stored("user-1"))
}

func TestRemoteClearCompleted(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newTestSync(t, &memLocal{}, remote)
	ctx := context.Background()
	require.NoError(t, s.Activate("user-1"))

	a, err := s.Add(ctx, draft("a"))
	require.NoError(t, err)
	_, err = s.Add(ctx, draft("b"))
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, a, models.TaskPatch{Status: ptr(models.StatusDone)}))

	n, err := s.ClearCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, s.Tasks(), 1)
	assert.Equal(t, "b", s.Tasks()[0].Text)
}

func TestModeSwitchingKeepsOneSubscription(t *testing.T) {
	local := &memLocal{}
	remote := newFakeRemote()
	s, _ := newTestSync(t, local, remote)
	ctx := context.Background()

	_, err := s.Add(ctx, draft("guest task"))
	require.NoError(t, err)
	guest := local.stored()

	_, err = remote.Add(ctx, "user-1", draft("cloud task"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Activate("user-1"))
		assert.Equal(t, ModeAuthenticated, s.Mode())
		assert.Equal(t, "user-1", s.UserID())
		assert.Equal(t, 1, remote.active())
		require.Len(t, s.Tasks(), 1)
		assert.Equal(t, "cloud task", s.Tasks()[0].Text)

		require.NoError(t, s.Deactivate())
		assert.Equal(t, ModeGuest, s.Mode())
		assert.Equal(t, 0, remote.active())
	}

	assert.Equal(t, 1, remote.maxActive)
	assert.Equal(t, guest, s.Tasks())
}

func TestReactivateCancelsPreviousSubscription(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newTestSync(t, &memLocal{}, remote)

	require.NoError(t, s.Activate("user-1"))
	require.NoError(t, s.Activate("user-2"))
	assert.Equal(t, 1, remote.active())
	assert.Equal(t, 1, remote.maxActive)
	assert.Equal(t, "user-2", s.UserID())

	assert.ErrorIs(t, s.Activate(""), models.ErrValidation)
}

func TestStaleSnapshotIsDropped(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newTestSync(t, &memLocal{}, remote)

	var stale func([]models.Task)
	remote.quiet = true
	require.NoError(t, s.Activate("user-1"))
	for _, sub := range remote.subs {
		stale = sub.onSnapshot
	}
	require.NotNil(t, stale)

	require.NoError(t, s.Deactivate())
	stale([]models.Task{{ID: "late", Text: "late snapshot", Status: models.StatusTodo}})
	assert.Empty(t, s.Tasks())
}

func TestLastDeliveredSnapshotWins(t *testing.T) {
	remote := newFakeRemote()
	s, rec := newTestSync(t, &memLocal{}, remote)
	remote.quiet = true
	require.NoError(t, s.Activate("user-1"))

	var deliver func([]models.Task)
	for _, sub := range remote.subs {
		deliver = sub.onSnapshot
	}
	newer := []models.Task{{ID: "1", Text: "newer", Status: models.StatusTodo}}
	older := []models.Task{{ID: "1", Text: "older", Status: models.StatusTodo}, {ID: "2", Text: "x", Status: models.StatusDone}}
	deliver(newer)
	deliver(older)

	assert.Equal(t, older, s.Tasks())
	last := rec.counts[len(rec.counts)-1]
	assert.Equal(t, 2, last.Total)
	assert.Equal(t, 1, last.Done)
}

func TestMigrationCopiesAndClearsGuestStore(t *testing.T) {
	local := &memLocal{}
	remote := newFakeRemote()
	s, _ := newTestSync(t, local, remote)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		_, err := s.Add(ctx, draft(text))
		require.NoError(t, err)
	}
	guest := local.stored()

	require.NoError(t, s.Activate("user-1"))
	n, err := s.MigrateGuestTasks(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, local.stored())

	migrated := remote.stored("user-1")
	require.Len(t, migrated, 3)
	for i, task := range migrated {
		assert.Equal(t, guest[i].Text, task.Text)
		assert.NotEqual(t, guest[i].ID, task.ID)
		assert.NotEqual(t, guest[i].CreatedAt, task.CreatedAt)
	}
	assert.Len(t, s.Tasks(), 3)
}

func TestMigrationStopsAtFirstFailure(t *testing.T) {
	const total, failAt = 5, 3

	local := &memLocal{}
	remote := newFakeRemote()
	s, _ := newTestSync(t, local, remote)
	ctx := context.Background()

	for i := 0; i < total; i++ {
		_, err := s.Add(ctx, draft("task"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Activate("user-1"))

	remote.failAddAt = failAt
	n, err := s.MigrateGuestTasks(ctx, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRemote)

	var migErr *models.MigrationError
	require.True(t, errors.As(err, &migErr))
	assert.Equal(t, failAt-1, migErr.Migrated)
	assert.Equal(t, total, migErr.Total)
	assert.Equal(t, failAt-1, n)

	assert.Len(t, remote.stored("user-1"), failAt-1)
	assert.Len(t, local.stored(), total)
}

func TestMigrationWithNoGuestTasks(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newTestSync(t, &memLocal{}, remote)

	n, err := s.MigrateGuestTasks(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, remote.addCalls)
}

func TestGuestOperationAfterModeSwitch(t *testing.T) {
	s, _ := newTestSync(t, &memLocal{}, newFakeRemote())
	stale := s.current()

	require.NoError(t, s.Activate("user-1"))
	_, err := stale.add(context.Background(), draft("late"))
	assert.ErrorIs(t, err, models.ErrModeChanged)
}

func TestUndoClearedBySignIn(t *testing.T) {
	s, _ := newTestSync(t, &memLocal{}, newFakeRemote())
	ctx := context.Background()

	id, err := s.Add(ctx, draft("temp"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, id))
	require.True(t, s.CanUndo())

	require.NoError(t, s.Activate("user-1"))
	require.NoError(t, s.Deactivate())
	assert.False(t, s.CanUndo())
}

func TestGuestTaskWrittenDuringMigrationIsKept(t *testing.T) {
	local := &memLocal{}
	remote := newFakeRemote()
	s, _ := newTestSync(t, local, remote, WithClock(fixedClock()))
	ctx := context.Background()

	_, err := s.Add(ctx, draft("old"))
	require.NoError(t, err)
	require.NoError(t, s.Activate("user-1"))

	g := newGate()
	remote.addGate = g
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.MigrateGuestTasks(ctx, "user-1")
		done <- result{n, err}
	}()
	<-g.entered

	require.NoError(t, s.Deactivate())
	_, err = s.Add(ctx, draft("new"))
	require.NoError(t, err)
	close(g.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.n)

	stored := local.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, "new", stored[0].Text)
	require.Len(t, s.Tasks(), 1)
	assert.Equal(t, "new", s.Tasks()[0].Text)

	migrated := remote.stored("user-1")
	require.Len(t, migrated, 1)
	assert.Equal(t, "old", migrated[0].Text)
}

func TestMigrationInGuestModeClearsBoard(t *testing.T) {
	local := &memLocal{}
	remote := newFakeRemote()
	s, rec := newTestSync(t, local, remote)
	ctx := context.Background()

	for _, text := range []string{"a", "b"} {
		_, err := s.Add(ctx, draft(text))
		require.NoError(t, err)
	}
	renders := rec.renderCount()

	n, err := s.MigrateGuestTasks(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, ModeGuest, s.Mode())
	assert.Empty(t, s.Tasks())
	assert.Empty(t, local.stored())
	assert.Len(t, remote.stored("user-1"), 2)
	assert.Equal(t, renders+1, rec.renderCount())
	assert.Equal(t, models.Counts{}, rec.counts[len(rec.counts)-1])
}

func TestCompletionDroppedAfterModeSwitch(t *testing.T) {
	switches := map[string]func(*Synchronizer) error{
		"sign out":     func(s *Synchronizer) error { return s.Deactivate() },
		"switch users": func(s *Synchronizer) error { return s.Activate("user-2") },
	}

	for name, switchMode := range switches {
		t.Run(name, func(t *testing.T) {
			remote := newFakeRemote()
			s, rec := newTestSync(t, &memLocal{}, remote)
			ctx := context.Background()
			require.NoError(t, s.Activate("user-1"))

			id, err := s.Add(ctx, draft("remote task"))
			require.NoError(t, err)

			g := newGate()
			remote.updateGate = g
			errc := make(chan error, 1)
			go func() {
				errc <- s.Update(ctx, id, models.TaskPatch{Status: ptr(models.StatusDone)})
			}()
			<-g.entered

			require.NoError(t, switchMode(s))
			close(g.release)
			require.NoError(t, <-errc)

			assert.Equal(t, 0, rec.completedCount())
			assert.Equal(t, models.StatusDone, remote.stored("user-1")[0].Status)
			assert.Empty(t, s.Tasks())
		})
	}
}

func TestConcurrentRemoteCompletionAnnouncedOnce(t *testing.T) {
	remote := newFakeRemote()
	s, rec := newTestSync(t, &memLocal{}, remote)
	ctx := context.Background()
	require.NoError(t, s.Activate("user-1"))

	id, err := s.Add(ctx, draft("remote task"))
	require.NoError(t, err)

	g := newGate()
	remote.updateGate = g
	errc := make(chan error, 1)
	go func() {
		errc <- s.Update(ctx, id, models.TaskPatch{Status: ptr(models.StatusDone)})
	}()
	<-g.entered

	require.NoError(t, s.Update(ctx, id, models.TaskPatch{Status: ptr(models.StatusDone)}))
	close(g.release)
	require.NoError(t, <-errc)
	assert.Equal(t, 1, rec.completedCount())

	// Reopening and completing again is a new transition.
	require.NoError(t, s.Update(ctx, id, models.TaskPatch{Status: ptr(models.StatusTodo)}))
	require.NoError(t, s.Update(ctx, id, models.TaskPatch{Status: ptr(models.StatusDone)}))
	assert.Equal(t, 2, rec.completedCount())
}
