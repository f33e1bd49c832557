// Package tasksync keeps the in-memory task board in step with whichever
// store is active: the local guest store, or the signed-in user's remote
// collection.
//
// In guest mode every operation applies to memory, persists the whole
// collection and notifies observers before returning. In signed-in mode
// operations are submitted to the remote store and memory only changes when
// the subscription pushes a new snapshot.
package tasksync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ytakahashi/taskboard/internal/models"
	"go.uber.org/zap"
)

// Mode is the persistence mode of the board.
type Mode string

const (
	ModeGuest         Mode = "guest"
	ModeAuthenticated Mode = "authenticated"
)

// taskBackend is the mode-specific half of each operation.
type taskBackend interface {
	mode() Mode
	add(ctx context.Context, draft models.TaskDraft) (string, error)
	update(ctx context.Context, taskID string, patch models.TaskPatch) error
	remove(ctx context.Context, taskID string) error
	clearCompleted(ctx context.Context) (int, error)
	undo() (bool, error)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Synchronizer) { s.logger = logger }
}

// WithVocabulary restricts categories and priorities to the given sets.
func WithVocabulary(v models.Vocabulary) Option {
	return func(s *Synchronizer) { s.vocab = v }
}

func WithObserver(o Observer) Option {
	return func(s *Synchronizer) { s.observers = append(s.observers, o) }
}

// WithClock replaces time.Now for ids and creation times.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// Synchronizer owns the in-memory task collection.
//
// A single mutex guards the collection, the undo slot and the active
// backend. Remote calls run without it. Each mode switch bumps a generation
// counter, and snapshots or completion events carrying an older generation
// are dropped. Observers are called with the mutex held.
type Synchronizer struct {
	local  LocalTaskStore
	remote RemoteTaskStore
	logger *zap.Logger
	vocab  models.Vocabulary
	now    func() time.Time

	mu          sync.Mutex
	tasks       []models.Task
	lastDeleted *models.Task
	backend     taskBackend
	gen         uint64
	observers   []Observer

	// completing holds remote task ids whose completion was announced,
	// true while the update announcing it is still in flight.
	completing map[string]bool
}

// New starts a synchronizer in guest mode with the collection loaded from
// the local store.
func New(local LocalTaskStore, remote RemoteTaskStore, opts ...Option) (*Synchronizer, error) {
	s := &Synchronizer{
		local:  local,
		remote: remote,
		logger:     zap.NewNop(),
		now:        time.Now,
		completing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.backend = &localBackend{s: s}

	tasks, err := local.Load()
	if err != nil {
		return nil, storageErr(err)
	}
	s.tasks = cloneTasks(tasks)
	return s, nil
}

// AddObserver registers o for all later events.
func (s *Synchronizer) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Synchronizer) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.mode()
}

// UserID returns the signed-in user, or "" in guest mode.
func (s *Synchronizer) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rb, ok := s.backend.(*remoteBackend); ok {
		return rb.userID
	}
	return ""
}

// Tasks returns a copy of the current collection.
func (s *Synchronizer) Tasks() []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTasks(s.tasks)
}

func (s *Synchronizer) Counts() models.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CountTasks(s.tasks, s.now())
}

// CanUndo reports whether UndoDelete would restore a task.
func (s *Synchronizer) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, guest := s.backend.(*localBackend)
	return guest && s.lastDeleted != nil
}

// Activate switches to the remote collection of userID. Any previous
// subscription is cancelled first. Guest data is left alone; see
// MigrateGuestTasks.
func (s *Synchronizer) Activate(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", models.ErrValidation)
	}

	s.mu.Lock()
	s.stopSubscriptionLocked()
	s.gen++
	rb := &remoteBackend{s: s, userID: userID, gen: s.gen}
	s.backend = rb
	s.completing = make(map[string]bool)
	s.tasks = []models.Task{}
	s.lastDeleted = nil
	s.publishLocked(nil)
	s.mu.Unlock()

	s.logger.Info("Board activated", zap.String("user_id", userID))

	// Subscribe may deliver the first snapshot before it returns.
	unsubscribe := s.remote.Subscribe(userID,
		func(tasks []models.Task) { s.applySnapshot(rb.gen, tasks) },
		func(err error) {
			s.logger.Error("Remote task subscription error", zap.String("user_id", userID), zap.Error(err))
		},
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != rb {
		// Another switch won the race; this subscription is already stale.
		unsubscribe()
		return nil
	}
	rb.unsubscribe = unsubscribe
	return nil
}

// Deactivate cancels the remote subscription and returns to the guest
// collection.
func (s *Synchronizer) Deactivate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopSubscriptionLocked()
	s.gen++
	s.backend = &localBackend{s: s}
	s.lastDeleted = nil
	s.completing = make(map[string]bool)

	tasks, err := s.local.Load()
	if err != nil {
		s.logger.Error("Failed to reload guest tasks", zap.Error(err))
		s.tasks = []models.Task{}
		s.publishLocked(nil)
		return storageErr(err)
	}
	s.tasks = cloneTasks(tasks)
	s.publishLocked(nil)
	s.logger.Info("Board deactivated", zap.Int("guest_tasks", len(tasks)))
	return nil
}

func (s *Synchronizer) stopSubscriptionLocked() {
	rb, ok := s.backend.(*remoteBackend)
	if !ok || rb.unsubscribe == nil {
		return
	}
	rb.unsubscribe()
	rb.unsubscribe = nil
}

// applySnapshot replaces the collection with a pushed snapshot unless the
// subscription that delivered it has been superseded.
func (s *Synchronizer) applySnapshot(gen uint64, tasks []models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.logger.Debug("Dropping stale snapshot", zap.Uint64("generation", gen))
		return
	}
	s.tasks = cloneTasks(tasks)
	s.releaseCompletionsLocked()
	s.publishLocked(nil)
}

// releaseCompletionsLocked drops settled claims for tasks that are gone or
// no longer done, so a later completion is announced again.
func (s *Synchronizer) releaseCompletionsLocked() {
	for id, inFlight := range s.completing {
		if inFlight {
			continue
		}
		if i := s.indexLocked(id); i < 0 || s.tasks[i].Status != models.StatusDone {
			delete(s.completing, id)
		}
	}
}

// Add creates a task and returns its id. In guest mode an ErrStorage error
// is non-fatal: the task was added in memory but not persisted.
func (s *Synchronizer) Add(ctx context.Context, draft models.TaskDraft) (string, error) {
	draft = draft.Normalize()
	if err := draft.Validate(s.vocab); err != nil {
		return "", err
	}
	return s.current().add(ctx, draft)
}

// Update merges patch into the task. A missing id is not an error.
func (s *Synchronizer) Update(ctx context.Context, taskID string, patch models.TaskPatch) error {
	if err := patch.Validate(s.vocab); err != nil {
		return err
	}
	if patch.Empty() {
		return nil
	}
	return s.current().update(ctx, taskID, patch)
}

// Delete removes the task. In guest mode it can be restored with UndoDelete.
func (s *Synchronizer) Delete(ctx context.Context, taskID string) error {
	return s.current().remove(ctx, taskID)
}

// UndoDelete restores the most recently deleted guest task. It reports
// false when there is nothing to restore.
func (s *Synchronizer) UndoDelete() (bool, error) {
	return s.current().undo()
}

// ClearCompleted removes every done task and returns how many went.
func (s *Synchronizer) ClearCompleted(ctx context.Context) (int, error) {
	return s.current().clearCompleted(ctx)
}

// MigrateGuestTasks copies every guest task into userID's remote
// collection as a fresh task, then removes the copied tasks from the guest
// store. Guest tasks written while the copy runs stay in the guest store.
//
// It stops at the first failed add. Tasks already copied stay in the
// remote collection and the guest store is left intact, so a retry may
// create duplicates but never loses a task.
func (s *Synchronizer) MigrateGuestTasks(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: user id is required", models.ErrValidation)
	}

	tasks, err := s.local.Load()
	if err != nil {
		return 0, storageErr(err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	migrated := make(map[string]struct{}, len(tasks))
	for i, task := range tasks {
		if _, err := s.remote.Add(ctx, userID, task.Draft().Normalize()); err != nil {
			s.logger.Error("Guest task migration stopped",
				zap.String("user_id", userID),
				zap.Int("migrated", i),
				zap.Int("total", len(tasks)),
				zap.Error(err))
			return i, &models.MigrationError{Migrated: i, Total: len(tasks), Err: remoteErr(err)}
		}
		migrated[task.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, guest := s.backend.(*localBackend)
	current := s.tasks
	if !guest {
		current, err = s.local.Load()
		if err != nil {
			return len(tasks), storageErr(err)
		}
	}
	remaining := withoutIDs(current, migrated)
	if err := s.local.Save(remaining); err != nil {
		return len(tasks), storageErr(err)
	}
	if guest {
		s.tasks = remaining
		if s.lastDeleted != nil {
			if _, ok := migrated[s.lastDeleted.ID]; ok {
				s.lastDeleted = nil
			}
		}
		s.publishLocked(nil)
	}

	s.logger.Info("Guest tasks migrated",
		zap.String("user_id", userID),
		zap.Int("count", len(tasks)),
		zap.Int("remaining", len(remaining)))
	return len(tasks), nil
}

func withoutIDs(tasks []models.Task, ids map[string]struct{}) []models.Task {
	out := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := ids[t.ID]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Synchronizer) current() taskBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// publishLocked notifies observers that the collection changed, followed
// by the completion event if there is one.
func (s *Synchronizer) publishLocked(completed *models.Task) {
	tasks := cloneTasks(s.tasks)
	counts := models.CountTasks(tasks, s.now())
	for _, o := range s.observers {
		o.CollectionChanged(tasks, counts)
	}
	if completed != nil {
		s.completedLocked(*completed)
	}
}

func (s *Synchronizer) completedLocked(task models.Task) {
	for _, o := range s.observers {
		o.TaskCompleted(task)
	}
}

func (s *Synchronizer) indexLocked(taskID string) int {
	for i := range s.tasks {
		if s.tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}

func cloneTasks(tasks []models.Task) []models.Task {
	out := make([]models.Task, len(tasks))
	copy(out, tasks)
	return out
}

func storageErr(err error) error {
	if errors.Is(err, models.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrStorage, err)
}

func remoteErr(err error) error {
	if errors.Is(err, models.ErrRemote) || errors.Is(err, models.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrRemote, err)
}

// nextLocalIDLocked derives an id from the current time in milliseconds,
// stepping forward past ids still in use or held for undo.
func (s *Synchronizer) nextLocalIDLocked() string {
	n := s.now().UnixMilli()
	for {
		id := strconv.FormatInt(n, 10)
		if s.indexLocked(id) < 0 && (s.lastDeleted == nil || s.lastDeleted.ID != id) {
			return id
		}
		n++
	}
}
