package tasksync

import (
	"context"
	"errors"

	"github.com/ytakahashi/taskboard/internal/models"
	"go.uber.org/zap"
)

// localBackend applies operations to memory and persists the whole
// collection to the guest store. Every method runs entirely under s.mu.
type localBackend struct {
	s *Synchronizer
}

func (b *localBackend) mode() Mode { return ModeGuest }

// lockActive takes s.mu and checks that b is still the active backend.
func (b *localBackend) lockActive() error {
	b.s.mu.Lock()
	if b.s.backend != b {
		b.s.mu.Unlock()
		return models.ErrModeChanged
	}
	return nil
}

func (b *localBackend) persistLocked() error {
	if err := b.s.local.Save(cloneTasks(b.s.tasks)); err != nil {
		b.s.logger.Warn("Failed to persist guest tasks", zap.Error(err))
		return storageErr(err)
	}
	return nil
}

func (b *localBackend) add(_ context.Context, draft models.TaskDraft) (string, error) {
	if err := b.lockActive(); err != nil {
		return "", err
	}
	s := b.s
	defer s.mu.Unlock()

	task := draft.Task(s.nextLocalIDLocked(), s.now().UTC())
	s.tasks = append(s.tasks, task)
	err := b.persistLocked()
	s.publishLocked(nil)
	return task.ID, err
}

func (b *localBackend) update(_ context.Context, taskID string, patch models.TaskPatch) error {
	if err := b.lockActive(); err != nil {
		return err
	}
	s := b.s
	defer s.mu.Unlock()

	i := s.indexLocked(taskID)
	if i < 0 {
		s.logger.Debug("Update of missing guest task ignored", zap.String("task_id", taskID))
		return nil
	}

	prev := s.tasks[i]
	next := patch.Apply(prev)
	s.tasks[i] = next
	err := b.persistLocked()

	var completed *models.Task
	if prev.Status != models.StatusDone && next.Status == models.StatusDone {
		completed = &next
	}
	s.publishLocked(completed)
	return err
}

func (b *localBackend) remove(_ context.Context, taskID string) error {
	if err := b.lockActive(); err != nil {
		return err
	}
	s := b.s
	defer s.mu.Unlock()

	i := s.indexLocked(taskID)
	if i < 0 {
		s.logger.Debug("Delete of missing guest task ignored", zap.String("task_id", taskID))
		return nil
	}

	deleted := s.tasks[i]
	s.tasks = append(s.tasks[:i:i], s.tasks[i+1:]...)
	s.lastDeleted = &deleted
	err := b.persistLocked()
	s.publishLocked(nil)
	return err
}

func (b *localBackend) undo() (bool, error) {
	if err := b.lockActive(); err != nil {
		return false, err
	}
	s := b.s
	defer s.mu.Unlock()

	if s.lastDeleted == nil {
		return false, nil
	}
	s.tasks = append(s.tasks, *s.lastDeleted)
	s.lastDeleted = nil
	err := b.persistLocked()
	s.publishLocked(nil)
	return true, err
}

func (b *localBackend) clearCompleted(_ context.Context) (int, error) {
	if err := b.lockActive(); err != nil {
		return 0, err
	}
	s := b.s
	defer s.mu.Unlock()

	kept := make([]models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Status != models.StatusDone {
			kept = append(kept, t)
		}
	}
	removed := len(s.tasks) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	s.tasks = kept
	err := b.persistLocked()
	s.publishLocked(nil)
	return removed, err
}

// remoteBackend submits operations to the user's remote collection. It
// never touches memory: the subscription snapshot does that.
type remoteBackend struct {
	s           *Synchronizer
	userID      string
	gen         uint64
	unsubscribe func()
}

func (b *remoteBackend) mode() Mode { return ModeAuthenticated }

func (b *remoteBackend) add(ctx context.Context, draft models.TaskDraft) (string, error) {
	id, err := b.s.remote.Add(ctx, b.userID, draft)
	if err != nil {
		b.s.logger.Error("Failed to add remote task", zap.String("user_id", b.userID), zap.Error(err))
		return "", remoteErr(err)
	}
	return id, nil
}

// update announces a completion once per todo to done transition. The
// first caller to see the transition claims it; the claim is released when
// a snapshot shows the task is no longer done.
func (b *remoteBackend) update(ctx context.Context, taskID string, patch models.TaskPatch) error {
	s := b.s
	s.mu.Lock()
	var prev models.Task
	claimed := false
	if i := s.indexLocked(taskID); i >= 0 {
		prev = s.tasks[i]
		if prev.Status != models.StatusDone && patch.Status != nil && *patch.Status == models.StatusDone {
			if _, taken := s.completing[taskID]; !taken && s.gen == b.gen {
				s.completing[taskID] = true
				claimed = true
			}
		}
	}
	s.mu.Unlock()

	err := s.remote.Update(ctx, b.userID, taskID, patch)

	s.mu.Lock()
	defer s.mu.Unlock()
	if claimed && s.gen == b.gen {
		if err != nil {
			delete(s.completing, taskID)
		} else {
			s.completing[taskID] = false
		}
	}

	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Debug("Update of missing remote task ignored", zap.String("task_id", taskID))
			return nil
		}
		s.logger.Error("Failed to update remote task", zap.String("task_id", taskID), zap.Error(err))
		return remoteErr(err)
	}

	if !claimed || s.gen != b.gen {
		return nil
	}
	s.completedLocked(patch.Apply(prev))
	return nil
}

func (b *remoteBackend) remove(ctx context.Context, taskID string) error {
	if err := b.s.remote.Delete(ctx, b.userID, taskID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		b.s.logger.Error("Failed to delete remote task", zap.String("task_id", taskID), zap.Error(err))
		return remoteErr(err)
	}
	return nil
}

func (b *remoteBackend) undo() (bool, error) {
	return false, nil
}

func (b *remoteBackend) clearCompleted(ctx context.Context) (int, error) {
	n, err := b.s.remote.DeleteWhere(ctx, b.userID, models.StatusDone)
	if err != nil {
		b.s.logger.Error("Failed to clear completed remote tasks", zap.String("user_id", b.userID), zap.Error(err))
		return n, remoteErr(err)
	}
	return n, nil
}
