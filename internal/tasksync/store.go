package tasksync

import (
	"context"

	"github.com/ytakahashi/taskboard/internal/models"
)

// LocalTaskStore is durable whole-collection storage for the guest board.
type LocalTaskStore interface {
	Load() ([]models.Task, error)
	Save(tasks []models.Task) error
}

// RemoteTaskStore is the per-user document store used once signed in.
// Subscribe must push the full collection right after subscribing and on
// every later change.
type RemoteTaskStore interface {
	Add(ctx context.Context, userID string, draft models.TaskDraft) (string, error)
	Update(ctx context.Context, userID, taskID string, patch models.TaskPatch) error
	Delete(ctx context.Context, userID, taskID string) error
	DeleteWhere(ctx context.Context, userID string, status models.Status) (int, error)
	Subscribe(userID string, onSnapshot func([]models.Task), onError func(error)) (unsubscribe func())
}

// Observer receives the synchronizer's output events. Calls are serialized
// and arrive in order. An observer may read the Synchronizer but must not
// call its mutating operations from inside a callback.
type Observer interface {
	CollectionChanged(tasks []models.Task, counts models.Counts)
	TaskCompleted(task models.Task)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnCollectionChanged func(tasks []models.Task, counts models.Counts)
	OnTaskCompleted     func(task models.Task)
}

func (o ObserverFuncs) CollectionChanged(tasks []models.Task, counts models.Counts) {
	if o.OnCollectionChanged != nil {
		o.OnCollectionChanged(tasks, counts)
	}
}

func (o ObserverFuncs) TaskCompleted(task models.Task) {
	if o.OnTaskCompleted != nil {
		o.OnTaskCompleted(task)
	}
}
