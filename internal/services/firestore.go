package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/ytakahashi/taskboard/internal/models"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	usersCollection = "users"
	tasksCollection = "tasks"
)

// Profile is the users/{uid} document written on first sign-in.
type Profile struct {
	FullName  string    `firestore:"fullName" json:"fullName"`
	Email     string    `firestore:"email" json:"email"`
	CreatedAt time.Time `firestore:"createdAt,serverTimestamp" json:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt,serverTimestamp" json:"updatedAt"`
}

// FirestoreService is the remote, per-user task store.
type FirestoreService struct {
	client *firestore.Client
	logger *zap.Logger
}

func NewFirestoreService(ctx context.Context, projectID string, logger *zap.Logger) (*FirestoreService, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &FirestoreService{
		client: client,
		logger: logger,
	}, nil
}

func (fs *FirestoreService) Close() error {
	return fs.client.Close()
}

func (fs *FirestoreService) tasks(userID string) *firestore.CollectionRef {
	return fs.client.Collection(usersCollection).Doc(userID).Collection(tasksCollection)
}

// Add stores a new task under a backend-generated id.
func (fs *FirestoreService) Add(ctx context.Context, userID string, draft models.TaskDraft) (string, error) {
	ref := fs.tasks(userID).NewDoc()
	// Zero timestamps are filled in by the server.
	task := draft.Task("", time.Time{})
	if _, err := ref.Create(ctx, task); err != nil {
		return "", remoteErr("failed to add task", err)
	}
	return ref.ID, nil
}

// Update writes only the fields set in patch and bumps updatedAt.
func (fs *FirestoreService) Update(ctx context.Context, userID, taskID string, patch models.TaskPatch) error {
	updates := patchUpdates(patch)
	updates = append(updates, firestore.Update{Path: "updatedAt", Value: firestore.ServerTimestamp})

	_, err := fs.tasks(userID).Doc(taskID).Update(ctx, updates)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", models.ErrNotFound, taskID)
		}
		return remoteErr("failed to update task", err)
	}
	return nil
}

func patchUpdates(patch models.TaskPatch) []firestore.Update {
	var updates []firestore.Update
	if patch.Text != nil {
		updates = append(updates, firestore.Update{Path: "text", Value: *patch.Text})
	}
	if patch.Description != nil {
		updates = append(updates, firestore.Update{Path: "description", Value: *patch.Description})
	}
	if patch.Category != nil {
		updates = append(updates, firestore.Update{Path: "category", Value: *patch.Category})
	}
	if patch.Priority != nil {
		updates = append(updates, firestore.Update{Path: "priority", Value: *patch.Priority})
	}
	if patch.Status != nil {
		updates = append(updates, firestore.Update{Path: "status", Value: string(*patch.Status)})
	}
	if patch.DueDate != nil {
		updates = append(updates, firestore.Update{Path: "dueDate", Value: *patch.DueDate})
	}
	return updates
}

func (fs *FirestoreService) Delete(ctx context.Context, userID, taskID string) error {
	if _, err := fs.tasks(userID).Doc(taskID).Delete(ctx); err != nil {
		return remoteErr("failed to delete task", err)
	}
	return nil
}

// DeleteWhere removes every task of the user with the given status and
// returns how many were deleted.
func (fs *FirestoreService) DeleteWhere(ctx context.Context, userID string, st models.Status) (int, error) {
	iter := fs.tasks(userID).Where("status", "==", string(st)).Documents(ctx)
	defer iter.Stop()

	bw := fs.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return 0, remoteErr("failed to iterate tasks for deletion", err)
		}

		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, remoteErr("failed to queue task deletion", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var deletedCount int
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return deletedCount, remoteErr("failed to delete task", err)
		}
		deletedCount++
	}
	return deletedCount, nil
}

// Subscribe pushes the user's whole collection, ordered by creation time,
// once immediately and again after every change. The returned function
// cancels the subscription without waiting for an in-flight callback.
func (fs *FirestoreService) Subscribe(userID string, onSnapshot func([]models.Task), onError func(error)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	it := fs.tasks(userID).OrderBy("createdAt", firestore.Asc).Snapshots(ctx)

	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
					return
				}
				fs.logger.Error("Task subscription failed", zap.String("user_id", userID), zap.Error(err))
				onError(remoteErr("task subscription failed", err))
				return
			}

			tasks, err := decodeTasks(snap.Documents)
			if err != nil {
				fs.logger.Error("Failed to decode task snapshot", zap.String("user_id", userID), zap.Error(err))
				onError(err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			onSnapshot(tasks)
		}
	}()

	return cancel
}

func decodeTasks(iter *firestore.DocumentIterator) ([]models.Task, error) {
	docs, err := iter.GetAll()
	if err != nil {
		return nil, remoteErr("failed to read task snapshot", err)
	}

	tasks := make([]models.Task, 0, len(docs))
	for _, doc := range docs {
		var task models.Task
		if err := doc.DataTo(&task); err != nil {
			return nil, remoteErr("failed to unmarshal task", err)
		}
		task.ID = doc.Ref.ID
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// GetProfile returns the user's profile, or nil if none was written yet.
func (fs *FirestoreService) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	doc, err := fs.client.Collection(usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, remoteErr("failed to read profile", err)
	}

	var profile Profile
	if err := doc.DataTo(&profile); err != nil {
		return nil, remoteErr("failed to unmarshal profile", err)
	}
	return &profile, nil
}

// SetProfile merges name and email into the profile document, creating it
// if needed.
func (fs *FirestoreService) SetProfile(ctx context.Context, userID, fullName, email string) error {
	ref := fs.client.Collection(usersCollection).Doc(userID)
	existing, err := fs.GetProfile(ctx, userID)
	if err != nil {
		return err
	}

	data := map[string]interface{}{
		"fullName":  fullName,
		"email":     email,
		"updatedAt": firestore.ServerTimestamp,
	}
	if existing == nil {
		data["createdAt"] = firestore.ServerTimestamp
	}

	if _, err := ref.Set(ctx, data, firestore.MergeAll); err != nil {
		return remoteErr("failed to write profile", err)
	}
	return nil
}

func remoteErr(msg string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrRemote, msg, err)
}
