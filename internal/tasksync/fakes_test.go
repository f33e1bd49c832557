package tasksync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ytakahashi/taskboard/internal/models"
)

type memLocal struct {
	mu        sync.Mutex
	tasks     []models.Task
	saves     int
	failSaves bool
}

func (m *memLocal) Load() ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTasks(m.tasks), nil
}

func (m *memLocal) Save(tasks []models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failSaves {
		return errors.New("quota exceeded")
	}
	m.tasks = cloneTasks(tasks)
	return nil
}

func (m *memLocal) stored() []models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTasks(m.tasks)
}

// gate blocks one remote call until released, so a test can act while the
// call is in flight.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait() {
	close(g.entered)
	<-g.release
}

type fakeSub struct {
	userID     string
	onSnapshot func([]models.Task)
}

// fakeRemote pushes a snapshot to every subscriber of a user synchronously
// after each successful write, the way a real-time store would.
type fakeRemote struct {
	mu        sync.Mutex
	docs      map[string][]models.Task
	subs      map[int]*fakeSub
	nextSub   int
	nextID    int
	maxActive int
	addCalls  int
	failAddAt int
	failAll   error
	quiet     bool

	// Taken by the next Add or Update call only.
	addGate    *gate
	updateGate *gate
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs: make(map[string][]models.Task),
		subs: make(map[int]*fakeSub),
	}
}

func (f *fakeRemote) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeRemote) stored(userID string) []models.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneTasks(f.docs[userID])
}

// push sends userID's collection to its subscribers. Call without f.mu.
func (f *fakeRemote) push(userID string) {
	f.mu.Lock()
	if f.quiet {
		f.mu.Unlock()
		return
	}
	snapshot := cloneTasks(f.docs[userID])
	var targets []func([]models.Task)
	for _, sub := range f.subs {
		if sub.userID == userID {
			targets = append(targets, sub.onSnapshot)
		}
	}
	f.mu.Unlock()

	for _, fn := range targets {
		fn(snapshot)
	}
}

func (f *fakeRemote) takeGate(g **gate) {
	f.mu.Lock()
	taken := *g
	*g = nil
	f.mu.Unlock()
	if taken != nil {
		taken.wait()
	}
}

func (f *fakeRemote) Add(_ context.Context, userID string, draft models.TaskDraft) (string, error) {
	f.takeGate(&f.addGate)
	f.mu.Lock()
	f.addCalls++
	if f.failAll != nil {
		f.mu.Unlock()
		return "", f.failAll
	}
	if f.failAddAt > 0 && f.addCalls == f.failAddAt {
		f.mu.Unlock()
		return "", errors.New("deadline exceeded")
	}
	f.nextID++
	id := "doc-" + strconv.Itoa(f.nextID)
	now := time.Date(2024, 5, 1, 9, 0, f.nextID, 0, time.UTC)
	task := draft.Task(id, now)
	task.UpdatedAt = now
	f.docs[userID] = append(f.docs[userID], task)
	f.mu.Unlock()

	f.push(userID)
	return id, nil
}

func (f *fakeRemote) Update(_ context.Context, userID, taskID string, patch models.TaskPatch) error {
	f.takeGate(&f.updateGate)
	f.mu.Lock()
	if f.failAll != nil {
		f.mu.Unlock()
		return f.failAll
	}
	found := false
	for i, t := range f.docs[userID] {
		if t.ID == taskID {
			next := patch.Apply(t)
			next.UpdatedAt = t.UpdatedAt.Add(time.Second)
			f.docs[userID][i] = next
			found = true
		}
	}
	f.mu.Unlock()

	if !found {
		return models.ErrNotFound
	}
	f.push(userID)
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, userID, taskID string) error {
	f.mu.Lock()
	if f.failAll != nil {
		f.mu.Unlock()
		return f.failAll
	}
	var kept []models.Task
	for _, t := range f.docs[userID] {
		if t.ID != taskID {
			kept = append(kept, t)
		}
	}
	f.docs[userID] = kept
	f.mu.Unlock()

	f.push(userID)
	return nil
}

func (f *fakeRemote) DeleteWhere(_ context.Context, userID string, status models.Status) (int, error) {
	f.mu.Lock()
	if f.failAll != nil {
		f.mu.Unlock()
		return 0, f.failAll
	}
	var kept []models.Task
	for _, t := range f.docs[userID] {
		if t.Status != status {
			kept = append(kept, t)
		}
	}
	n := len(f.docs[userID]) - len(kept)
	f.docs[userID] = kept
	f.mu.Unlock()

	f.push(userID)
	return n, nil
}

func (f *fakeRemote) Subscribe(userID string, onSnapshot func([]models.Task), _ func(error)) func() {
	f.mu.Lock()
	f.nextSub++
	key := f.nextSub
	f.subs[key] = &fakeSub{userID: userID, onSnapshot: onSnapshot}
	if len(f.subs) > f.maxActive {
		f.maxActive = len(f.subs)
	}
	snapshot := cloneTasks(f.docs[userID])
	quiet := f.quiet
	f.mu.Unlock()

	if !quiet {
		onSnapshot(snapshot)
	}

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, key)
	}
}

// recorder collects observer events.
type recorder struct {
	mu        sync.Mutex
	renders   [][]models.Task
	counts    []models.Counts
	completed []models.Task
}

func (r *recorder) CollectionChanged(tasks []models.Task, counts models.Counts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, tasks)
	r.counts = append(r.counts, counts)
}

func (r *recorder) TaskCompleted(task models.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, task)
}

func (r *recorder) renderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.renders)
}

func (r *recorder) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}
