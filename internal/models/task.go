package models

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the format of Task.DueDate.
const DateLayout = "2006-01-02"

// Status is the board column a task sits in.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
)

// Valid reports whether s is one of the three board columns.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Task represents a task on the board
type Task struct {
	ID          string    `firestore:"-" json:"id" yaml:"id"`
	Text        string    `firestore:"text" json:"text" yaml:"text"`
	Description string    `firestore:"description" json:"description,omitempty" yaml:"description,omitempty"`
	Category    string    `firestore:"category" json:"category" yaml:"category"`
	Priority    string    `firestore:"priority" json:"priority" yaml:"priority"`
	Status      Status    `firestore:"status" json:"status" yaml:"status"`
	DueDate     string    `firestore:"dueDate" json:"dueDate,omitempty" yaml:"dueDate,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt,serverTimestamp" json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt,serverTimestamp" json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// Overdue reports whether the due day ended before now and the task is
// still open. Due dates are calendar days in now's location.
func (t Task) Overdue(now time.Time) bool {
	if t.DueDate == "" || t.Status == StatusDone {
		return false
	}
	due, err := time.ParseInLocation(DateLayout, t.DueDate, now.Location())
	if err != nil {
		return false
	}
	return !now.Before(due.AddDate(0, 0, 1))
}

// Draft strips the identity and timestamps, leaving what a fresh add needs.
func (t Task) Draft() TaskDraft {
	return TaskDraft{
		Text:        t.Text,
		Description: t.Description,
		Category:    t.Category,
		Priority:    t.Priority,
		Status:      t.Status,
		DueDate:     t.DueDate,
	}
}

// TaskDraft is a task that has not been stored yet.
type TaskDraft struct {
	Text        string `json:"text"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`
	Status      Status `json:"status,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
}

// Normalize trims the title and defaults an empty status to todo.
func (d TaskDraft) Normalize() TaskDraft {
	d.Text = strings.TrimSpace(d.Text)
	if d.Status == "" {
		d.Status = StatusTodo
	}
	return d
}

// Validate checks the draft against the required fields and the vocabulary.
func (d TaskDraft) Validate(v Vocabulary) error {
	if strings.TrimSpace(d.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrValidation)
	}
	if !d.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, d.Status)
	}
	if err := validateDueDate(d.DueDate); err != nil {
		return err
	}
	return v.check(d.Category, d.Priority)
}

// Task materializes the draft with the given identity and creation time.
func (d TaskDraft) Task(id string, createdAt time.Time) Task {
	return Task{
		ID:          id,
		Text:        d.Text,
		Description: d.Description,
		Category:    d.Category,
		Priority:    d.Priority,
		Status:      d.Status,
		DueDate:     d.DueDate,
		CreatedAt:   createdAt,
	}
}

// TaskPatch is a sparse update. Nil fields keep their current values.
type TaskPatch struct {
	Text        *string `json:"text,omitempty"`
	Description *string `json:"description,omitempty"`
	Category    *string `json:"category,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Status      *Status `json:"status,omitempty"`
	DueDate     *string `json:"dueDate,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Text == nil && p.Description == nil && p.Category == nil &&
		p.Priority == nil && p.Status == nil && p.DueDate == nil
}

// Validate rejects values no task may hold.
func (p TaskPatch) Validate(v Vocabulary) error {
	if p.Text != nil && strings.TrimSpace(*p.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrValidation)
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, *p.Status)
	}
	if p.DueDate != nil {
		if err := validateDueDate(*p.DueDate); err != nil {
			return err
		}
	}
	var category, priority string
	if p.Category != nil {
		category = *p.Category
	}
	if p.Priority != nil {
		priority = *p.Priority
	}
	return v.check(category, priority)
}

// Apply merges the set fields into t. ID and CreatedAt are never touched.
func (p TaskPatch) Apply(t Task) Task {
	if p.Text != nil {
		t.Text = strings.TrimSpace(*p.Text)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	return t
}

func validateDueDate(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return fmt.Errorf("%w: due date %q is not YYYY-MM-DD", ErrValidation, s)
	}
	return nil
}

// Vocabulary holds the caller-defined categories and priorities.
// An empty list accepts any value.
type Vocabulary struct {
	Categories []string
	Priorities []string
}

func (v Vocabulary) check(category, priority string) error {
	if category != "" && !contains(v.Categories, category) {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, category)
	}
	if priority != "" && !contains(v.Priorities, priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, priority)
	}
	return nil
}

func contains(set []string, s string) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
