package models

import (
	"math"
	"time"
)

// Counts are the aggregate figures shown next to the board.
type Counts struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Completed  int `json:"completed"`
	Todo       int `json:"todo"`
	InProgress int `json:"inProgress"`
	Done       int `json:"done"`
	Percent    int `json:"percent"`
	Overdue    int `json:"overdue"`
}

// CountTasks aggregates tasks as of now.
func CountTasks(tasks []Task, now time.Time) Counts {
	var c Counts
	for _, t := range tasks {
		c.Total++
		if t.Overdue(now) {
			c.Overdue++
		}
		switch t.Status {
		case StatusTodo:
			c.Todo++
		case StatusInProgress:
			c.InProgress++
		case StatusDone:
			c.Done++
		}
	}
	c.Completed = c.Done
	c.Active = c.Total - c.Done
	if c.Total > 0 {
		c.Percent = int(math.Round(float64(c.Completed) / float64(c.Total) * 100))
	}
	return c
}
