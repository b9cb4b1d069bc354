package task

import (
	"time"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Task is the canonical task row. Recurrence is expressed by RecurringRule
// ("daily", "weekly", "monthly", "yearly"); a completed recurring task
// spawns a successor whose ParentTaskID points at the root of the series.
type Task struct {
	ID               string     `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	Title            string     `json:"title" db:"title"`
	Description      string     `json:"description" db:"description"`
	Completed        bool       `json:"completed" db:"completed"`
	Status           string     `json:"status" db:"status"`
	Priority         string     `json:"priority" db:"priority"`
	Category         string     `json:"category" db:"category"`
	DueDate          *time.Time `json:"due_date" db:"due_date"`
	ReminderAt       *time.Time `json:"reminder_at" db:"reminder_at"`
	ReminderSent     bool       `json:"reminder_sent" db:"reminder_sent"`
	RecurringRule    *string    `json:"recurring_rule" db:"recurring_rule"`
	RecurringEndDate *time.Time `json:"recurring_end_date" db:"recurring_end_date"`
	ParentTaskID     *string    `json:"parent_task_id" db:"parent_task_id"`
	Tags             []string   `json:"tags" db:"tags"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// SeriesRoot returns the ID that successor instances should record as
// their parent: the task's own parent when it is itself a successor, so a
// long-running series keeps a single lineage root.
func (t *Task) SeriesRoot() string {
	if t.ParentTaskID != nil && *t.ParentTaskID != "" {
		return *t.ParentTaskID
	}
	return t.ID
}

// IsRecurring reports whether the task carries a recurrence rule.
func (t *Task) IsRecurring() bool {
	return t.RecurringRule != nil && *t.RecurringRule != ""
}
