package store

import (
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// TaskRepo defines the interface for scheduled task persistence.
type TaskRepo interface {
	// EnqueueTasks stores tasks. Tasks without an ID get one; IDs already pending are skipped.
	EnqueueTasks(tasks []models.ScheduledTask) error

	// ClaimDueTasks removes every task with RunAt <= now and returns it.
	// A task is returned by at most one claim.
	ClaimDueTasks(now time.Time) ([]models.ScheduledTask, error)

	// ListTasks returns pending tasks ordered by RunAt.
	ListTasks() ([]models.ScheduledTask, error)
}
