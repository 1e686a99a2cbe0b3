package scheduler

import (
	"fmt"
	"time"

	"relaybot/internal/apperr"
)

var (
	ErrInvalidSchedule = fmt.Errorf("%w: invalid schedule", apperr.ErrValidation)
	ErrInvalidJob      = fmt.Errorf("%w: invalid job", apperr.ErrValidation)
	ErrNotFound        = fmt.Errorf("%w: scheduled job", apperr.ErrNotFound)
)

type TriggerKind string

const (
	TriggerRecurring TriggerKind = "recurring"
	TriggerOneShot   TriggerKind = "oneshot"
)

// Trigger is either a cron expression or a single fire time.
type Trigger struct {
	Kind   TriggerKind `json:"kind"`
	Cron   string      `json:"cron,omitempty"`
	FireAt time.Time   `json:"fire_at,omitempty"`
}

func (t Trigger) OneShot() bool { return t.Kind == TriggerOneShot }

type Job struct {
	ID          string    `json:"id"`
	Recipient   string    `json:"recipient,omitempty"`
	ChannelID   string    `json:"channel_id,omitempty"`
	Message     string    `json:"message"`
	Trigger     Trigger   `json:"trigger"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	Executed    bool      `json:"executed"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateInput carries user-supplied fields. Schedule is a cron expression for
// recurring jobs; ScheduleDate is the fire time of a one-shot job.
type CreateInput struct {
	Recipient    string `json:"recipient"`
	ChannelID    string `json:"channel_id"`
	Message      string `json:"message"`
	Schedule     string `json:"schedule"`
	ScheduleDate string `json:"schedule_date"`
	Description  string `json:"description"`
	OneTime      bool   `json:"one_time"`
}

// Patch replaces only the non-nil fields. Schedule turns the job recurring,
// ScheduleDate turns it one-shot.
type Patch struct {
	Recipient    *string `json:"recipient,omitempty"`
	ChannelID    *string `json:"channel_id,omitempty"`
	Message      *string `json:"message,omitempty"`
	Schedule     *string `json:"schedule,omitempty"`
	ScheduleDate *string `json:"schedule_date,omitempty"`
	Description  *string `json:"description,omitempty"`
	Active       *bool   `json:"active,omitempty"`
}

type Filter struct {
	Active    *bool
	OneTime   *bool
	Executed  *bool
	Recipient string
}

// ActiveJob is a registered job with its next fire time.
type ActiveJob struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Kind        string    `json:"kind"`
	Next        time.Time `json:"next"`
}

// FireEvent is the payload of eventbus.TypeJobFired.
type FireEvent struct {
	JobID    string `json:"job_id"`
	OK       bool   `json:"ok"`
	Attempts int    `json:"attempts"`
	Terminal bool   `json:"terminal,omitempty"`
	Error    string `json:"error,omitempty"`
}

type NormalizeReport struct {
	Scanned int      `json:"scanned"`
	Updated int      `json:"updated"`
	Invalid []string `json:"invalid,omitempty"`
}

// Ptr is a helper for building Patch and Filter literals.
func Ptr[T any](v T) *T { return &v }
