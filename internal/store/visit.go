package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrVisitNotFound is returned when no visit exists for an id
var ErrVisitNotFound = errors.New("visit not found")

// Status is the lifecycle state of a visit recording
type Status string

const (
	StatusNotStarted     Status = "NOT_STARTED"
	StatusRecording      Status = "RECORDING"
	StatusPaused         Status = "PAUSED"
	StatusGeneratingNote Status = "GENERATING_NOTE"
	StatusFinished       Status = "FINISHED"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusRecording, StatusPaused, StatusGeneratingNote, StatusFinished:
		return true
	}
	return false
}

// Visit is the subset of a visit record owned by the recording subsystem.
// RecordingDuration keeps full precision; it is exposed as whole seconds.
type Visit struct {
	ID                  string        `json:"visit_id"`
	UserID              string        `json:"user_id,omitempty"`
	TemplateID          string        `json:"template_id,omitempty"`
	AdditionalContext   string        `json:"additional_context,omitempty"`
	Status              Status        `json:"status"`
	Transcript          string        `json:"transcript"`
	RecordingStartedAt  *time.Time    `json:"recording_started_at,omitempty"`
	RecordingDuration   time.Duration `json:"-"`
	RecordingFinishedAt *time.Time    `json:"recording_finished_at,omitempty"`
	Note                string        `json:"note,omitempty"`
	ModifiedAt          time.Time     `json:"modified_at"`
}

// MarshalJSON encodes recording_duration as a decimal string of whole seconds
func (v Visit) MarshalJSON() ([]byte, error) {
	type visitJSON Visit
	return json.Marshal(struct {
		visitJSON
		RecordingDuration string `json:"recording_duration"`
	}{visitJSON(v), FormatDuration(v.RecordingDuration)})
}

// FormatDuration renders a recording duration as whole seconds, e.g. "40".
// Partial seconds are truncated and negative values clamp to "0".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatInt(int64(d/time.Second), 10)
}

// Clone returns a deep copy of the visit
func (v *Visit) Clone() *Visit {
	if v == nil {
		return nil
	}
	c := *v
	if v.RecordingStartedAt != nil {
		t := *v.RecordingStartedAt
		c.RecordingStartedAt = &t
	}
	if v.RecordingFinishedAt != nil {
		t := *v.RecordingFinishedAt
		c.RecordingFinishedAt = &t
	}
	return &c
}

// VisitUpdate is a partial update; nil fields are left untouched
type VisitUpdate struct {
	Status              *Status
	Transcript          *string
	RecordingStartedAt  *time.Time
	RecordingDuration   *time.Duration
	RecordingFinishedAt *time.Time
	Note                *string
}

// Empty reports whether the update changes nothing
func (u VisitUpdate) Empty() bool {
	return u.Status == nil && u.Transcript == nil && u.RecordingStartedAt == nil &&
		u.RecordingDuration == nil && u.RecordingFinishedAt == nil && u.Note == nil
}

// Apply writes the set fields of u onto v
func (u VisitUpdate) Apply(v *Visit) {
	if u.Status != nil {
		v.Status = *u.Status
	}
	if u.Transcript != nil {
		v.Transcript = *u.Transcript
	}
	if u.RecordingStartedAt != nil {
		t := *u.RecordingStartedAt
		v.RecordingStartedAt = &t
	}
	if u.RecordingDuration != nil {
		v.RecordingDuration = *u.RecordingDuration
	}
	if u.RecordingFinishedAt != nil {
		t := *u.RecordingFinishedAt
		v.RecordingFinishedAt = &t
	}
	if u.Note != nil {
		v.Note = *u.Note
	}
}

// VisitStore reads and partially updates visits. Updates are last-write-wins
// and stamp ModifiedAt; UpdateVisit returns the post-update document.
type VisitStore interface {
	GetVisit(ctx context.Context, id string) (*Visit, error)
	UpdateVisit(ctx context.Context, id string, update VisitUpdate) (*Visit, error)
}

// StatusPtr returns a pointer to s for use in a VisitUpdate
func StatusPtr(s Status) *Status { return &s }

// StringPtr returns a pointer to s for use in a VisitUpdate
func StringPtr(s string) *string { return &s }

// DurationPtr returns a pointer to d for use in a VisitUpdate
func DurationPtr(d time.Duration) *time.Duration { return &d }

// TimePtr returns a pointer to t for use in a VisitUpdate
func TimePtr(t time.Time) *time.Time { return &t }
