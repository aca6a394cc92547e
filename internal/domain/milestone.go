package domain

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ─── Milestones ─────────────────────────────────────────────────────────────
// A milestone fires once per student when a wallet metric crosses its
// threshold. Firing can carry a bonus award.

// MilestoneMetric names the wallet value a milestone watches.
type MilestoneMetric string

const (
	MetricTotalEarned    MilestoneMetric = "total_earned"
	MetricTotalSpent     MilestoneMetric = "total_spent"
	MetricCurrentBalance MilestoneMetric = "current_balance"
)

// Valid reports whether m is a known metric.
func (m MilestoneMetric) Valid() bool {
	switch m {
	case MetricTotalEarned, MetricTotalSpent, MetricCurrentBalance:
		return true
	}
	return false
}

// Milestone is a threshold definition scoped to a classroom, optionally
// narrowed to one student.
type Milestone struct {
	ID          string          `json:"id"`
	ClassroomID string          `json:"classroom_id"`
	StudentID   string          `json:"student_id,omitempty"` // empty = every student
	Metric      MilestoneMetric `json:"metric"`
	Threshold   int64           `json:"threshold"`
	Title       string          `json:"title"`
	Bonus       int64           `json:"bonus,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitzero"`
}

// Validate checks a milestone definition.
func (m Milestone) Validate() error {
	if strings.TrimSpace(m.ClassroomID) == "" {
		return &ValidationError{Field: "classroom_id", Reason: "is required"}
	}
	if !m.Metric.Valid() {
		return &ValidationError{Field: "metric", Reason: "unknown metric " + string(m.Metric)}
	}
	if m.Threshold <= 0 {
		return &ValidationError{Field: "threshold", Reason: "must be positive"}
	}
	if m.Bonus < 0 {
		return &ValidationError{Field: "bonus", Reason: "must not be negative"}
	}
	if strings.TrimSpace(m.Title) == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	return nil
}

// AppliesTo reports whether the milestone targets the given wallet.
func (m Milestone) AppliesTo(key WalletKey) bool {
	if m.ClassroomID != key.ClassroomID {
		return false
	}
	return m.StudentID == "" || m.StudentID == key.StudentID
}

// Crossed reports whether the metric moved from below the threshold to at
// or above it between previous and current.
func (m Milestone) Crossed(previous, current Wallet) bool {
	return previous.Metric(m.Metric) < m.Threshold && m.Threshold <= current.Metric(m.Metric)
}

// MilestoneEvent is emitted exactly once per (student, milestone).
type MilestoneEvent struct {
	ID          string          `json:"id"`
	MilestoneID string          `json:"milestone_id"`
	StudentID   string          `json:"student_id"`
	ClassroomID string          `json:"classroom_id"`
	Metric      MilestoneMetric `json:"metric"`
	Threshold   int64           `json:"threshold"`
	Value       int64           `json:"value"`
	Title       string          `json:"title"`
	Bonus       int64           `json:"bonus,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// NewMilestoneEvent builds the event for m being crossed by wallet.
func NewMilestoneEvent(m Milestone, wallet Wallet, at time.Time) MilestoneEvent {
	return MilestoneEvent{
		ID:          NewEventID(at),
		MilestoneID: m.ID,
		StudentID:   wallet.StudentID,
		ClassroomID: wallet.ClassroomID,
		Metric:      m.Metric,
		Threshold:   m.Threshold,
		Value:       wallet.Metric(m.Metric),
		Title:       m.Title,
		Bonus:       m.Bonus,
		OccurredAt:  at,
	}
}

// NewEventID returns a time-sortable unique event identifier.
func NewEventID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), rand.Reader).String()
}
