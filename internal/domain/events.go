package domain

import "time"

// EventKind classifies an outbound notification.
type EventKind string

const (
	EventWalletUpdated    EventKind = "wallet.updated"
	EventMilestoneReached EventKind = "milestone.reached"
)

// Event is the envelope delivered to notification sinks (live feed, Redis,
// Kafka). Exactly one of Wallet or Milestone is set, matching Kind.
type Event struct {
	ID          string          `json:"id"`
	Kind        EventKind       `json:"kind"`
	StudentID   string          `json:"student_id"`
	ClassroomID string          `json:"classroom_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Wallet      *WalletUpdate   `json:"wallet,omitempty"`
	Milestone   *MilestoneEvent `json:"milestone,omitempty"`
}

// Key returns the wallet the event concerns.
func (e Event) Key() WalletKey {
	return WalletKey{StudentID: e.StudentID, ClassroomID: e.ClassroomID}
}

// WalletUpdate carries the authoritative wallet after a committed
// transaction. Clients replace any optimistic local state with it.
type WalletUpdate struct {
	Transaction Transaction `json:"transaction"`
	Wallet      Wallet      `json:"wallet"`
}

// NewWalletEvent wraps a committed transaction and its resulting wallet.
func NewWalletEvent(tx Transaction, w Wallet) Event {
	return Event{
		ID:          NewEventID(tx.Timestamp),
		Kind:        EventWalletUpdated,
		StudentID:   w.StudentID,
		ClassroomID: w.ClassroomID,
		OccurredAt:  tx.Timestamp,
		Wallet:      &WalletUpdate{Transaction: tx, Wallet: w},
	}
}

// NewMilestoneNotification wraps a milestone event.
func NewMilestoneNotification(ev MilestoneEvent) Event {
	return Event{
		ID:          ev.ID,
		Kind:        EventMilestoneReached,
		StudentID:   ev.StudentID,
		ClassroomID: ev.ClassroomID,
		OccurredAt:  ev.OccurredAt,
		Milestone:   &ev,
	}
}
