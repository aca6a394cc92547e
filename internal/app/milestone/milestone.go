// Package milestone manages milestone definitions and evaluates wallets
// against them after every committed transaction.
//
// Evaluation is idempotent: a milestone fires at most once per student,
// enforced by the store's notified state rather than by in-memory flags,
// so restarts and repeated evaluations cannot re-fire it.
package milestone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bizcoin/bizcoin/internal/domain"
	"github.com/bizcoin/bizcoin/internal/infra/observability"
)

// Service creates, lists and evaluates milestones.
type Service struct {
	store domain.MilestoneStore
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a milestone service.
func NewService(store domain.MilestoneStore, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log.Named("milestone"), now: time.Now}
}

// CreateRequest describes a new milestone.
type CreateRequest struct {
	ClassroomID string                 `json:"classroom_id"`
	StudentID   string                 `json:"student_id,omitempty"`
	Metric      domain.MilestoneMetric `json:"metric"`
	Threshold   int64                  `json:"threshold"`
	Title       string                 `json:"title"`
	Bonus       int64                  `json:"bonus,omitempty"`
}

// Create validates and stores a milestone, assigning its ID.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.Milestone, error) {
	m := domain.Milestone{
		ID:          uuid.NewString(),
		ClassroomID: strings.TrimSpace(req.ClassroomID),
		StudentID:   strings.TrimSpace(req.StudentID),
		Metric:      req.Metric,
		Threshold:   req.Threshold,
		Title:       strings.TrimSpace(req.Title),
		Bonus:       req.Bonus,
		CreatedAt:   s.now().UTC(),
	}
	if err := m.Validate(); err != nil {
		return domain.Milestone{}, err
	}
	if err := s.store.CreateMilestone(ctx, m); err != nil {
		return domain.Milestone{}, fmt.Errorf("create milestone: %w", err)
	}
	s.log.Info("milestone created",
		zap.String("milestone_id", m.ID),
		zap.String("classroom_id", m.ClassroomID),
		zap.String("metric", string(m.Metric)),
		zap.Int64("threshold", m.Threshold))
	return m, nil
}

// List returns the classroom's milestones.
func (s *Service) List(ctx context.Context, classroomID string) ([]domain.Milestone, error) {
	if strings.TrimSpace(classroomID) == "" {
		return nil, &domain.ValidationError{Field: "classroom_id", Reason: "is required"}
	}
	return s.store.ListMilestones(ctx, classroomID)
}

// Get returns one milestone.
func (s *Service) Get(ctx context.Context, id string) (*domain.Milestone, error) {
	return s.store.GetMilestone(ctx, id)
}

// Delete removes a milestone definition.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteMilestone(ctx, id)
}

// Evaluate compares wallet against previous for every milestone of the
// wallet's classroom and returns one event per threshold crossed for the
// first time. A milestone whose notified state cannot be recorded is
// skipped and reported in the joined error; the others still fire.
//
// Milestones with a bonus are returned without being marked: the caller
// marks them in the storage transaction that pays the bonus, so a mark
// never exists without its bonus.
func (s *Service) Evaluate(ctx context.Context, wallet, previous domain.Wallet) ([]domain.MilestoneEvent, error) {
	key := wallet.Key()
	milestones, err := s.store.ListMilestones(ctx, key.ClassroomID)
	if err != nil {
		observability.MilestoneErrors.Inc()
		return nil, fmt.Errorf("list milestones: %w", err)
	}

	var (
		events []domain.MilestoneEvent
		errs   []error
	)
	for _, m := range milestones {
		if !m.AppliesTo(key) || !m.Crossed(previous, wallet) {
			continue
		}
		ev := domain.NewMilestoneEvent(m, wallet, s.now().UTC())
		if m.Bonus > 0 {
			events = append(events, ev)
			continue
		}
		first, err := s.store.MarkNotified(ctx, key, m.ID)
		if err != nil {
			observability.MilestoneErrors.Inc()
			errs = append(errs, fmt.Errorf("mark milestone %s: %w", m.ID, err))
			continue
		}
		if !first {
			continue
		}
		events = append(events, ev)
		s.reached(ev)
	}
	return events, errors.Join(errs...)
}

func (s *Service) reached(ev domain.MilestoneEvent) {
	observability.MilestonesReached.WithLabelValues(string(ev.Metric)).Inc()
	s.log.Info("milestone reached",
		zap.String("milestone_id", ev.MilestoneID),
		zap.String("student_id", ev.StudentID),
		zap.String("classroom_id", ev.ClassroomID),
		zap.Int64("value", ev.Value))
}
