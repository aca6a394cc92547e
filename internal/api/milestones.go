package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bizcoin/bizcoin/internal/app/milestone"
	"github.com/bizcoin/bizcoin/internal/domain"
)

// ─── Milestone API ──────────────────────────────────────────────────────────
// GET    /api/classrooms/{classroomID}/milestones
// POST   /api/classrooms/{classroomID}/milestones
// GET    /api/milestones/{milestoneID}
// DELETE /api/milestones/{milestoneID}

type milestoneBody struct {
	StudentID string                 `json:"student_id"`
	Metric    domain.MilestoneMetric `json:"metric"`
	Threshold int64                  `json:"threshold"`
	Title     string                 `json:"title"`
	Bonus     int64                  `json:"bonus"`
}

func (s *Server) handleListMilestones(w http.ResponseWriter, r *http.Request) {
	list, err := s.milestones.List(r.Context(), chi.URLParam(r, "classroomID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []domain.Milestone{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"milestones": list,
		"count":      len(list),
	})
}

func (s *Server) handleCreateMilestone(w http.ResponseWriter, r *http.Request) {
	var body milestoneBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeDomainError(w, err)
		return
	}
	m, err := s.milestones.Create(r.Context(), milestone.CreateRequest{
		ClassroomID: chi.URLParam(r, "classroomID"),
		StudentID:   body.StudentID,
		Metric:      body.Metric,
		Threshold:   body.Threshold,
		Title:       body.Title,
		Bonus:       body.Bonus,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMilestone(w http.ResponseWriter, r *http.Request) {
	m, err := s.milestones.Get(r.Context(), chi.URLParam(r, "milestoneID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMilestone(w http.ResponseWriter, r *http.Request) {
	if err := s.milestones.Delete(r.Context(), chi.URLParam(r, "milestoneID")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
