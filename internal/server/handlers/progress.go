package handlers

import (
	"context"
	"net/http"
	"time"

	apperrors "github.com/3leaps/ckptrun/internal/errors"
)

// ProgressSource reports the latest durable step.
type ProgressSource interface {
	DiscoverLatest(ctx context.Context) (int, error)
}

// ProgressResponse is the body of GET /v1/progress.
type ProgressResponse struct {
	ResumeStep int       `json:"resume_step"`
	TotalSteps int       `json:"total_steps"`
	Complete   bool      `json:"complete"`
	Location   string    `json:"location,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// ProgressHandler serves checkpoint progress. Every request performs a
// fresh discovery; nothing is cached.
type ProgressHandler struct {
	Source     ProgressSource
	TotalSteps int
	Location   string
}

func (h *ProgressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	step, err := h.Source.DiscoverLatest(r.Context())
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProgressResponse{
		ResumeStep: step,
		TotalSteps: h.TotalSteps,
		Complete:   step >= h.TotalSteps,
		Location:   h.Location,
		CheckedAt:  time.Now().UTC(),
	})
}
