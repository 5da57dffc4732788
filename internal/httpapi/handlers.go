package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"castdeck/internal/domain"
)

// Wire shapes. Times travel as RFC 3339; the intake layer owns validation
// of everything except basic JSON well-formedness.

type draftBody struct {
	Content string `json:"content"`
}

type scheduleBody struct {
	Content       string `json:"content"`
	ScheduledTime string `json:"scheduledTime"`
}

type draftResponse struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type scheduledResponse struct {
	ID            string `json:"id"`
	DraftID       string `json:"draftId"`
	Content       string `json:"content,omitempty"`
	ScheduledTime string `json:"scheduledTime"`
	Status        string `json:"status"`
	AttemptCount  int    `json:"attemptCount"`
	LastError     string `json:"lastError,omitempty"`
}

type meResponse struct {
	FID         int64  `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func toDraftResponse(d domain.Draft) draftResponse {
	return draftResponse{
		ID:        d.ID,
		Content:   d.Content,
		Status:    string(d.Status),
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
		UpdatedAt: d.UpdatedAt.Format(time.RFC3339),
	}
}

func toScheduledResponse(sp domain.ScheduledPost, content string) scheduledResponse {
	return scheduledResponse{
		ID:            sp.ID,
		DraftID:       sp.DraftID,
		Content:       content,
		ScheduledTime: sp.ScheduledTime.Format(time.RFC3339),
		Status:        string(sp.Status),
		AttemptCount:  sp.AttemptCount,
		LastError:     sp.LastError,
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return domain.Validationf("invalid request body")
	}
	return nil
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	writeJSON(w, http.StatusOK, meResponse{
		FID:         u.FID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	})
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var body draftBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.intake.CreateDraft(r.Context(), userFrom(r.Context()).ID, body.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDraftResponse(d))
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	drafts, err := s.intake.ListDrafts(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]draftResponse, 0, len(drafts))
	for _, d := range drafts {
		out = append(out, toDraftResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	d, err := s.intake.GetDraft(r.Context(), userFrom(r.Context()).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftResponse(d))
}

func (s *Server) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	var body draftBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.intake.UpdateDraft(r.Context(), userFrom(r.Context()).ID, r.PathValue("id"), body.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftResponse(d))
}

func (s *Server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	if err := s.intake.DeleteDraft(r.Context(), userFrom(r.Context()).ID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateScheduled(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ScheduledTime == "" {
		writeError(w, domain.Validationf("scheduledTime is required"))
		return
	}
	at, err := time.Parse(time.RFC3339, body.ScheduledTime)
	if err != nil {
		writeError(w, domain.Validationf("scheduledTime must be RFC 3339"))
		return
	}

	d, sp, err := s.intake.CreateScheduled(r.Context(), userFrom(r.Context()).ID, body.Content, at)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduledResponse(sp, d.Content))
}

func (s *Server) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	posts, err := s.intake.ListScheduled(r.Context(), u.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]scheduledResponse, 0, len(posts))
	for _, sp := range posts {
		// The draft may be gone for cancelled entries; content is optional.
		content := ""
		if d, err := s.intake.GetDraft(r.Context(), u.ID, sp.DraftID); err == nil {
			content = d.Content
		}
		out = append(out, toScheduledResponse(sp, content))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	if err := s.intake.CancelScheduled(r.Context(), userFrom(r.Context()).ID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.intake.Stats(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
