package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/kass/go-geo-points/pkg/auth"
	"github.com/kass/go-geo-points/pkg/models"
)

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var payload messagePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := h.store.CreateMessage(r.Context(), userID, models.MessageInput{PointID: payload.PointID, Text: payload.Text})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.withPoints(r.Context(), []models.Message{m})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(resp) == 0 {
		// The point was deleted between the insert and the lookup.
		h.writeError(w, r, notFound("point", "deleted"))
		return
	}
	writeJSON(w, http.StatusCreated, resp[0])
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	messages, err := h.store.ListMessagesByAuthor(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.withPoints(r.Context(), messages)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "message")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := h.store.GetOwnedMessage(r.Context(), id, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.withPoints(r.Context(), []models.Message{m})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(resp) == 0 {
		h.writeError(w, r, notFound("message", strconv.FormatInt(id, 10)))
		return
	}
	writeJSON(w, http.StatusOK, resp[0])
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "message")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.store.DeleteMessage(r.Context(), id, userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) searchMessages(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.ParseSearchParams(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.engine.SearchMessages(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(r, page, newMessageHitResponse))
}

// withPoints renders messages with their point summaries, dropping messages
// whose point no longer exists.
func (h *Handler) withPoints(ctx context.Context, messages []models.Message) ([]messageResponse, error) {
	ids := make([]int64, 0, len(messages))
	seen := make(map[int64]bool, len(messages))
	for _, m := range messages {
		if !seen[m.PointID] {
			seen[m.PointID] = true
			ids = append(ids, m.PointID)
		}
	}

	points, err := h.store.PointsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	summaries := make(map[int64]models.PointSummary, len(points))
	for _, p := range points {
		summaries[p.ID] = p.Summary()
	}

	resp := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		if s, ok := summaries[m.PointID]; ok {
			resp = append(resp, newMessageResponse(m, s))
		}
	}
	return resp, nil
}
