package api

import (
	"net/http"

	"github.com/kass/go-geo-points/pkg/auth"
	"github.com/kass/go-geo-points/pkg/models"
)

func (h *Handler) createPoint(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var payload pointPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	in := models.PointInput{Coordinate: payload.coordinate()}
	if payload.Name != nil {
		in.Name = *payload.Name
	}

	p, err := h.store.CreatePoint(r.Context(), userID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPointResponse(p))
}

func (h *Handler) listPoints(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	points, err := h.store.ListPointsByOwner(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]pointResponse, 0, len(points))
	for _, p := range points {
		resp = append(resp, newPointResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getPoint(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "point")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.store.GetOwnedPoint(r.Context(), id, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPointResponse(p))
}

func (h *Handler) updatePoint(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "point")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var payload pointPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.store.UpdatePoint(r.Context(), id, userID, models.PointPatch{
		Name:       payload.Name,
		Coordinate: payload.coordinate(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPointResponse(p))
}

func (h *Handler) deletePoint(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "point")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.store.DeletePoint(r.Context(), id, userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) searchPoints(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.ParseSearchParams(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.engine.SearchPoints(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(r, page, newPointHitResponse))
}
