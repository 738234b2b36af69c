package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/healthkiosk/telehealth-signaling/internal/auth"
	"github.com/healthkiosk/telehealth-signaling/internal/httpserver"
)

const maxRequestBody = 4 << 10

// Handler exposes the consultation REST API:
//
//   - POST /api/consultations                 {doctorId}
//   - GET  /api/consultations/requests        pending requests for the calling doctor
//   - GET  /api/consultations/{id}
//   - POST /api/consultations/{id}/{action}   accept, reject, cancel or complete
type Handler struct {
	svc   *Service
	authn auth.RequestAuthenticator
	log   *slog.Logger
}

func NewHandler(svc *Service, authn auth.RequestAuthenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, authn: authn, log: logger}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/consultations", h.authenticated(h.handleRequest))
	mux.HandleFunc("GET /api/consultations/requests", h.authenticated(h.handlePending))
	mux.HandleFunc("GET /api/consultations/{id}", h.authenticated(h.handleGet))
	mux.HandleFunc("POST /api/consultations/{id}/{action}", h.authenticated(h.handleAction))
}

type identityHandler func(w http.ResponseWriter, r *http.Request, id auth.Identity)

func (h *Handler) authenticated(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := h.authn(r)
		if err != nil {
			if auth.IsUnauthorized(err) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			h.log.Error("request authentication failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next(w, r, id)
	}
}

type requestBody struct {
	DoctorID string `json:"doctorId"`
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var body requestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	c, err := h.svc.Request(r.Context(), id, body.DoctorID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, map[string]any{"consultation": c})
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	cs, err := h.svc.Pending(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"consultations": cs})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	c, err := h.svc.Get(r.Context(), id, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"consultation": c})
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var op func(context.Context, auth.Identity, string) (Consultation, error)
	switch r.PathValue("action") {
	case "accept":
		op = h.svc.Accept
	case "reject":
		op = h.svc.Reject
	case "cancel":
		op = h.svc.Cancel
	case "complete":
		op = h.svc.Complete
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	c, err := op(r.Context(), id, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"consultation": c})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("consultation store error", "err", err)
		writeError(w, http.StatusServiceUnavailable, "consultation store unavailable")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	httpserver.WriteJSON(w, status, map[string]any{"error": msg})
}
