package presence

import (
	"log/slog"
	"net/http"

	"github.com/healthkiosk/telehealth-signaling/internal/httpserver"
)

// RegisterRoutes adds GET /api/presence/{userId}, which reports
// {"userId", "online"}.
func RegisterRoutes(mux *http.ServeMux, t Tracker, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	mux.HandleFunc("GET /api/presence/{userId}", func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("userId")
		online, err := t.IsOnline(r.Context(), userID)
		if err != nil {
			logger.Warn("presence lookup failed", "participant_id", userID, "err", err)
			httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "presence unavailable"})
			return
		}
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"userId": userID, "online": online})
	})
}
