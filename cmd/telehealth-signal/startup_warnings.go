package main

import (
	"log/slog"
	"time"

	"github.com/healthkiosk/telehealth-signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication; participants choose their own ids",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.Redis.Enabled() {
		logger.Warn("startup warning: REDIS_ADDR is unset while --mode=prod; presence and consultations are lost on restart",
			"warning_code", "redis_unset_in_prod",
			"consultation_store", cfg.ConsultationStore,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (SDP blobs are a few KiB)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.SignalingAuthTimeout > time.Minute {
		logger.Warn("startup security warning: SIGNALING_AUTH_TIMEOUT is very large (unauthenticated sockets are held open)",
			"warning_code", "signaling_auth_timeout_large",
			"signaling_auth_timeout", cfg.SignalingAuthTimeout,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
