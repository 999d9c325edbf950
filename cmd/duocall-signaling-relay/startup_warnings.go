package main

import (
	"log/slog"
	"time"

	"github.com/duocall/signaling-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: ALLOWED_ORIGINS is empty while --mode=prod (cross-origin browsers are rejected, non-browser clients are not)",
			"warning_code", "allowed_origins_empty_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.TURNREST.Enabled() && !hasStaticTURN(cfg) {
		logger.Warn("startup security warning: no TURN server configured while --mode=prod (calls fail behind symmetric NAT)",
			"warning_code", "no_turn_in_prod",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}

	// Warn if inbound hardening is unusually loose, since every frame a client
	// sends is parsed and relayed.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.SweepInterval > 5*time.Minute {
		logger.Warn("startup security warning: SWEEP_INTERVAL is very large (dead connections hold rooms open for up to two intervals)",
			"warning_code", "sweep_interval_large",
			"sweep_interval", cfg.SweepInterval,
			"mode", cfg.Mode,
		)
	}
}

func hasStaticTURN(cfg config.Config) bool {
	for _, server := range cfg.ICEServers {
		if config.HasTURNURL(server) {
			return true
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
