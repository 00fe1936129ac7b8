package main

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Mode == config.ModeProd && slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' while --mode=prod (any web page can open signaling connections)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if !cfg.TURNREST.Enabled() {
		missing := lo.Filter(cfg.ICEServers, func(server webrtc.ICEServer, _ int) bool {
			return iceServerHasTURNURL(server) && !hasStaticCredentials(server)
		})
		if len(missing) > 0 {
			logger.Warn("startup security warning: TURN servers are configured without credentials and TURN_REST_SHARED_SECRET is unset",
				"warning_code", "turn_without_credentials",
				"turn_urls", lo.FlatMap(missing, func(server webrtc.ICEServer, _ int) []string { return server.URLs }),
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is 0 (inbound rate limit disabled)",
			"warning_code", "signaling_rate_limit_disabled",
			"mode", cfg.Mode,
		)
	}
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	return lo.SomeBy(server.URLs, func(raw string) bool {
		url := strings.ToLower(strings.TrimSpace(raw))
		return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
	})
}

func hasStaticCredentials(server webrtc.ICEServer) bool {
	cred, ok := server.Credential.(string)
	return strings.TrimSpace(server.Username) != "" && ok && strings.TrimSpace(cred) != ""
}
