package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tovutilabs/nexus-cards/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"addr":         s.Cfg.Addr,
			"authMode":     s.Cfg.Auth.Mode,
			"rateRPS":      s.Cfg.RateLimit.RPS,
			"rateBurst":    s.Cfg.RateLimit.Burst,
			"pollInterval": s.Cfg.Webhooks.PollInterval.String(),
			"hasDatabase":  s.Cfg.Database.URL != "",
			"hasRedis":     s.Cfg.Redis.URL != "",
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}
