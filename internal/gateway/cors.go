package gateway

import "net/http"

// withCORS wraps a handler with the collector's CORS policy. The SDK
// posts cross-origin from browser agents; credentials are never allowed
// because auth rides in the X-API-Key header.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Content-Encoding")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// originAllowed checks an Origin header against the configured whitelist.
// No configured origins means allow all (dev mode).
func (s *Server) originAllowed(origin string) bool {
	allowed := s.cfg.AllowedOrigins()
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	return false
}
