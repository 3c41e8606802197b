package middleware

import (
	"net/http"
	"strings"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID"
	corsExpose  = "X-Request-ID"
	corsMaxAge  = "600"
)

// originSet is the parsed CORS_ALLOWED_ORIGINS value. A "*" entry matches
// every origin.
type originSet struct {
	any   bool
	exact map[string]bool
}

func parseOrigins(origins []string) originSet {
	set := originSet{exact: make(map[string]bool, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			set.any = true
		default:
			set.exact[o] = true
		}
	}
	return set
}

func (s originSet) allows(origin string) bool {
	return origin != "" && (s.any || s.exact[origin])
}

// CORS lets browser dashboards on the listed origins read the scheduling API.
// Preflights from an unlisted origin get 403 and never reach the router.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	set := parseOrigins(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			preflight := r.Method == http.MethodOptions && origin != "" &&
				r.Header.Get("Access-Control-Request-Method") != ""

			if !set.allows(origin) {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if preflight {
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.Set("Access-Control-Expose-Headers", corsExpose)
			next.ServeHTTP(w, r)
		})
	}
}
