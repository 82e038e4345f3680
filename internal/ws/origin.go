package ws

import (
	"net/http"
	"strings"
)

// NewOriginChecker returns a CheckOrigin func for a websocket.Upgrader that
// accepts requests whose Origin header matches one of origins. A "*" entry
// accepts every origin.
func NewOriginChecker(origins []string) func(r *http.Request) bool {
	allowed := make([]string, 0, len(origins))
	allowAll := false
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			allowAll = true
		default:
			allowed = append(allowed, o)
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			// No Origin header: same-origin request or non-browser client.
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}
