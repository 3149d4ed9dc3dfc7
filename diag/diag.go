package diag

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// NewServeMux returns an *http.ServeMux that serves a read-only JSON view of the session
// at /api/.
//
//	GET /api/state            session status and latest snapshot
//	GET /api/actions          action history, ?status=pending&after=<token>&count=25
//	GET /api/actions/{token}  a single action
func NewServeMux(source Source) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		// Only support GET requests
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		relativeURL := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/"), "/")
		segments := strings.Split(relativeURL, "/")

		switch {
		// /api/ and /api/state
		case relativeURL == "" || relativeURL == "state":
			writeJSON(w, newSessionInfo(source.Read()))

		// /api/actions
		case relativeURL == "actions":
			query := r.URL.Query()

			count := 25
			if countStr := query.Get("count"); countStr != "" {
				var err error
				count, err = strconv.Atoi(countStr)
				if err != nil || count < 1 {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
			}

			actions, err := listActions(source.Read(), query.Get("status"), query.Get("after"), count)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			writeJSON(w, actions)

		// /api/actions/{token}
		case len(segments) == 2 && segments[0] == "actions":
			a, ok := source.Read().Action(segments[1])
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}

			writeJSON(w, newAction(a))

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
}
