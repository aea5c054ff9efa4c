// Package journal exposes the dispatch journal over HTTP.
package journal

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kilianp07/lastmile/core/events"
	corejournal "github.com/kilianp07/lastmile/core/journal"
)

// NewHandler returns an HTTP handler exposing journal records via
// GET /api/journal. Requests must include an Authorization header with
// "Bearer <token>" when token is non-empty.
func NewHandler(store corejournal.Store, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if token != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		v := r.URL.Query()
		q := corejournal.Query{
			OrderID:  v.Get("order_id"),
			DriverID: v.Get("driver_id"),
			Kind:     events.Kind(v.Get("kind")),
		}
		if s := v.Get("start"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				http.Error(w, "start must be RFC3339", http.StatusBadRequest)
				return
			}
			q.Start = t
		}
		if s := v.Get("end"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				http.Error(w, "end must be RFC3339", http.StatusBadRequest)
				return
			}
			q.End = t
		}
		if s := v.Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				q.Limit = n
			}
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []corejournal.Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
