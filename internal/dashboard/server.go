// Package dashboard serves read-only JSON views of persisted inspections.
// There is no write path; ingestion happens only through the pipeline.
package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
	"github.com/joelkehle/inspection-bridge/internal/store"
)

type Server struct {
	store *store.Store
}

func NewServer(st *store.Store) http.Handler {
	s := &Server{store: st}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/inspections", s.handleListInspections)
	mux.HandleFunc("/v1/inspections/", s.handleInspectionDetail)
	mux.HandleFunc("/v1/summary", s.handleSummary)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": map[string]any{"message": message},
	})
}

func parseInt(value string, def int) int {
	if strings.TrimSpace(value) == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return v
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleListInspections(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	filter := store.ListFilter{
		Classification: strings.TrimSpace(q.Get("classification")),
		Status:         strings.TrimSpace(q.Get("status")),
		Limit:          parseInt(q.Get("limit"), 50),
		Offset:         parseInt(q.Get("offset"), 0),
	}
	records, total, err := s.store.ListInspections(r.Context(), filter)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if records == nil {
		records = []inspection.Record{}
	}
	writeJSON(w, 200, map[string]any{
		"inspections": records,
		"total":       total,
		"limit":       filter.Limit,
		"offset":      filter.Offset,
	})
}

func (s *Server) handleInspectionDetail(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/inspections/"), "/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rec, found, err := s.store.GetInspection(r.Context(), id)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if !found {
		writeError(w, 404, "inspection not found")
		return
	}
	observations, err := s.store.ListObservations(r.Context(), id)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if observations == nil {
		observations = []inspection.Observation{}
	}
	writeJSON(w, 200, map[string]any{
		"inspection":   rec,
		"observations": observations,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	summary, err := s.store.Summary(r.Context())
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, summary)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}
