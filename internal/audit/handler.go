package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/platform/database"
)

// Handler serves audit query endpoints.
type Handler struct {
	db    database.Querier
	store *Store
}

// NewHandler creates an audit query handler.
func NewHandler(db database.Querier, store *Store) *Handler {
	return &Handler{db: db, store: store}
}

// HandleListEvents returns audit events, newest first.
// GET /api/v1/audit/events?limit=50&action=role.created&resource_type=role&after=<RFC3339>
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r)
	if err != nil {
		writeAuditJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if h.db == nil {
		writeAuditJSON(w, http.StatusOK, map[string]any{"events": []any{}, "count": 0})
		return
	}

	records, err := h.store.List(r.Context(), h.db, params)
	if err != nil {
		writeAuditJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if records == nil {
		records = []Record{}
	}

	writeAuditJSON(w, http.StatusOK, map[string]any{"events": records, "count": len(records)})
}

func parseListParams(r *http.Request) (ListEventsParams, error) {
	q := r.URL.Query()
	p := ListEventsParams{Limit: 50}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			return p, errInvalidParam("limit")
		}
		p.Limit = n
	}
	for key, dst := range map[string]**string{
		"action":        &p.Action,
		"resource_type": &p.ResourceType,
		"resource_id":   &p.ResourceID,
		"actor_id":      &p.ActorID,
	} {
		if v := q.Get(key); v != "" {
			*dst = &v
		}
	}
	if raw := q.Get("actor_type"); raw != "" {
		ut, err := auth.ParseUserType(raw)
		if err != nil {
			return p, errInvalidParam("actor_type")
		}
		p.ActorType = &ut
	}
	for key, dst := range map[string]**time.Time{"after": &p.After, "before": &p.Before} {
		if raw := q.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return p, errInvalidParam(key)
			}
			*dst = &t
		}
	}
	return p, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string {
	return "invalid query parameter: " + string(e)
}

func writeAuditJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
