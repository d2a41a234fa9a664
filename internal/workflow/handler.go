package workflow

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/platform/errs"
)

// Handler exposes definitions, instances and approval tasks over HTTP.
// Route-level permission gates are applied by the server; stage-level
// authorization happens in the engine.
type Handler struct {
	engine      *Engine
	definitions *DefinitionStore
}

func NewHandler(engine *Engine, definitions *DefinitionStore) *Handler {
	return &Handler{engine: engine, definitions: definitions}
}

type definitionRequest struct {
	DefinitionSpec
	// Version is the version the client last read. Zero skips the check.
	Version int `json:"version,omitempty"`
}

func (h *Handler) HandleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req definitionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	def, err := h.definitions.Create(r.Context(), actor, req.DefinitionSpec)
	if err != nil {
		writeError(w, r, err, "definition creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (h *Handler) HandleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.definitions.List(r.Context(), r.URL.Query().Get("entity_type"))
	if err != nil {
		writeError(w, r, err, "listing definitions failed")
		return
	}
	if defs == nil {
		defs = []Definition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (h *Handler) HandleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.definitions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, "getting definition failed")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *Handler) HandleUpdateDefinition(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req definitionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	def, err := h.definitions.Update(r.Context(), actor, r.PathValue("id"), req.DefinitionSpec, req.Version)
	if err != nil {
		writeError(w, r, err, "definition update failed")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *Handler) HandleDeactivateDefinition(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	def, err := h.definitions.Deactivate(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, "definition deactivation failed")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Initiator = actor

	inst, err := h.engine.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err, "starting workflow failed")
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// HandleActiveInstance looks up the active instance of an entity.
func (h *Handler) HandleActiveInstance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entity := EntityRef{ID: q.Get("entity_id"), Type: q.Get("entity_type")}
	if entity.ID == "" || entity.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "entity_id and entity_type are required"})
		return
	}
	inst, err := h.engine.ActiveFor(r.Context(), entity)
	if err != nil {
		writeError(w, r, err, "finding active instance failed")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, "getting instance failed")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req struct {
		StageIndex *int   `json:"stage_index"`
		Decision   string `json:"decision"`
		Comment    string `json:"comment"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StageIndex == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stage_index is required"})
		return
	}

	inst, err := h.engine.Decide(r.Context(), DecideRequest{
		InstanceID: r.PathValue("id"),
		StageIndex: *req.StageIndex,
		Actor:      actor,
		Decision:   Verdict(req.Decision),
		Comment:    req.Comment,
	})
	if err != nil {
		writeError(w, r, err, "recording decision failed")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	inst, err := h.engine.Cancel(r.Context(), r.PathValue("id"), actor, req.Reason)
	if err != nil {
		writeError(w, r, err, "cancelling workflow failed")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.engine.ListForInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, "listing approvals failed")
		return
	}
	if tasks == nil {
		tasks = []Approval{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, "listing history failed")
		return
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleListPending returns the caller's own decidable tasks. An optional
// limit query parameter caps the result.
func (h *Handler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	tasks, err := h.engine.ListPending(r.Context(), actor)
	if err != nil {
		writeError(w, r, err, "listing pending approvals failed")
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(tasks) {
			tasks = tasks[:limit]
		}
	}
	if tasks == nil {
		tasks = []Approval{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) HandleReassign(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID   string `json:"user_id"`
		UserType string `json:"user_type"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	userType, err := auth.ParseUserType(req.UserType)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	task, err := h.engine.Reassign(r.Context(), r.PathValue("id"), actor, auth.Actor{ID: req.UserID, Type: userType})
	if err != nil {
		writeError(w, r, err, "reassigning approval failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func requireActor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.GetActor(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}
	return actor, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := errs.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), fallback, "error", err)
		writeJSON(w, status, map[string]string{"error": fallback})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": errs.Kind(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
