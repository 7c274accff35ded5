package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"facilityops/api/internal/facility"
	"facilityops/api/internal/rbac"
	"facilityops/api/internal/workflow"
)

type workflowBody[C any] struct {
	Content   C                `json:"content"`
	MemberIDs []string         `json:"memberIds"`
	Version   workflow.Version `json:"version"`
	Comment   string           `json:"comment"`
}

// mountWorkflow registers the staged-edit routes of one kind under
// /{kind}s. extra mounts kind-specific routes inside /{kind}s/{id}.
func mountWorkflow[C any](s *HTTPServer, r chi.Router, engine *workflow.Engine[C], extra ...func(chi.Router)) {
	h := &workflowHandlers[C]{server: s, engine: engine}
	read := s.requireAction(rbac.ActionRead)
	write := s.requireAction(rbac.ActionWrite)

	r.Route("/"+facility.PathSegment(engine.Kind()), func(kr chi.Router) {
		kr.With(read).Get("/", h.list)
		kr.With(write).Post("/", h.create)

		kr.Route("/{id}", func(ir chi.Router) {
			ir.With(read).Get("/", h.get)
			ir.With(read).Get("/view", h.view)
			ir.With(read).Get("/edit-status", h.editStatus)
			ir.With(read).Get("/history", h.history)
			ir.With(read).Get("/history/{hash}", h.snapshot)
			ir.With(read).Get("/audit", h.audit)
			ir.With(write).Put("/", h.update)
			ir.With(write).Post("/cancel", h.cancel)
			ir.With(write).Delete("/", h.delete)
			ir.With(s.requireAction(rbac.ActionSubmit)).Post("/submit", h.submit)
			ir.With(s.requireAction(rbac.ActionApprove)).Post("/approve", h.approve)
			ir.With(s.requireAction(rbac.ActionApprove)).Post("/reject", h.reject)
			for _, mount := range extra {
				mount(ir)
			}
		})
	})
}

type workflowHandlers[C any] struct {
	server *HTTPServer
	engine *workflow.Engine[C]
}

func (h *workflowHandlers[C]) caller(r *http.Request) (Session, workflow.Key) {
	sess, _ := sessionFrom(r.Context())
	return sess, workflow.Key{Kind: h.engine.Kind(), TenantID: sess.TenantID, ID: chi.URLParam(r, "id")}
}

func (h *workflowHandlers[C]) decode(w http.ResponseWriter, r *http.Request) (workflowBody[C], bool) {
	var body workflowBody[C]
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return body, false
	}
	if body.Version == "" {
		body.Version = workflow.Version(r.URL.Query().Get("version"))
	}
	return body, true
}

func (h *workflowHandlers[C]) respondRecord(w http.ResponseWriter, r *http.Request, status int, rec workflow.Record[C], err error) {
	if err != nil {
		h.server.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, status, map[string]any{"record": rec})
}

func (h *workflowHandlers[C]) list(w http.ResponseWriter, r *http.Request) {
	sess, _ := h.caller(r)
	q := r.URL.Query()
	filter := workflow.ListFilter{Limit: queryInt(q.Get("limit")), Offset: queryInt(q.Get("offset"))}
	if raw := strings.TrimSpace(q.Get("state")); raw != "" {
		state, err := workflow.ParseState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_STATE", err.Error(), nil)
			return
		}
		filter.State = state
	}
	items, err := h.engine.List(r.Context(), sess.Actor(), filter)
	if err != nil {
		h.server.writeMappedError(w, r, err)
		return
	}
	if items == nil {
		items = []workflow.Listing[C]{}
	}
	if q.Get("active") == "true" {
		items = activeOnly(items, h.server.service.now())
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": items})
}

// windowed content is current only inside its own time window, like notices.
type windowed interface {
	ActiveAt(t time.Time) bool
}

// activeOnly drops listings whose content window excludes now. Kinds without
// a window are always active. It filters the requested page, so a page may
// come back short.
func activeOnly[C any](items []workflow.Listing[C], now time.Time) []workflow.Listing[C] {
	kept := items[:0]
	for _, item := range items {
		if w, ok := any(item.Content).(windowed); ok && !w.ActiveAt(now) {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

func (h *workflowHandlers[C]) create(w http.ResponseWriter, r *http.Request) {
	sess, _ := h.caller(r)
	body, ok := h.decode(w, r)
	if !ok {
		return
	}
	rec, err := h.engine.Create(r.Context(), sess.Actor(), body.Content, body.MemberIDs)
	h.respondRecord(w, r, http.StatusCreated, rec, err)
}

func (h *workflowHandlers[C]) get(w http.ResponseWriter, r *http.Request) {
	sess, key := h.caller(r)
	rec, err := h.engine.Get(r.Context(), sess.Actor(), key.ID)
	h.respondRecord(w, r, http.StatusOK, rec, err)
}

// view serves the reader-facing snapshot, from the view cache when possible.
func (h *workflowHandlers[C]) view(w http.ResponseWriter, r *http.Request) {
	sess, key := h.caller(r)
	cache := h.server.service.cache
	var (
		gen       int64
		cacheable bool
	)
	if cache != nil {
		if body, ok := cache.Get(r.Context(), key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}
		gen, cacheable = cache.Generation(r.Context(), key)
	}
	v, err := h.engine.View(r.Context(), sess.Actor(), key.ID)
	if err != nil {
		h.server.writeMappedError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]any{"view": v}); err != nil {
		h.server.writeMappedError(w, r, err)
		return
	}
	if cache != nil {
		if cacheable {
			cache.Set(r.Context(), key, gen, buf.Bytes())
		}
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *workflowHandlers[C]) editStatus(w http.ResponseWriter, r *http.Request) {
	sess, key := h.caller(r)
	check, err := h.engine.CheckEditStatus(r.Context(), sess.Actor(), key.ID, workflow.Version(r.URL.Query().Get("version")))
	if err != nil {
		h.server.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"editStatus": int(check.Status),
		"status":     check.Status.String(),
		"ownerName":  check.OwnerName,
		"version":    check.Version,
	})
}

func (h *workflowHandlers[C]) update(w http.ResponseWriter, r *http.Request) {
	sess, key := h.caller(r)
	body, ok := h.decode(w, r)
	if !ok {
		return
	}
	rec, err := h.engine.Update(r.Context(), sess.Actor(), key.ID, body.Content, body.MemberIDs, body.Version)
	h.respondRecord(w, r, http.StatusOK, rec, err)
}

// transition is the shape shared by cancel, submit, approve and reject.
func (h *workflowHandlers[C]) transition(w http.ResponseWriter, r *http.Request, run func(sess Session, id string, body workflowBody[C]) (workflow.Record[C], error)) {
	sess, key := h.caller(r)
	body, ok := h.decode(w, r)
	if !ok {
		return
	}
	rec, err := run(sess, key.ID, body)
	h.respondRecord(w, r, http.StatusOK, rec, err)
}

func (h *workflowHandlers[C]) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(sess Session, id string, body workflowBody[C]) (workflow.Record[C], error) {
		return h.engine.Cancel(r.Context(), sess.Actor(), id, body.Version)
	})
}

func (h *workflowHandlers[C]) submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(sess Session, id string, body workflowBody[C]) (workflow.Record[C], error) {
		return h.engine.SendRequest(r.Context(), sess.Actor(), id, body.Version)
	})
}

func (h *workflowHandlers[C]) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(sess Session, id string, body workflowBody[C]) (workflow.Record[C], error) {
		return h.engine.Approve(r.Context(), sess.Actor(), id, body.Comment, body.Version)
	})
}

func (h *workflowHandlers[C]) reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(sess Session, id string, body workflowBody[C]) (workflow.Record[C], error) {
		return h.engine.Reject(r.Context(), sess.Actor(), id, body.Comment, body.Version)
	})
}

func (h *workflowHandlers[C]) delete(w http.ResponseWriter, r *http.Request) {
	sess, key := h.caller(r)
	body, ok := h.decode(w, r)
	if !ok {
		return
	}
	if err := h.engine.Delete(r.Context(), sess.Actor(), key.ID, body.Version); err != nil {
		h.server.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *workflowHandlers[C]) history(w http.ResponseWriter, r *http.Request) {
	_, key := h.caller(r)
	entries, err := h.server.service.History(key, queryInt(r.URL.Query().Get("limit")))
	if err != nil {
		h.server.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (h *workflowHandlers[C]) snapshot(w http.ResponseWriter, r *http.Request) {
	_, key := h.caller(r)
	snap, err := h.server.service.SnapshotAt(key, chi.URLParam(r, "hash"))
	if err != nil {
		h.server.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
}

func (h *workflowHandlers[C]) audit(w http.ResponseWriter, r *http.Request) {
	_, key := h.caller(r)
	events, err := h.server.service.Audit(r.Context(), key, queryInt(r.URL.Query().Get("limit")))
	if err != nil {
		h.server.writeMappedError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"event":     ev.Event,
			"actorId":   ev.ActorID,
			"actorName": ev.ActorName,
			"comment":   ev.Comment,
			"version":   ev.Version,
			"createdAt": ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
