package cron

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetcap/viewer/internal/httpserver"
	"github.com/fleetcap/viewer/pkg/httpfront"
	"github.com/fleetcap/viewer/pkg/pcap"
	"github.com/fleetcap/viewer/pkg/session"
)

// Handler serves the cron query CRUD/list endpoints and the per-session
// forward endpoint a peer calls when a forward action matches a session
// this node owns.
type Handler struct {
	store     Store
	sessions  session.Store
	pcapStore *pcap.Store
	engine    *Engine
	remotes   RemoteClusters
}

func NewHandler(store Store, sessions session.Store, pcapStore *pcap.Store, engine *Engine, remotes RemoteClusters) *Handler {
	return &Handler{store: store, sessions: sessions, pcapStore: pcapStore, engine: engine, remotes: remotes}
}

// Mount registers routes on r, rooted at /api/queries and /:node/cron.
// Creating and editing scheduled queries requires the same createEnabled
// permission as any other saved-item creation.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/api/queries", h.list)
	r.Get("/api/queries/{id}", h.get)
	r.With(httpfront.RequireClass(httpfront.ClassUserAdmin)).Post("/api/queries", h.create)
	r.With(httpfront.RequireClass(httpfront.ClassUserAdmin)).Put("/api/queries/{id}", h.update)
	r.Post("/{node}/cron/{queryId}/forward/{sessionId}", h.forward)
}

// callerID reads the identity Chain populated in the request context,
// rather than trusting a client-supplied header.
func callerID(r *http.Request) string {
	id := httpfront.FromContext(r.Context())
	if id == nil {
		return ""
	}
	return id.UserID
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	queries, err := h.store.List(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, queries)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, q)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var q Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	q.ID = uuid.NewString()
	q.Creator = callerID(r)

	if err := h.store.Create(r.Context(), q); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	h.engine.Wake()
	httpserver.Respond(w, http.StatusCreated, q)
}

// update allows toggling enabled, editing tags/action/notifier, but never
// lets a client move lpValue/count backward directly; those stay
// engine-owned.
func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var partial map[string]any
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	delete(partial, "lpValue")
	delete(partial, "count")
	delete(partial, "lastRun")

	if err := h.store.Update(r.Context(), id, partial); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "update_failed", err.Error())
		return
	}
	h.engine.Wake()
	httpserver.Respond(w, http.StatusOK, nil)
}

// forward is the per-session endpoint a peer calls when a forward action's
// match lives on this node; it frames and posts the session itself rather
// than streaming PCAP bytes back through the caller.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	clusterName := r.URL.Query().Get("cluster")

	remote, err := h.remotes.Lookup(clusterName)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "unknown_cluster", err.Error())
		return
	}

	sess, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	packets, err := collectPackets(h.pcapStore, sess)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "pcap_read_failed", err.Error())
		return
	}
	body, err := frameForward(sess, packets)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "frame_failed", err.Error())
		return
	}

	saveID := newSaveID(sess.Node)
	client := &http.Client{}
	if err := postForward(r.Context(), client, remote, saveID, body); err != nil {
		httpserver.RespondError(w, http.StatusBadGateway, "forward_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}
