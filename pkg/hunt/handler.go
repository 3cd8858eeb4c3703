package hunt

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

// Handler serves the hunt CRUD/list endpoints and the per-session remote
// packetSearch endpoint that peers call through PeerProxy.
type Handler struct {
	store     Store
	sessions  session.Store
	pcapStore *pcap.Store
	engine    *Engine
}

func NewHandler(store Store, sessions session.Store, pcapStore *pcap.Store, engine *Engine) *Handler {
	return &Handler{store: store, sessions: sessions, pcapStore: pcapStore, engine: engine}
}

// Mount registers routes on r, rooted at whatever prefix the caller chose
// (typically /api/hunts and /:node/hunt). Creating and controlling hunts
// requires the packetSearch permission; listing/reading is open to every
// authenticated caller, since CanView/Redacted already scope the response.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/api/hunts", h.list)
	r.Get("/api/hunts/{id}", h.get)
	r.With(httpfront.RequireClass(httpfront.ClassHunt)).Post("/api/hunts", h.create)
	r.With(httpfront.RequireClass(httpfront.ClassHunt)).Post("/api/hunts/{id}/pause", h.setStatus(StatusPaused))
	r.With(httpfront.RequireClass(httpfront.ClassHunt)).Post("/api/hunts/{id}/play", h.setStatus(StatusQueued))
	r.Get("/{node}/hunt/{huntId}/remote/{sessionId}", h.remoteSearch)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	hunts, err := h.store.List(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}

	userID, admin := callerOf(r)
	out := make([]Hunt, 0, len(hunts))
	for _, ht := range hunts {
		if ht.CanView(userID, admin) {
			out = append(out, ht)
		} else {
			out = append(out, ht.Redacted())
		}
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ht, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	userID, admin := callerOf(r)
	if !ht.CanView(userID, admin) {
		ht = ht.Redacted()
	}
	httpserver.Respond(w, http.StatusOK, ht)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var ht Hunt
	if err := json.NewDecoder(r.Body).Decode(&ht); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	userID, _ := callerOf(r)
	ht.ID = uuid.NewString()
	ht.UserID = userID
	ht.Status = StatusQueued

	if _, err := CompilePattern(ht.Search, ht.SearchType); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_pattern", err.Error())
		return
	}

	if err := h.store.Create(r.Context(), ht); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	h.engine.Wake()
	httpserver.Respond(w, http.StatusCreated, ht)
}

func (h *Handler) setStatus(status Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := h.store.Update(r.Context(), id, map[string]any{"status": string(status)}); err != nil {
			httpserver.RespondError(w, http.StatusInternalServerError, "update_failed", err.Error())
			return
		}
		h.engine.Wake()
		httpserver.Respond(w, http.StatusOK, nil)
	}
}

// remoteSearch is the per-session endpoint a peer calls when it doesn't own
// a session's PCAP bytes; this node does, so it runs packetSearch locally
// and reports {matched, error}.
func (h *Handler) remoteSearch(w http.ResponseWriter, r *http.Request) {
	huntID := chi.URLParam(r, "huntId")
	sessionID := chi.URLParam(r, "sessionId")

	ht, err := h.store.Get(r.Context(), huntID)
	if err != nil {
		httpserver.Respond(w, http.StatusOK, remoteResult{Error: err.Error()})
		return
	}

	sess, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		httpserver.Respond(w, http.StatusOK, remoteResult{Error: err.Error()})
		return
	}

	pattern, err := CompilePattern(ht.Search, ht.SearchType)
	if err != nil {
		httpserver.Respond(w, http.StatusOK, remoteResult{Error: err.Error()})
		return
	}

	matched, err := PacketSearch(r.Context(), h.pcapStore, sess, PacketSearchOptions{
		Pattern: pattern, Mode: ht.PacketMode, Src: ht.Src, Dst: ht.Dst, MaxBytes: ht.MaxBytes,
	})
	if err != nil {
		httpserver.Respond(w, http.StatusOK, remoteResult{Error: err.Error()})
		return
	}
	httpserver.Respond(w, http.StatusOK, remoteResult{Matched: matched})
}

type remoteResult struct {
	Matched bool   `json:"matched"`
	Error   string `json:"error,omitempty"`
}

// callerOf reads the identity Chain populated in the request context,
// rather than trusting a client-supplied header, so CanView/Redacted and
// ownership checks run off an actually-authenticated caller.
func callerOf(r *http.Request) (userID string, admin bool) {
	id := httpfront.FromContext(r.Context())
	if id == nil {
		return "", false
	}
	return id.UserID, id.Admin
}
