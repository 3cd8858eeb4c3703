package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetcap/viewer/internal/httpserver"
	"github.com/fleetcap/viewer/pkg/cluster"
	"github.com/fleetcap/viewer/pkg/expr"
	"github.com/fleetcap/viewer/pkg/httpfront"
	"github.com/fleetcap/viewer/pkg/pcap"
)

const defaultSearchSize = 100

// Handler serves session search/detail, pcap download, scrub/delete, and
// the peer-forwarded session ingestion endpoint.
type Handler struct {
	store     Store
	pcapStore *pcap.Store
	scrubber  *pcap.Scrubber
	files     pcap.FileStore
	receiver  *pcap.ReceiveStore
	compiler  expr.Compiler
	resolver  *cluster.Resolver
	proxy     *cluster.Proxy
	selfNode  string
}

func NewHandler(store Store, pcapStore *pcap.Store, scrubber *pcap.Scrubber, files pcap.FileStore, receiver *pcap.ReceiveStore, compiler expr.Compiler, resolver *cluster.Resolver, proxy *cluster.Proxy, selfNode string) *Handler {
	return &Handler{
		store: store, pcapStore: pcapStore, scrubber: scrubber, files: files, receiver: receiver,
		compiler: compiler, resolver: resolver, proxy: proxy, selfNode: selfNode,
	}
}

// Mount registers routes on r, typically rooted at /api/sessions. pcap
// download and delete are gated on their respective permission classes;
// receive is s2s-only (enforced by the auth chain's isS2SPath check), so it
// carries no user-facing gate.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/api/sessions", h.list)
	r.Get("/api/sessions/{id}", h.get)
	r.With(httpfront.RequireClass(httpfront.ClassPcapDownload)).Get("/api/sessions/{id}/pcap", h.downloadPcap)
	r.With(httpfront.RequireClass(httpfront.ClassDelete)).Delete("/api/sessions/{id}", h.delete)
	r.Post("/api/sessions/receive", h.receive)
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
	query, err := h.compiler.Compile(r.URL.Query().Get("expression"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_expression", err.Error())
		return
	}

	size := defaultSearchSize
	if v := r.URL.Query().Get("size"); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
			size = n
		}
	}

	page, err := h.store.Search(r.Context(), query, nil, size, false)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "search_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"sessions": page.Sessions, "total": page.Total})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, sess)
}

// downloadPcap streams the session's packets as a standalone pcap file. If
// this node isn't the session's owner, the request is proxied to the node
// that is, exactly like hunt's packetSearch dispatch.
func (h *Handler) downloadPcap(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	owner := h.resolver.Resolve(sess.Node)
	if !h.resolver.IsLocal(owner) {
		proxied, err := h.proxy.Handler(owner, callerID(r))
		if err != nil {
			httpserver.RespondError(w, http.StatusBadGateway, "proxy_failed", err.Error())
			return
		}
		proxied.ServeHTTP(w, r)
		return
	}

	packets, err := collectPackets(h.pcapStore, sess)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "pcap_read_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.pcap"`, id))
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(pcap.GlobalHeader)
	for _, pkt := range packets {
		var hdr [pcap.RecordHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], pkt.Header.TSSec)
		binary.LittleEndian.PutUint32(hdr[4:8], pkt.Header.TSUsec)
		binary.LittleEndian.PutUint32(hdr[8:12], pkt.Header.InclLen)
		binary.LittleEndian.PutUint32(hdr[12:16], pkt.Header.OrigLen)
		_, _ = w.Write(hdr[:])
		_, _ = w.Write(pkt.Payload)
	}
}

// delete applies the requested scrub policy (?what=spi|pcap|all, default all).
func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	what := pcap.WhatToRemove(r.URL.Query().Get("what"))
	if what == "" {
		what = pcap.RemoveAll
	}

	if err := h.scrubber.Scrub(r.Context(), id, callerID(r), what); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "scrub_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

// receive ingests a cron-forwarded session: [u32 spiLen][u32 reserved][u32
// pcapLen] spiJson pcapBytes, writing the packet stream to a new local file
// and the session document pointing at it. saveId (the hunt/cron dedupe key)
// is accepted but not yet used to suppress duplicate forwards.
func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_body", err.Error())
		return
	}
	if len(body) < 12 {
		httpserver.RespondError(w, http.StatusBadRequest, "short_body", "framed body shorter than its own header")
		return
	}

	spiLen := binary.BigEndian.Uint32(body[0:4])
	pcapLen := binary.BigEndian.Uint32(body[8:12])
	offset := 12
	if uint32(len(body)-offset) < spiLen+pcapLen {
		httpserver.RespondError(w, http.StatusBadRequest, "truncated_body", "declared lengths exceed body size")
		return
	}

	spiJSON := body[offset : offset+int(spiLen)]
	pcapBody := body[offset+int(spiLen) : offset+int(spiLen)+int(pcapLen)]

	var sess Session
	if err := unmarshalSession(spiJSON, &sess); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_spi", err.Error())
		return
	}

	received, err := h.receiver.Write(pcapBody)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "write_failed", err.Error())
		return
	}

	if err := h.files.Put(r.Context(), pcap.PcapFile{
		Node: h.selfNode, Num: received.Num, Name: received.Path,
		Size: received.Size, First: sess.FirstPacket / 1000,
	}); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "file_register_failed", err.Error())
		return
	}

	sess.Node = h.selfNode
	sess.FileID = []int{received.Num}
	sess.PacketPos = packetsToOffsets(pcapBody)

	if err := h.store.Put(r.Context(), sess.ID, sess); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "index_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

// packetsToOffsets walks a global-header-prefixed packet stream and returns
// the byte offset of each record, the inverse of frameForward's layout.
func packetsToOffsets(pcapBody []byte) []int64 {
	var offsets []int64
	pos := int64(pcap.GlobalHeaderSize)
	for pos+pcap.RecordHeaderSize <= int64(len(pcapBody)) {
		inclLen := binary.LittleEndian.Uint32(pcapBody[pos+8 : pos+12])
		offsets = append(offsets, pos)
		pos += pcap.RecordHeaderSize + int64(inclLen)
	}
	return offsets
}

// collectPackets reads every packet referenced by sess.PacketPos from the
// local pcap store, in file order — the same logic the cron engine's
// forward path uses to assemble a session's bytes before framing them.
func collectPackets(store *pcap.Store, sess Session) ([]pcap.Packet, error) {
	startFileNum := 0
	if len(sess.FileID) > 0 {
		startFileNum = sess.FileID[0]
	}
	byFile := pcap.FileNumAndOffsets(sess.PacketPos, startFileNum)

	fileNums := make([]int, 0, len(byFile))
	for fileNum := range byFile {
		fileNums = append(fileNums, fileNum)
	}
	sort.Ints(fileNums)

	var out []pcap.Packet
	for _, fileNum := range fileNums {
		offsets := byFile[fileNum]
		hnd, err := store.Open(pcap.ModeRead, sess.Node, fileNum)
		if err != nil {
			return nil, fmt.Errorf("opening node %s file %d: %w", sess.Node, fileNum, err)
		}
		for _, off := range offsets {
			pkt, err := pcap.ReadPacket(hnd, off)
			if err != nil {
				hnd.Release()
				return nil, fmt.Errorf("reading packet at offset %d: %w", off, err)
			}
			out = append(out, pkt)
		}
		hnd.Release()
	}
	return out, nil
}
