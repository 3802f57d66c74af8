package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pangeafate/ObsidianComments-sub004/internal/crdt"
	"github.com/pangeafate/ObsidianComments-sub004/internal/documents"
	"github.com/pangeafate/ObsidianComments-sub004/internal/protocol"
)

const (
	sendBufferSize = 64

	defaultDebounce = 500 * time.Millisecond
	defaultMaxWait  = 2 * time.Second
)

var errMissingStore = errors.New("document store dependency required")

// HubConfig describes the dependencies of the collaboration hub.
type HubConfig struct {
	Store    *documents.Store
	Logger   *zap.Logger
	Debounce time.Duration
	MaxWait  time.Duration
	Clock    documents.Clock
}

// Hub owns one loaded shared document per document id and relays CRDT sync
// messages and presence between the websocket connections of each room.
// Edits mark the room dirty and arm the persistence debouncer; the adapter
// write happens on the timer goroutine, never on the connection path.
type Hub struct {
	store     *documents.Store
	logger    *zap.Logger
	debouncer *documents.Debouncer
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	id       documents.DocumentID
	doc      *crdt.SharedDoc
	conns    map[*hubConn]struct{}
	presence map[string]protocol.AwarenessPayload
	dirty    bool
}

type hubConn struct {
	socket     *websocket.Conn
	syncState  *automerge.SyncState
	send       chan []byte
	clientID   string
	sentSynced bool

	mu       sync.Mutex
	dead     bool
	sendOnce sync.Once
}

// NewHub validates the configuration and constructs a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	maxWait := cfg.MaxWait
	if maxWait < debounce {
		maxWait = defaultMaxWait
	}

	hub := &Hub{
		store:  cfg.Store,
		logger: logger,
		rooms:  make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	debouncer, err := documents.NewDebouncer(documents.DebouncerConfig{
		Quiet:   debounce,
		MaxWait: maxWait,
		Clock:   cfg.Clock,
		Fire:    hub.persist,
	})
	if err != nil {
		return nil, err
	}
	hub.debouncer = debouncer
	return hub, nil
}

// Serve upgrades the request and joins the connection to the document room.
// It blocks until the connection closes.
func (h *Hub) Serve(writer http.ResponseWriter, request *http.Request, rawDocumentID string) {
	documentID, err := documents.NewDocumentID(rawDocumentID)
	if err != nil {
		http.Error(writer, "invalid document id", http.StatusBadRequest)
		return
	}

	socket, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	hc := &hubConn{
		socket: socket,
		send:   make(chan []byte, sendBufferSize),
	}
	go hc.writeLoop()

	joined := h.join(request.Context(), documentID, hc)
	h.sendInitialSync(joined, hc)
	h.readLoop(joined, hc)
	h.leave(joined, hc)
}

// Close flushes every pending persistence window. Called on shutdown.
func (h *Hub) Close() {
	h.debouncer.Close()

	h.mu.Lock()
	type finalState struct {
		id    documents.DocumentID
		state []byte
	}
	states := make([]finalState, 0, len(h.rooms))
	for _, current := range h.rooms {
		if current.dirty {
			states = append(states, finalState{id: current.id, state: current.doc.Encode()})
		}
	}
	h.mu.Unlock()

	for _, pending := range states {
		h.store.SaveState(context.Background(), pending.id, pending.state)
	}
}

func (h *Hub) join(ctx context.Context, documentID documents.DocumentID, hc *hubConn) *room {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.rooms[documentID.String()]
	if !ok {
		current = &room{
			id:       documentID,
			doc:      h.loadDocument(ctx, documentID),
			conns:    make(map[*hubConn]struct{}),
			presence: make(map[string]protocol.AwarenessPayload),
		}
		h.rooms[documentID.String()] = current
	}
	hc.syncState = current.doc.NewSyncState()
	current.conns[hc] = struct{}{}
	return current
}

// loadDocument decodes the last durable snapshot into a shared document. A
// missing snapshot or a decoding failure both degrade to a fresh document;
// the client-side hydration guard recovers the content in the latter case.
func (h *Hub) loadDocument(ctx context.Context, documentID documents.DocumentID) *crdt.SharedDoc {
	state, found := h.store.Fetch(ctx, documentID)
	if !found {
		return crdt.New()
	}
	doc, err := crdt.Decode(state)
	if err != nil {
		h.logger.Warn("stored state undecodable, starting fresh",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return crdt.New()
	}
	return doc
}

func (h *Hub) sendInitialSync(current *room, hc *hubConn) {
	h.mu.Lock()
	frames := h.generateFrames(current, hc)
	h.mu.Unlock()
	for _, frame := range frames {
		hc.enqueue(frame)
	}
}

func (h *Hub) readLoop(current *room, hc *hubConn) {
	for {
		_, raw, err := hc.socket.ReadMessage()
		if err != nil {
			return
		}
		envelope, err := protocol.Decode(raw)
		if err != nil {
			h.logger.Warn("undecodable frame dropped", zap.Error(err))
			continue
		}
		switch envelope.Type {
		case protocol.TypeSync:
			message, err := envelope.DecodeSync()
			if err != nil {
				h.logger.Warn("invalid sync payload dropped", zap.Error(err))
				continue
			}
			h.applySync(current, hc, message)
		case protocol.TypeAwareness:
			payload, err := envelope.DecodeAwareness()
			if err != nil {
				h.logger.Warn("invalid awareness payload dropped", zap.Error(err))
				continue
			}
			h.updatePresence(current, hc, payload)
		}
	}
}

// applySync folds one inbound sync message into the room document, fans any
// resulting messages out to every connection, and arms the persistence
// debouncer when the document actually changed.
func (h *Hub) applySync(current *room, hc *hubConn, message []byte) {
	h.mu.Lock()
	headsBefore := current.doc.Heads()
	if _, err := hc.syncState.ReceiveMessage(message); err != nil {
		h.mu.Unlock()
		h.logger.Warn("sync message rejected",
			zap.String("document_id", current.id.String()),
			zap.Error(err))
		return
	}
	changed := !headsEqual(headsBefore, current.doc.Heads())
	if changed {
		current.dirty = true
	}

	type delivery struct {
		target *hubConn
		frames [][]byte
	}
	deliveries := make([]delivery, 0, len(current.conns))
	for peer := range current.conns {
		frames := h.generateFrames(current, peer)
		if peer == hc && !hc.sentSynced {
			hc.sentSynced = true
			if marker, err := protocol.EncodeSynced(current.id.String()); err == nil {
				frames = append(frames, marker)
			}
		}
		if len(frames) > 0 {
			deliveries = append(deliveries, delivery{target: peer, frames: frames})
		}
	}
	h.mu.Unlock()

	for _, pending := range deliveries {
		for _, frame := range pending.frames {
			pending.target.enqueue(frame)
		}
	}
	if changed {
		h.debouncer.Trigger(current.id.String())
	}
}

// generateFrames drains the peer's pending sync messages. Callers hold h.mu.
func (h *Hub) generateFrames(current *room, peer *hubConn) [][]byte {
	frames := make([][]byte, 0, 1)
	for {
		message, valid := peer.syncState.GenerateMessage()
		if !valid {
			break
		}
		frame, err := protocol.EncodeSync(current.id.String(), message.Bytes())
		if err != nil {
			h.logger.Warn("failed to encode sync frame", zap.Error(err))
			break
		}
		frames = append(frames, frame)
	}
	return frames
}

func (h *Hub) updatePresence(current *room, hc *hubConn, payload protocol.AwarenessPayload) {
	h.mu.Lock()
	hc.clientID = payload.ClientID
	current.presence[payload.ClientID] = payload
	frame, err := h.rosterFrame(current)
	targets := h.connsLocked(current)
	h.mu.Unlock()
	if err != nil {
		h.logger.Warn("failed to encode presence roster", zap.Error(err))
		return
	}
	for _, target := range targets {
		target.enqueue(frame)
	}
}

func (h *Hub) leave(current *room, hc *hubConn) {
	h.mu.Lock()
	delete(current.conns, hc)
	if hc.clientID != "" {
		delete(current.presence, hc.clientID)
	}
	empty := len(current.conns) == 0
	var finalState []byte
	if empty {
		delete(h.rooms, current.id.String())
		if current.dirty {
			finalState = current.doc.Encode()
		}
	}
	var rosterFrame []byte
	var targets []*hubConn
	if !empty {
		if frame, err := h.rosterFrame(current); err == nil {
			rosterFrame = frame
			targets = h.connsLocked(current)
		}
	}
	h.mu.Unlock()

	hc.shutdown()

	if empty {
		// The room is gone, so the timer-driven persist can no longer see
		// the document; write the final state directly.
		h.debouncer.Flush(current.id.String())
		if finalState != nil {
			h.store.SaveState(context.Background(), current.id, finalState)
		}
		return
	}
	for _, target := range targets {
		target.enqueue(rosterFrame)
	}
}

// persist is the debouncer fire callback.
func (h *Hub) persist(key string) {
	h.mu.Lock()
	current, ok := h.rooms[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	current.dirty = false
	state := current.doc.Encode()
	documentID := current.id
	h.mu.Unlock()

	h.store.SaveState(context.Background(), documentID, state)
}

func (h *Hub) rosterFrame(current *room) ([]byte, error) {
	peers := make([]protocol.AwarenessPayload, 0, len(current.presence))
	for _, peer := range current.presence {
		peers = append(peers, peer)
	}
	return protocol.EncodePresence(current.id.String(), protocol.PresencePayload{Peers: peers})
}

func (h *Hub) connsLocked(current *room) []*hubConn {
	targets := make([]*hubConn, 0, len(current.conns))
	for peer := range current.conns {
		targets = append(targets, peer)
	}
	return targets
}

func (hc *hubConn) writeLoop() {
	for frame := range hc.send {
		if err := hc.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
			break
		}
	}
	_ = hc.socket.Close()
}

// enqueue hands a frame to the write loop. A full buffer means the peer has
// stopped draining; the connection is marked dead and its socket closed so
// the client reconnects with a fresh sync state instead of stalling the room.
// The send channel stays open until leave removes the connection from its
// room, so broadcasts racing the drop can never hit a closed channel.
func (hc *hubConn) enqueue(frame []byte) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.dead {
		return
	}
	select {
	case hc.send <- frame:
	default:
		hc.dead = true
		_ = hc.socket.Close()
	}
}

// shutdown stops the write loop. Only leave calls it, after the connection is
// out of the room's broadcast set.
func (hc *hubConn) shutdown() {
	hc.mu.Lock()
	hc.dead = true
	hc.mu.Unlock()
	hc.sendOnce.Do(func() {
		close(hc.send)
	})
}

func headsEqual(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}
