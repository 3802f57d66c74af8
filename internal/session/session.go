// Package session implements the client side of document collaboration: a
// managed websocket session per open document holding the local shared
// document replica, plus the hydration guard, the comment overlay and the
// deletion reconciler that operate on top of it.
package session

import (
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pangeafate/ObsidianComments-sub004/internal/crdt"
	"github.com/pangeafate/ObsidianComments-sub004/internal/protocol"
)

// Status is the connection lifecycle state of a session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

const (
	defaultSettleDelay    = 500 * time.Millisecond
	defaultReconnectDelay = time.Second
)

var (
	// ErrSessionClosed indicates an operation on a torn-down session.
	ErrSessionClosed = errors.New("session: closed")
	// ErrSessionNotReady indicates an operation that needs a connected and
	// synced session.
	ErrSessionNotReady = errors.New("session: initial sync incomplete")

	errMissingServerURL  = errors.New("session: server url is required")
	errMissingDocumentID = errors.New("session: document id is required")
)

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// ServerURL is the websocket base of the collaboration server, for
	// example ws://localhost:8081.
	ServerURL string
	// Token is sent on every connection handshake. May be empty.
	Token  string
	Logger *zap.Logger
	// SettleDelay is the quiet period after the initial sync exchange before
	// the session reports the document fully loaded.
	SettleDelay    time.Duration
	ReconnectDelay time.Duration
}

// Manager hands out at most one live session at a time. Opening the document
// that is already open returns the same session instance, so callers can rely
// on referential stability; opening a different document tears the previous
// session down first.
type Manager struct {
	serverURL      string
	token          string
	logger         *zap.Logger
	settleDelay    time.Duration
	reconnectDelay time.Duration

	mu     sync.Mutex
	active *Session
}

// NewManager validates the configuration and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.ServerURL == "" {
		return nil, errMissingServerURL
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	reconnect := cfg.ReconnectDelay
	if reconnect <= 0 {
		reconnect = defaultReconnectDelay
	}
	return &Manager{
		serverURL:      cfg.ServerURL,
		token:          cfg.Token,
		logger:         logger,
		settleDelay:    settle,
		reconnectDelay: reconnect,
	}, nil
}

// Open returns the live session for the document, creating one if needed.
func (m *Manager) Open(documentID string) (*Session, error) {
	if documentID == "" {
		return nil, errMissingDocumentID
	}

	// The lock spans teardown, creation and swap so two racing opens cannot
	// both install a session and leak the loser's run loop.
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.documentID == documentID && !m.active.isClosed() {
		return m.active, nil
	}
	if m.active != nil {
		m.active.Close()
	}

	session, err := newSession(sessionConfig{
		documentID:     documentID,
		dialURL:        m.dialURL(documentID),
		logger:         m.logger.With(zap.String("document_id", documentID)),
		settleDelay:    m.settleDelay,
		reconnectDelay: m.reconnectDelay,
	})
	if err != nil {
		return nil, err
	}
	m.active = session

	go session.run()
	return session, nil
}

// Close tears down the active session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	active := m.active
	m.active = nil
	m.mu.Unlock()
	if active != nil {
		active.Close()
	}
}

func (m *Manager) dialURL(documentID string) string {
	dial := m.serverURL + "/sync/" + url.PathEscape(documentID)
	if m.token != "" {
		dial += "?token=" + url.QueryEscape(m.token)
	}
	return dial
}

type sessionConfig struct {
	documentID     string
	dialURL        string
	logger         *zap.Logger
	settleDelay    time.Duration
	reconnectDelay time.Duration
}

// Session is one client's collaboration session on a single document. It owns
// the local replica, keeps it synchronized over a websocket, and reconnects
// automatically until closed.
type Session struct {
	documentID     string
	dialURL        string
	clientID       string
	logger         *zap.Logger
	settleDelay    time.Duration
	reconnectDelay time.Duration
	done           chan struct{}

	mu                  sync.Mutex
	doc                 *crdt.SharedDoc
	syncState           *automerge.SyncState
	conn                *websocket.Conn
	status              Status
	synced              bool
	initialSyncComplete bool
	settleTimer         *time.Timer
	presence            map[string]protocol.AwarenessPayload
	localPresence       *protocol.AwarenessPayload
	hydrated            bool
	subscribers         map[int]func(Status)
	nextSubscriber      int
	closed              bool
}

func newSession(cfg sessionConfig) (*Session, error) {
	return &Session{
		documentID:     cfg.documentID,
		dialURL:        cfg.dialURL,
		clientID:       uuid.NewString(),
		logger:         cfg.logger,
		settleDelay:    cfg.settleDelay,
		reconnectDelay: cfg.reconnectDelay,
		done:           make(chan struct{}),
		doc:            crdt.New(),
		status:         StatusConnecting,
		presence:       make(map[string]protocol.AwarenessPayload),
		subscribers:    make(map[int]func(Status)),
	}, nil
}

// DocumentID returns the identifier of the document this session edits.
func (s *Session) DocumentID() string {
	return s.documentID
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatus registers a callback for status transitions and returns its
// cancel function.
func (s *Session) OnStatus(fn func(Status)) func() {
	s.mu.Lock()
	id := s.nextSubscriber
	s.nextSubscriber++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Synced reports whether the server has acknowledged the initial state
// exchange on this document.
func (s *Session) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// InitialSyncComplete reports whether the document has fully loaded: the
// initial exchange finished and the settle window elapsed without the session
// being torn down.
func (s *Session) InitialSyncComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialSyncComplete
}

// Content returns the local replica's document body.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Content()
}

// SetContent replaces the document body and pushes the change to the server.
func (s *Session) SetContent(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.SetContent(text); err != nil {
		return err
	}
	s.flushSyncLocked()
	return nil
}

// SpliceContent edits a range of the document body in place and pushes the
// change to the server.
func (s *Session) SpliceContent(pos int, del int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.SpliceContent(pos, del, text); err != nil {
		return err
	}
	s.flushSyncLocked()
	return nil
}

// Title returns the local replica's document title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Title()
}

// SetTitle replaces the title and pushes the change to the server. Setting
// the title to its current value is a no-op.
func (s *Session) SetTitle(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.SetTitle(text); err != nil {
		return err
	}
	s.flushSyncLocked()
	return nil
}

// SetPresence records the local presence and, when connected, announces it.
// Before the connection is established the record is only stored; it is
// announced on the next successful connect.
func (s *Session) SetPresence(name string, color string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localPresence = &protocol.AwarenessPayload{
		ClientID: s.clientID,
		Name:     name,
		Color:    color,
	}
	if s.status == StatusConnected && s.conn != nil {
		s.sendPresenceLocked()
	}
}

// Presence returns the last known roster for the document.
func (s *Session) Presence() []protocol.AwarenessPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster := make([]protocol.AwarenessPayload, 0, len(s.presence))
	for _, peer := range s.presence {
		roster = append(roster, peer)
	}
	return roster
}

// Reconnect drops the current connection. The run loop redials immediately;
// pending local changes are replayed through the fresh sync state.
func (s *Session) Reconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.conn = nil
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.setStatus(StatusDisconnected)
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) run() {
	for {
		if s.isClosed() {
			return
		}
		s.setStatus(StatusConnecting)

		conn, _, err := websocket.DefaultDialer.Dial(s.dialURL, nil)
		if err != nil {
			s.logger.Warn("dial failed", zap.Error(err))
			select {
			case <-s.done:
				return
			case <-time.After(s.reconnectDelay):
			}
			continue
		}

		s.attach(conn)
		s.setStatus(StatusConnected)
		s.readLoop(conn)
		s.detach(conn)

		if s.isClosed() {
			return
		}
		s.setStatus(StatusDisconnected)
		select {
		case <-s.done:
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

// attach binds a fresh connection. The sync state is per connection: the
// server holds a new one for us too, so the exchange restarts from document
// heads and converges on whatever either side missed.
func (s *Session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.syncState = s.doc.NewSyncState()
	s.flushSyncLocked()
	if s.localPresence != nil {
		s.sendPresenceLocked()
	}
}

func (s *Session) detach(conn *websocket.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		s.syncState = nil
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		envelope, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Warn("undecodable frame dropped", zap.Error(err))
			continue
		}
		switch envelope.Type {
		case protocol.TypeSync:
			message, err := envelope.DecodeSync()
			if err != nil {
				s.logger.Warn("invalid sync payload dropped", zap.Error(err))
				continue
			}
			s.applySync(message)
		case protocol.TypeSynced:
			s.markSynced()
		case protocol.TypePresence:
			roster, err := envelope.DecodePresence()
			if err != nil {
				s.logger.Warn("invalid roster dropped", zap.Error(err))
				continue
			}
			s.updateRoster(roster)
		}
	}
}

func (s *Session) applySync(message []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncState == nil {
		return
	}
	if _, err := s.syncState.ReceiveMessage(message); err != nil {
		s.logger.Warn("sync message rejected", zap.Error(err))
		return
	}
	s.flushSyncLocked()
}

// markSynced records the server's end-of-exchange marker and arms the settle
// window. The marker alone is not "fully loaded": peer updates may still be
// in flight right after the exchange, so consumers that must not observe a
// partially loaded document wait for the settle window on top.
func (s *Session) markSynced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.synced {
		return
	}
	s.synced = true
	s.settleTimer = time.AfterFunc(s.settleDelay, func() {
		s.mu.Lock()
		if !s.closed {
			s.initialSyncComplete = true
		}
		s.mu.Unlock()
	})
}

func (s *Session) updateRoster(roster protocol.PresencePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = make(map[string]protocol.AwarenessPayload, len(roster.Peers))
	for _, peer := range roster.Peers {
		s.presence[peer.ClientID] = peer
	}
}

// flushSyncLocked pushes pending sync messages to the server. Callers hold
// s.mu. Without a live connection this is a no-op; the changes are replayed
// on the next connect.
func (s *Session) flushSyncLocked() {
	if s.conn == nil || s.syncState == nil {
		return
	}
	for {
		message, valid := s.syncState.GenerateMessage()
		if !valid {
			return
		}
		frame, err := protocol.EncodeSync(s.documentID, message.Bytes())
		if err != nil {
			s.logger.Warn("failed to encode sync frame", zap.Error(err))
			return
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Warn("failed to send sync frame", zap.Error(err))
			return
		}
	}
}

func (s *Session) sendPresenceLocked() {
	frame, err := protocol.EncodeAwareness(s.documentID, *s.localPresence)
	if err != nil {
		s.logger.Warn("failed to encode awareness frame", zap.Error(err))
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.Warn("failed to send awareness frame", zap.Error(err))
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	callbacks := make([]func(Status), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(status)
	}
}
