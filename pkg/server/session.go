package server

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handshake rejection reasons. Checked in this order: IP ban, nickname ban,
// nickname uniqueness, capacity.
var (
	ErrIPBanned       = errors.New("ip is banned")
	ErrNicknameBanned = errors.New("nickname is banned")
	ErrNicknameTaken  = errors.New("nickname already in use")
	ErrServerFull     = errors.New("server is full")
)

// osVersionUnknown is the profile placeholder; the wire protocol has no
// field for the client to report its OS.
const osVersionUnknown = "未知"

// Session represents one live client connection. All fields are immutable
// for the session's lifetime; the nickname is fixed at handshake.
type Session struct {
	ID        uuid.UUID
	Nickname  string
	RemoteIP  string
	JoinTime  time.Time
	OSVersion string
	Conn      *SafeConn
}

type muteEntry struct {
	start   time.Time
	minutes int
}

// SessionManager is the authoritative registry of live sessions plus the
// moderation state that gates them (admin set, ban sets, mute table).
//
// A single mutex guards everything: session membership checks consult the
// ban sets, and the user listing consults the admin set, so splitting the
// lock would only reintroduce the multi-step races the registry exists to
// prevent. At the scale involved (hundreds of sessions) one lock is plenty.
// Socket I/O never happens while the lock is held.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	byNick   map[string]uuid.UUID
	order    []uuid.UUID // registry insertion order, drives USERS_LIST

	admins      map[string]struct{}
	bannedIPs   map[string]struct{}
	bannedNicks map[string]struct{}
	mutes       map[string]muteEntry

	maxSessions int // 0 = unlimited
	metrics     *Metrics

	now func() time.Time // injectable clock for mute-expiry tests
}

// NewSessionManager creates an empty registry. maxSessions of zero means
// no connection cap.
func NewSessionManager(maxSessions int) *SessionManager {
	return &SessionManager{
		sessions:    make(map[uuid.UUID]*Session),
		byNick:      make(map[string]uuid.UUID),
		admins:      make(map[string]struct{}),
		bannedIPs:   make(map[string]struct{}),
		bannedNicks: make(map[string]struct{}),
		mutes:       make(map[string]muteEntry),
		maxSessions: maxSessions,
		now:         time.Now,
	}
}

// SetMetrics attaches metrics to the session manager.
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// Register admits a new session. All checks and the insertion happen under
// one critical section so two concurrent handshakes with the same nickname
// cannot both pass the uniqueness check.
func (sm *SessionManager) Register(nickname, remoteIP string, conn *SafeConn) (*Session, error) {
	sm.mu.Lock()

	if _, banned := sm.bannedIPs[remoteIP]; banned {
		sm.mu.Unlock()
		return nil, ErrIPBanned
	}
	if _, banned := sm.bannedNicks[nickname]; banned {
		sm.mu.Unlock()
		return nil, ErrNicknameBanned
	}
	if _, taken := sm.byNick[nickname]; taken {
		sm.mu.Unlock()
		return nil, ErrNicknameTaken
	}
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		sm.mu.Unlock()
		return nil, ErrServerFull
	}

	sess := &Session{
		ID:        uuid.New(),
		Nickname:  nickname,
		RemoteIP:  remoteIP,
		JoinTime:  sm.now(),
		OSVersion: osVersionUnknown,
		Conn:      conn,
	}
	sm.sessions[sess.ID] = sess
	sm.byNick[nickname] = sess.ID
	sm.order = append(sm.order, sess.ID)
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated()
	}
	return sess, nil
}

// Unregister removes a session from both mappings and closes its handle.
// Idempotent: returns false if the session was already gone, so racing
// teardown paths (kick vs. the session's own read loop) broadcast the
// departure exactly once.
func (sm *SessionManager) Unregister(id uuid.UUID) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	if !ok {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, id)
	delete(sm.byNick, sess.Nickname)
	for i, oid := range sm.order {
		if oid == id {
			sm.order = append(sm.order[:i], sm.order[i+1:]...)
			break
		}
	}
	count := len(sm.sessions)
	sm.mu.Unlock()

	// Close outside the lock; SafeConn guarantees exactly-once.
	sess.Conn.Close()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionDisconnected()
	}
	return true
}

// FindByNickname returns the live session for a nickname, if any.
func (sm *SessionManager) FindByNickname(nickname string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	id, ok := sm.byNick[nickname]
	if !ok {
		return nil, false
	}
	return sm.sessions[id], true
}

// Snapshot returns a point-in-time copy of all sessions in insertion order.
// Callers iterate and perform I/O without holding the registry lock.
func (sm *SessionManager) Snapshot() []*Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make([]*Session, 0, len(sm.order))
	for _, id := range sm.order {
		out = append(out, sm.sessions[id])
	}
	return out
}

// UserList returns all nicknames in insertion order, prefixing admins with
// the given marker. The listing and the admin check happen under one lock
// so the marker is never stale relative to the listed names.
func (sm *SessionManager) UserList(adminMarker string) []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	names := make([]string, 0, len(sm.order))
	for _, id := range sm.order {
		nick := sm.sessions[id].Nickname
		if _, ok := sm.admins[nick]; ok {
			names = append(names, adminMarker+nick)
		} else {
			names = append(names, nick)
		}
	}
	return names
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// CloseAll removes and closes every session, returning how many were live.
func (sm *SessionManager) CloseAll() int {
	sm.mu.Lock()
	closing := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		closing = append(closing, sess)
	}
	sm.sessions = make(map[uuid.UUID]*Session)
	sm.byNick = make(map[string]uuid.UUID)
	sm.order = nil
	sm.mu.Unlock()

	for _, sess := range closing {
		sess.Conn.Close()
	}
	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(0)
	}
	return len(closing)
}
