package server

import (
	"github.com/google/uuid"

	"github.com/mvplite/littlechat/pkg/protocol"
)

// Relay fans frames out to sessions. All sends happen on registry
// snapshots, never under the registry lock, so one slow or dead peer cannot
// stall the others.
type Relay struct {
	sessions    *SessionManager
	adminMarker string
	metrics     *Metrics
}

// NewRelay creates a relay over the given registry. adminMarker is prefixed
// to admin nicknames in USERS_LIST frames.
func NewRelay(sessions *SessionManager, adminMarker string) *Relay {
	return &Relay{sessions: sessions, adminMarker: adminMarker}
}

// SetMetrics attaches metrics to the relay.
func (r *Relay) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Broadcast sends a frame to every registered session except exclude
// (uuid.Nil excludes nobody). A failed send marks that recipient as a
// late-detected disconnect: it is unregistered and its handle closed, and
// delivery continues to the rest. Failures are never surfaced to the
// sender.
//
// Dropped peers get their departure announced here, because winning the
// Unregister race means the peer's own read loop will skip its teardown
// broadcast.
func (r *Relay) Broadcast(frame string, exclude uuid.UUID) {
	var dropped []*Session
	for _, sess := range r.sessions.Snapshot() {
		if sess.ID == exclude {
			continue
		}
		if err := sess.Conn.WriteFrame(frame); err != nil {
			if r.metrics != nil {
				r.metrics.RecordBroadcastFailure()
			}
			debugLog.Printf("Broadcast to %s failed, dropping session: %v", sess.Nickname, err)
			if r.sessions.Unregister(sess.ID) {
				dropped = append(dropped, sess)
			}
		}
	}
	if r.metrics != nil {
		r.metrics.RecordFrameBroadcast()
	}

	for _, sess := range dropped {
		r.Broadcast(protocol.SystemNotice(sess.Nickname+" 离开了聊天室"), uuid.Nil)
	}
	if len(dropped) > 0 {
		r.BroadcastUserList()
	}
}

// Unicast sends a frame to one session, best effort. The error is reported
// to the caller but the session is NOT torn down; its own read loop detects
// the dead connection and cleans up.
func (r *Relay) Unicast(sess *Session, frame string) error {
	return sess.Conn.WriteFrame(frame)
}

// UserListFrame builds the USERS_LIST frame for the current registry
// contents: insertion order, admin marker where applicable.
func (r *Relay) UserListFrame() string {
	return protocol.UserListFrame(r.sessions.UserList(r.adminMarker))
}

// BroadcastUserList pushes the current user listing to everyone.
func (r *Relay) BroadcastUserList() {
	r.Broadcast(r.UserListFrame(), uuid.Nil)
}
