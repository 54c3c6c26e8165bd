package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory frameConn for registry and relay tests. Written
// frames accumulate in order; failWrites makes every write fail to simulate
// a dead peer.
type fakeConn struct {
	mu         sync.Mutex
	frames     []string
	failWrites bool
	closed     bool
	closeCount int
}

func (f *fakeConn) ReadFrame() (string, error) { return "", errors.New("not implemented") }

func (f *fakeConn) WriteFrame(frame string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("connection reset")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCount++
	return nil
}

func (f *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 54321}
}

func (f *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (f *fakeConn) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	copy(out, f.frames)
	return out
}

func newTestSession(t *testing.T, sm *SessionManager, nickname, ip string) (*Session, *fakeConn) {
	t.Helper()
	fc := &fakeConn{}
	sess, err := sm.Register(nickname, ip, NewSafeConn(fc))
	require.NoError(t, err)
	return sess, fc
}

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	sm := NewSessionManager(0)
	a, _ := newTestSession(t, sm, "alice", "10.0.0.1")
	b, _ := newTestSession(t, sm, "bob", "10.0.0.2")

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, sm.Count())
}

func TestRegisterRejectsDuplicateNickname(t *testing.T) {
	sm := NewSessionManager(0)
	newTestSession(t, sm, "alice", "10.0.0.1")

	_, err := sm.Register("alice", "10.0.0.2", NewSafeConn(&fakeConn{}))
	assert.ErrorIs(t, err, ErrNicknameTaken)
	assert.Equal(t, 1, sm.Count())
}

func TestRegisterRejectsBannedIP(t *testing.T) {
	sm := NewSessionManager(0)
	sm.BanIP("10.0.0.9")

	_, err := sm.Register("mallory", "10.0.0.9", NewSafeConn(&fakeConn{}))
	assert.ErrorIs(t, err, ErrIPBanned)
}

func TestRegisterRejectsBannedNickname(t *testing.T) {
	sm := NewSessionManager(0)
	sm.BanNickname("mallory")

	_, err := sm.Register("mallory", "10.0.0.1", NewSafeConn(&fakeConn{}))
	assert.ErrorIs(t, err, ErrNicknameBanned)
}

func TestRegisterIPBanTakesPrecedence(t *testing.T) {
	// A banned IP connecting with a taken nickname reports the ban, not
	// the nickname conflict
	sm := NewSessionManager(0)
	newTestSession(t, sm, "alice", "10.0.0.1")
	sm.BanIP("10.0.0.9")

	_, err := sm.Register("alice", "10.0.0.9", NewSafeConn(&fakeConn{}))
	assert.ErrorIs(t, err, ErrIPBanned)
}

func TestRegisterEnforcesCapacity(t *testing.T) {
	sm := NewSessionManager(2)
	newTestSession(t, sm, "alice", "10.0.0.1")
	newTestSession(t, sm, "bob", "10.0.0.2")

	_, err := sm.Register("carol", "10.0.0.3", NewSafeConn(&fakeConn{}))
	assert.ErrorIs(t, err, ErrServerFull)

	// Capacity frees up when someone leaves
	sess, _ := sm.FindByNickname("alice")
	require.True(t, sm.Unregister(sess.ID))
	_, err = sm.Register("carol", "10.0.0.3", NewSafeConn(&fakeConn{}))
	assert.NoError(t, err)
}

func TestConcurrentRegisterSameNickname(t *testing.T) {
	// Exactly one of N racing handshakes for the same nickname may win
	sm := NewSessionManager(0)

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = sm.Register("alice", fmt.Sprintf("10.0.0.%d", i), NewSafeConn(&fakeConn{}))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, ErrNicknameTaken)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, sm.Count())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	sm := NewSessionManager(0)
	sess, fc := newTestSession(t, sm, "alice", "10.0.0.1")

	assert.True(t, sm.Unregister(sess.ID))
	assert.False(t, sm.Unregister(sess.ID))
	assert.Equal(t, 0, sm.Count())
	assert.Equal(t, 1, fc.closeCount)

	// Nickname is free again
	_, err := sm.Register("alice", "10.0.0.1", NewSafeConn(&fakeConn{}))
	assert.NoError(t, err)
}

func TestConcurrentUnregisterSingleWinner(t *testing.T) {
	sm := NewSessionManager(0)
	sess, fc := newTestSession(t, sm, "alice", "10.0.0.1")

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- sm.Unregister(sess.ID)
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, fc.closeCount)
}

func TestSnapshotPreservesInsertionOrder(t *testing.T) {
	sm := NewSessionManager(0)
	for i, nick := range []string{"carol", "alice", "bob"} {
		newTestSession(t, sm, nick, fmt.Sprintf("10.0.0.%d", i))
	}

	var got []string
	for _, sess := range sm.Snapshot() {
		got = append(got, sess.Nickname)
	}
	assert.Equal(t, []string{"carol", "alice", "bob"}, got)

	// Removal keeps the relative order of the rest
	sess, _ := sm.FindByNickname("alice")
	sm.Unregister(sess.ID)

	got = nil
	for _, sess := range sm.Snapshot() {
		got = append(got, sess.Nickname)
	}
	assert.Equal(t, []string{"carol", "bob"}, got)
}

func TestUserListMarksAdmins(t *testing.T) {
	sm := NewSessionManager(0)
	newTestSession(t, sm, "alice", "10.0.0.1")
	newTestSession(t, sm, "bob", "10.0.0.2")
	sm.Grant("bob")

	assert.Equal(t, []string{"alice", "ADMIN：bob"}, sm.UserList("ADMIN："))
}

func TestCloseAll(t *testing.T) {
	sm := NewSessionManager(0)
	_, fc1 := newTestSession(t, sm, "alice", "10.0.0.1")
	_, fc2 := newTestSession(t, sm, "bob", "10.0.0.2")

	assert.Equal(t, 2, sm.CloseAll())
	assert.Equal(t, 0, sm.Count())
	assert.True(t, fc1.closed)
	assert.True(t, fc2.closed)
}
