package server

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConsoleServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.MaxSessions = 10
	srv, err := NewServer(cfg, "")
	require.NoError(t, err)
	return srv
}

func runConsole(srv *Server, script string) string {
	var out bytes.Buffer
	srv.RunConsole(strings.NewReader(script), &out)
	return out.String()
}

func TestConsoleListAndStatus(t *testing.T) {
	srv := newConsoleServer(t)
	newTestSession(t, srv.sessions, "alice", "10.0.0.1")
	srv.sessions.Grant("alice")
	srv.sessions.Mute("alice", 5)

	out := runConsole(srv, "status\nlist\n")
	assert.Contains(t, out, "1 online (max 10)")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "[admin]")
	assert.Contains(t, out, "[muted]")
}

func TestConsoleModeration(t *testing.T) {
	srv := newConsoleServer(t)
	_, fc := newTestSession(t, srv.sessions, "bob", "10.0.0.2")

	out := runConsole(srv, strings.Join([]string{
		"op bob",
		"unop bob",
		"shutup bob 5",
		"unshutup bob",
		"kick bob",
		"kick bob", // already gone
	}, "\n")+"\n")

	assert.Contains(t, out, "bob is now an admin")
	assert.Contains(t, out, "bob is no longer an admin")
	assert.Contains(t, out, "muted bob for 5 minute(s)")
	assert.Contains(t, out, "unmuted bob")
	assert.Contains(t, out, "kicked bob")
	assert.Contains(t, out, "error:")
	assert.True(t, fc.closed)
	assert.Equal(t, 0, srv.sessions.Count())
}

func TestConsoleBans(t *testing.T) {
	srv := newConsoleServer(t)
	newTestSession(t, srv.sessions, "bob", "10.0.0.2")

	out := runConsole(srv, "ban bob\nunban 10.0.0.2\nbanip 10.0.0.3\nbannick mallory\nunbannick mallory\n")
	assert.Contains(t, out, "banned bob (10.0.0.2)")
	assert.Contains(t, out, "unbanned 10.0.0.2")
	assert.Contains(t, out, "banned IP 10.0.0.3")
	assert.Contains(t, out, "banned nickname mallory")
	assert.Contains(t, out, "unbanned nickname mallory")
	assert.ElementsMatch(t, []string{"10.0.0.3"}, srv.sessions.BannedIPs())
}

func TestConsoleBadInput(t *testing.T) {
	srv := newConsoleServer(t)

	out := runConsole(srv, "frobnicate\nshutup bob\nshutup bob zero\nkick\n")
	assert.Contains(t, out, `unknown command "frobnicate"`)
	assert.Contains(t, out, "usage: shutup <nick> <minutes>")
	assert.Contains(t, out, "minutes must be a positive integer")
	assert.Contains(t, out, "usage: kick <nick>")
}

func TestConsoleQuitRequestsShutdown(t *testing.T) {
	srv := newConsoleServer(t)

	done := make(chan struct{})
	go func() {
		runConsole(srv, "quit\nlist\n")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not exit on quit")
	}

	select {
	case <-srv.ShutdownRequested():
	default:
		t.Fatal("quit did not request shutdown")
	}
}
