package server

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvplite/littlechat/pkg/protocol"
)

// startTestServer runs a server on an ephemeral port with the web and
// metrics listeners disabled.
func startTestServer(t *testing.T, mutate func(*ServerConfig)) *Server {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.ChatPort = 0
	cfg.WebPort = 0
	cfg.MetricsPort = 0
	cfg.AcceptTimeout = 50 * time.Millisecond
	cfg.HandshakeTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg, "")
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// testClient is a raw line-protocol chat client for journey tests.
type testClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dialClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readFrame() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.br.ReadString('\n')
	require.NoError(c.t, err, "expected a frame")
	return strings.TrimRight(line, "\r\n")
}

// expectPrefix reads frames until one starts with prefix, returning it.
// Intervening frames (user lists, notices) are skipped.
func (c *testClient) expectPrefix(prefix string) string {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := c.readFrame()
		if strings.HasPrefix(frame, prefix) {
			return frame
		}
	}
	c.t.Fatalf("no frame with prefix %q before deadline", prefix)
	return ""
}

// expectClosed asserts the server closes the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := c.br.ReadString('\n'); err != nil {
			return
		}
	}
}

// join performs the handshake and requires acceptance.
func (c *testClient) join(nickname string) {
	c.t.Helper()
	c.send(nickname)
	frame := c.readFrame()
	require.Equal(c.t, protocol.SuccessFrame(protocol.TextConnectOK), frame)
}

func TestJourneyChatRelay(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialClient(t, srv)
	alice.join("alice")

	bob := dialClient(t, srv)
	bob.join("bob")

	// Alice sees bob's arrival and the refreshed listing
	assert.Equal(t, protocol.SystemNotice("bob 加入了聊天室"), alice.expectPrefix("系统:"))
	assert.Equal(t, "USERS_LIST:alice,bob", alice.expectPrefix("USERS_LIST:"))
	// Bob's first frame after SUCCESS is the listing; the join notice
	// excluded him
	assert.Equal(t, "USERS_LIST:alice,bob", bob.expectPrefix("USERS_LIST:"))

	// Chat goes to bob but never echoes back to alice
	alice.send("hello bob")
	assert.Equal(t, "alice: hello bob", bob.expectPrefix("alice:"))

	bob.send("hi alice")
	assert.Equal(t, "bob: hi alice", alice.expectPrefix("bob:"))

	// Departure broadcasts to the survivors
	bob.conn.Close()
	assert.Equal(t, protocol.SystemNotice("bob 离开了聊天室"), alice.expectPrefix("系统:"))
	assert.Equal(t, "USERS_LIST:alice", alice.expectPrefix("USERS_LIST:"))
}

func TestJourneyHandshakeRejections(t *testing.T) {
	srv := startTestServer(t, func(cfg *ServerConfig) { cfg.MaxSessions = 2 })

	alice := dialClient(t, srv)
	alice.join("alice")

	// Duplicate nickname
	dup := dialClient(t, srv)
	dup.send("alice")
	assert.Equal(t, protocol.ErrorFrame(protocol.TextNicknameTaken), dup.readFrame())
	dup.expectClosed()

	// Empty nickname
	empty := dialClient(t, srv)
	empty.send("   ")
	assert.Equal(t, protocol.ErrorFrame(protocol.TextEmptyNickname), empty.readFrame())
	empty.expectClosed()

	// Capacity: a rejected handshake above did not consume a slot
	bob := dialClient(t, srv)
	bob.join("bob")

	full := dialClient(t, srv)
	full.send("carol")
	assert.Equal(t, protocol.ErrorFrame(protocol.TextServerFull), full.readFrame())
	full.expectClosed()
}

func TestJourneyKick(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialClient(t, srv)
	alice.join("alice")
	bob := dialClient(t, srv)
	bob.join("bob")
	alice.expectPrefix("USERS_LIST:")

	require.NoError(t, srv.Kick("bob"))

	// Target receives the KICKED notice before the close
	assert.Equal(t, protocol.KickedFrame(protocol.TextKicked), bob.expectPrefix("KICKED:"))
	bob.expectClosed()

	// Survivors see the broadcast and the shrunken listing
	assert.Equal(t, protocol.SystemNotice("bob 已被管理员踢出聊天室"), alice.expectPrefix("系统:"))
	assert.Equal(t, "USERS_LIST:alice", alice.expectPrefix("USERS_LIST:"))

	assert.ErrorIs(t, srv.Kick("bob"), ErrTargetOffline)
}

func TestJourneyBanAndReconnect(t *testing.T) {
	srv := startTestServer(t, nil)

	bob := dialClient(t, srv)
	bob.join("bob")

	_, err := srv.BanByNickname("bob")
	require.NoError(t, err)
	bob.expectPrefix("KICKED:")
	bob.expectClosed()

	// Reconnecting from the banned IP fails even under a fresh nickname
	again := dialClient(t, srv)
	again.send("totally-not-bob")
	assert.Equal(t, protocol.ErrorFrame(protocol.TextIPBanned), again.readFrame())
	again.expectClosed()

	// After unban the IP is welcome again
	require.NoError(t, srv.Unban("127.0.0.1"))
	back := dialClient(t, srv)
	back.join("bob")
}

func TestJourneyMute(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialClient(t, srv)
	alice.join("alice")
	bob := dialClient(t, srv)
	bob.join("bob")
	alice.expectPrefix("USERS_LIST:")

	require.NoError(t, srv.MuteUser("bob", 10))
	assert.Equal(t,
		protocol.MutedFrame(protocol.SystemNotice("bob 已被管理员禁言 10 分钟")),
		bob.expectPrefix("MUTED:"))

	// The muted sender gets an error; nothing reaches alice
	bob.send("can you hear me")
	assert.Equal(t, protocol.ErrorFrame(protocol.MutedErrorText(10)), bob.expectPrefix("ERROR:"))

	require.NoError(t, srv.UnmuteUser("bob"))
	bob.expectPrefix("UNMUTED:")

	bob.send("now you can")
	assert.Equal(t, "bob: now you can", alice.expectPrefix("bob:"))

	assert.ErrorIs(t, srv.UnmuteUser("bob"), ErrNotMuted)
}

func TestJourneySocketAdminCommands(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialClient(t, srv)
	alice.join("alice")
	bob := dialClient(t, srv)
	bob.join("bob")

	// Without admin rights every command is rejected
	bob.send("ADMIN_COMMAND:kick:alice")
	assert.Equal(t, protocol.ErrorFrame(protocol.TextNoPermission), bob.expectPrefix("ERROR:"))

	srv.GrantAdmin("alice")
	assert.Equal(t,
		protocol.OpFrame(protocol.SystemNotice("alice 已成为管理员")),
		alice.expectPrefix("OP:"))

	// Self-targeting is rejected per command
	alice.send("ADMIN_COMMAND:kick:alice")
	assert.Equal(t, protocol.ErrorFrame(protocol.TextSelfKick), alice.expectPrefix("ERROR:"))

	// Malformed frame
	alice.send("ADMIN_COMMAND:kick")
	assert.Equal(t, protocol.ErrorFrame(protocol.TextAdminCmdFormat), alice.expectPrefix("ERROR:"))

	// Unknown verbs are named in the reply even when the argument happens
	// to be the sender's own nickname
	alice.send("ADMIN_COMMAND:frobnicate:alice")
	assert.Equal(t, protocol.ErrorFrame(protocol.UnknownCommandText("frobnicate")), alice.expectPrefix("ERROR:"))

	// unban distinguishes "no such user" from "IP not banned"
	alice.send("ADMIN_COMMAND:unban:ghost")
	assert.Equal(t, protocol.ErrorFrame(protocol.TextTargetOffline), alice.expectPrefix("ERROR:"))
	alice.send("ADMIN_COMMAND:unban:10.9.9.9")
	assert.Equal(t, protocol.ErrorFrame(protocol.TextIPNotBanned), alice.expectPrefix("ERROR:"))

	// A real kick goes through the same path as the CLI and dashboard
	alice.send("ADMIN_COMMAND:kick:bob")
	bob.expectPrefix("KICKED:")
	bob.expectClosed()
	assert.Equal(t, "USERS_LIST:ADMIN：alice", alice.expectPrefix("USERS_LIST:"))
}

func TestJourneyProfileRequest(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialClient(t, srv)
	alice.join("alice")
	bob := dialClient(t, srv)
	bob.join("bob")

	alice.send("PROFILE_REQUEST:bob")
	frame := alice.expectPrefix("PROFILE:")
	parts := strings.Split(strings.TrimPrefix(frame, "PROFILE:"), "|")
	require.Len(t, parts, 4)
	assert.Equal(t, "bob", parts[0])
	assert.Equal(t, "127.0.0.1", parts[1])
	assert.Equal(t, "未知", parts[3])

	alice.send("PROFILE_REQUEST:ghost")
	assert.Equal(t,
		protocol.ProfileErrorFrame(protocol.TextProfileNotFound),
		alice.expectPrefix("PROFILE_ERROR:"))
}

func TestJourneyOversizedFrameDisconnects(t *testing.T) {
	srv := startTestServer(t, func(cfg *ServerConfig) { cfg.MessageSizeLimit = 64 })

	alice := dialClient(t, srv)
	alice.join("alice")

	alice.send(strings.Repeat("x", 200))
	alice.expectClosed()
}

func TestJourneyWebSocketTransport(t *testing.T) {
	srv := startTestServer(t, nil)
	web := httptest.NewServer(srv.webRouter())
	t.Cleanup(web.Close)

	// A TCP client and a WebSocket client share the same room
	alice := dialClient(t, srv)
	alice.join("alice")

	wsURL := "ws" + strings.TrimPrefix(web.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })

	readWS := func() string {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("webby")))
	assert.Equal(t, protocol.SuccessFrame(protocol.TextConnectOK), readWS())
	assert.Equal(t, "USERS_LIST:alice,webby", readWS())

	// TCP → WS
	alice.send("hello from tcp")
	for {
		frame := readWS()
		if strings.HasPrefix(frame, "alice:") {
			assert.Equal(t, "alice: hello from tcp", frame)
			break
		}
	}

	// WS → TCP
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello from ws")))
	assert.Equal(t, "webby: hello from ws", alice.expectPrefix("webby:"))
}

func TestJourneyGracefulShutdown(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.ChatPort = 0
	cfg.WebPort = 0
	cfg.MetricsPort = 0
	cfg.AcceptTimeout = 50 * time.Millisecond

	srv, err := NewServer(cfg, "")
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	alice := dialClient(t, srv)
	alice.join("alice")

	require.NoError(t, srv.Stop())
	alice.expectClosed()

	// The port is released
	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestMetricsEndpointServes(t *testing.T) {
	srv := startTestServer(t, nil)

	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.metrics.Handler())
	web := httptest.NewServer(mux)
	t.Cleanup(web.Close)

	alice := dialClient(t, srv)
	alice.join("alice")

	resp, err := http.Get(web.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
