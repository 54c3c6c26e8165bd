package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboard and chat clients may live on other origins on a LAN
	CheckOrigin: func(r *http.Request) bool { return true },
}

// webRouter builds the dashboard + WebSocket routes.
func (s *Server) webRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleDashboard).Methods("GET")
	r.HandleFunc("/api/status", s.handleAPIStatus).Methods("GET")
	r.HandleFunc("/api/action", s.handleAPIAction).Methods("POST")
	r.HandleFunc("/api/unban", s.handleAPIUnban).Methods("POST")
	r.HandleFunc("/api/unmute", s.handleAPIUnmute).Methods("POST")
	r.HandleFunc("/api/kickall", s.handleAPIKickAll).Methods("POST")
	r.HandleFunc("/api/stop", s.handleAPIStop).Methods("POST")
	r.HandleFunc("/api/config", s.handleAPIConfig).Methods("GET", "POST")
	r.HandleFunc("/ws", s.HandleWebSocket)
	return r
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func apiOK(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: msg})
}

func apiErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Success: false, Message: msg})
}

// handleAPIStatus returns the live state for the dashboard: sessions,
// moderation tables and uptime.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"users":        s.ListSessions(),
		"user_count":   s.sessions.Count(),
		"max_user":     s.config.MaxSessions,
		"banned_ips":   s.sessions.BannedIPs(),
		"muted_users":  s.sessions.MutedUsers(),
		"admin_count":  s.sessions.AdminCount(),
		"disconnected": s.disconnectedTotal.Load(),
		"uptime":       FormatUptime(s.Uptime()),
	})
}

// handleAPIAction dispatches a moderation action against a nickname.
func (s *Server) handleAPIAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action   string `json:"action"`
		Nickname string `json:"nickname"`
		Minutes  int    `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Nickname == "" {
		apiErr(w, http.StatusBadRequest, "nickname is required")
		return
	}

	var err error
	switch req.Action {
	case "kick":
		err = s.Kick(req.Nickname)
	case "ban":
		_, err = s.BanByNickname(req.Nickname)
	case "op":
		s.GrantAdmin(req.Nickname)
	case "unop":
		err = s.RevokeAdmin(req.Nickname)
	case "mute":
		err = s.MuteUser(req.Nickname, req.Minutes)
	default:
		apiErr(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}
	if err != nil {
		apiErr(w, http.StatusConflict, err.Error())
		return
	}
	apiOK(w, req.Action+" ok")
}

func (s *Server) handleAPIUnban(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		apiErr(w, http.StatusBadRequest, "ip is required")
		return
	}
	if err := s.Unban(req.IP); err != nil {
		apiErr(w, http.StatusConflict, err.Error())
		return
	}
	apiOK(w, "unbanned "+req.IP)
}

func (s *Server) handleAPIUnmute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nickname string `json:"nickname"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Nickname == "" {
		apiErr(w, http.StatusBadRequest, "nickname is required")
		return
	}
	if err := s.UnmuteUser(req.Nickname); err != nil {
		apiErr(w, http.StatusConflict, err.Error())
		return
	}
	apiOK(w, "unmuted "+req.Nickname)
}

func (s *Server) handleAPIKickAll(w http.ResponseWriter, r *http.Request) {
	kicked := s.KickAll()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "kicked": kicked})
}

// handleAPIStop requests a graceful shutdown. The response is written
// before the quit channel closes so the dashboard sees the acknowledgment.
func (s *Server) handleAPIStop(w http.ResponseWriter, r *http.Request) {
	apiOK(w, "shutting down")
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.RequestShutdown()
	}()
}

// handleAPIConfig returns the current runtime limits (GET) or persists new
// ones to the config file (POST). Saved values apply on next restart.
func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"max_user":           s.config.MaxSessions,
			"message_size_limit": s.config.MessageSizeLimit,
			"admin_prefix":       s.config.AdminMarker,
		})
		return
	}

	if s.configPath == "" {
		apiErr(w, http.StatusConflict, "config saving is disabled")
		return
	}

	var req struct {
		MaxUser          *int `json:"max_user"`
		MessageSizeLimit *int `json:"message_size_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg, err := LoadConfig(s.configPath)
	if err != nil {
		apiErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.MaxUser != nil && *req.MaxUser > 0 {
		cfg.Server.MaxUser = *req.MaxUser
	}
	if req.MessageSizeLimit != nil && *req.MessageSizeLimit > 0 {
		cfg.Limits.MessageSizeLimit = *req.MessageSizeLimit
	}
	if err := SaveConfig(s.configPath, cfg); err != nil {
		apiErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	apiOK(w, "saved; restart to apply")
}

// handleDashboard serves the admin dashboard page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

// wsFrameConn adapts a WebSocket connection to the frame interface: one
// text message per frame, no newline delimiter needed.
type wsFrameConn struct {
	ws    *websocket.Conn
	limit int
}

func (w *wsFrameConn) ReadFrame() (string, error) {
	w.ws.SetReadLimit(int64(w.limit))
	_, data, err := w.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *wsFrameConn) WriteFrame(frame string) error {
	return w.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (w *wsFrameConn) Close() error {
	return w.ws.Close()
}

func (w *wsFrameConn) RemoteAddr() net.Addr {
	return w.ws.RemoteAddr()
}

func (w *wsFrameConn) SetReadDeadline(t time.Time) error {
	return w.ws.SetReadDeadline(t)
}

// HandleWebSocket upgrades an HTTP request and runs the standard session
// loop over it. WebSocket clients get the exact same handshake, relay and
// moderation semantics as TCP clients.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	debugLog.Printf("WebSocket connection from %s", ws.RemoteAddr())
	s.runSession(&wsFrameConn{ws: ws, limit: s.config.MessageSizeLimit})
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="zh">
<head>
<meta charset="utf-8">
<title>littlechat 管理面板</title>
<style>
body { font-family: sans-serif; margin: 2em; background: #f5f5f5; }
h1 { color: #333; }
table { border-collapse: collapse; background: #fff; margin-bottom: 1em; }
th, td { border: 1px solid #ccc; padding: 6px 12px; }
th { background: #eee; }
button { margin: 2px; }
.danger { color: #fff; background: #c0392b; border: none; padding: 4px 10px; }
#status { margin-bottom: 1em; color: #555; }
</style>
</head>
<body>
<h1>littlechat 管理面板</h1>
<div id="status"></div>
<table id="users">
<thead><tr><th>昵称</th><th>IP</th><th>加入时间</th><th>管理员</th><th>禁言</th><th>操作</th></tr></thead>
<tbody></tbody>
</table>
<h2>封禁的IP</h2>
<ul id="bans"></ul>
<h2>禁言列表</h2>
<ul id="mutes"></ul>
<button class="danger" onclick="kickAll()">踢出所有用户</button>
<button class="danger" onclick="stopServer()">关闭服务器</button>
<script>
async function post(url, body) {
  const r = await fetch(url, {method: 'POST', headers: {'Content-Type': 'application/json'}, body: JSON.stringify(body || {})});
  refresh();
  return r.json();
}
function act(action, nickname, minutes) { return post('/api/action', {action, nickname, minutes}); }
function kickAll() { if (confirm('踢出所有用户？')) post('/api/kickall'); }
function stopServer() { if (confirm('关闭服务器？')) post('/api/stop'); }
async function refresh() {
  const d = await (await fetch('/api/status')).json();
  document.getElementById('status').textContent =
    '在线 ' + d.user_count + '/' + d.max_user + ' · 运行时间 ' + d.uptime;
  const tbody = document.querySelector('#users tbody');
  tbody.innerHTML = '';
  for (const u of d.users) {
    const tr = document.createElement('tr');
    tr.innerHTML = '<td>' + u.nickname + '</td><td>' + u.ip_address + '</td><td>' + u.join_time +
      '</td><td>' + (u.is_admin ? '是' : '') + '</td><td>' + (u.is_muted ? '是' : '') + '</td>' +
      '<td><button onclick="act(\'kick\',\'' + u.nickname + '\')">踢出</button>' +
      '<button onclick="act(\'ban\',\'' + u.nickname + '\')">封禁</button>' +
      '<button onclick="act(\'' + (u.is_admin ? 'unop' : 'op') + '\',\'' + u.nickname + '\')">' + (u.is_admin ? '撤管' : '设管') + '</button>' +
      '<button onclick="act(\'mute\',\'' + u.nickname + '\', 10)">禁言10分钟</button></td>';
    tbody.appendChild(tr);
  }
  const bans = document.getElementById('bans');
  bans.innerHTML = '';
  for (const ip of d.banned_ips || []) {
    const li = document.createElement('li');
    li.innerHTML = ip + ' <button onclick="post(\'/api/unban\', {ip: \'' + ip + '\'})">解封</button>';
    bans.appendChild(li);
  }
  const mutes = document.getElementById('mutes');
  mutes.innerHTML = '';
  for (const m of d.muted_users || []) {
    const li = document.createElement('li');
    li.innerHTML = m.nickname + ' (剩余 ' + m.remaining_seconds + ' 秒) ' +
      '<button onclick="post(\'/api/unmute\', {nickname: \'' + m.nickname + '\'})">解除禁言</button>';
    mutes.appendChild(li);
  }
}
refresh();
setInterval(refresh, 3000);
</script>
</body>
</html>
`
