package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mvplite/littlechat/pkg/protocol"
)

// Control-surface errors, shared by the socket admin path, the CLI console
// and the HTTP dashboard.
var (
	ErrTargetOffline   = errors.New("target is not connected")
	ErrNotAnAdmin      = errors.New("target is not an admin")
	ErrIPNotBanned     = errors.New("ip is not banned")
	ErrNotMuted        = errors.New("target is not muted")
	ErrInvalidDuration = errors.New("mute duration must be a positive integer")
)

// SessionInfo is one row of the session listing exposed to the CLI and the
// dashboard.
type SessionInfo struct {
	Nickname string `json:"nickname"`
	IP       string `json:"ip_address"`
	JoinTime string `json:"join_time"`
	IsAdmin  bool   `json:"is_admin"`
	IsMuted  bool   `json:"is_muted"`
}

// handleFrame dispatches one post-handshake frame from a session.
func (s *Server) handleFrame(sess *Session, line string) {
	in := protocol.ParseInbound(line)
	switch in.Kind {
	case protocol.KindProfileRequest:
		s.handleProfileRequest(sess, in.Target)
	case protocol.KindAdminCommand:
		s.handleAdminCommand(sess, in.Command, in.Args)
	default:
		s.handleChat(sess, in.Text)
	}
}

// handleChat relays a chat message, enforcing the sender's mute. A mute
// that lapsed since the last send triggers the expiry broadcast first, then
// the message goes through as normal chat.
func (s *Server) handleChat(sess *Session, text string) {
	status := s.sessions.CheckMute(sess.Nickname)
	switch status.State {
	case MuteActive:
		s.sendError(sess, protocol.MutedErrorText(status.DurationMinutes))
		debugLog.Printf("Muted user %s tried to send a message", sess.Nickname)
		return
	case MuteExpired:
		s.relay.Broadcast(protocol.SystemNotice(sess.Nickname+" 禁言已过期"), uuid.Nil)
	}

	s.relay.Broadcast(protocol.ChatFrame(sess.Nickname, text), sess.ID)
	if s.metrics != nil {
		s.metrics.RecordChatMessage()
	}
}

// handleProfileRequest replies with the target's profile fields or a
// PROFILE_ERROR. Lookups never broadcast.
func (s *Server) handleProfileRequest(sess *Session, target string) {
	found, ok := s.sessions.FindByNickname(target)
	if !ok {
		s.relay.Unicast(sess, protocol.ProfileErrorFrame(protocol.TextProfileNotFound))
		return
	}
	s.relay.Unicast(sess, protocol.ProfileFrame(found.Nickname, found.RemoteIP, found.JoinTime, found.OSVersion))
}

// handleAdminCommand runs one ADMIN_COMMAND frame: permission check,
// self-target check, then the same moderation operation the CLI and HTTP
// surfaces use. Every rejection is exactly one ERROR frame to the issuer.
func (s *Server) handleAdminCommand(sess *Session, cmd, args string) {
	if cmd == "" {
		s.sendError(sess, protocol.TextAdminCmdFormat)
		return
	}
	if !s.sessions.IsAdmin(sess.Nickname) {
		s.sendError(sess, protocol.TextNoPermission)
		debugLog.Printf("Non-admin %s attempted admin command %q", sess.Nickname, cmd)
		return
	}
	// Unknown verbs are rejected before any target checks so the reply
	// names the command, not the target. Validating first also keeps
	// client-supplied junk out of the metric's command label.
	switch cmd {
	case "kick", "op", "unop", "ban", "unban", "shutup", "unshutup":
	default:
		s.sendError(sess, protocol.UnknownCommandText(cmd))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAdminCommand(cmd)
	}

	// First whitespace-separated token of the argument string is the
	// target nickname for every command.
	target := args
	if i := strings.IndexByte(args, ' '); i >= 0 {
		target = args[:i]
	}
	if target == sess.Nickname {
		s.sendError(sess, selfTargetText(cmd))
		return
	}

	switch cmd {
	case "kick":
		// Kicking an offline nickname is a silent no-op on this path;
		// the CLI and HTTP paths report it to the operator instead.
		if err := s.Kick(target); err != nil {
			debugLog.Printf("Admin %s kicked offline nickname %q", sess.Nickname, target)
		}
	case "op":
		s.GrantAdmin(target)
	case "unop":
		if err := s.RevokeAdmin(target); err != nil {
			s.sendError(sess, protocol.TextNotAnAdmin)
		}
	case "ban":
		if _, err := s.BanByNickname(target); err != nil {
			s.sendError(sess, protocol.TextTargetOffline)
		}
	case "unban":
		if err := s.Unban(target); err != nil {
			if errors.Is(err, ErrTargetOffline) {
				s.sendError(sess, protocol.TextTargetOffline)
			} else {
				s.sendError(sess, protocol.TextIPNotBanned)
			}
		}
	case "shutup":
		nick, minutes, err := parseShutupArgs(args)
		if err != nil {
			if errors.Is(err, ErrInvalidDuration) {
				s.sendError(sess, protocol.TextMutePositive)
			} else {
				s.sendError(sess, protocol.TextShutupFormat)
			}
			return
		}
		s.MuteUser(nick, minutes)
	case "unshutup":
		if err := s.UnmuteUser(target); err != nil {
			s.sendError(sess, protocol.TextNotMuted)
		}
	}
}

// selfTargetText picks the per-command rejection for self-targeting.
func selfTargetText(cmd string) string {
	switch cmd {
	case "op":
		return protocol.TextSelfOp
	case "unop":
		return protocol.TextSelfUnop
	case "ban":
		return protocol.TextSelfBan
	case "shutup":
		return protocol.TextSelfShutup
	case "unshutup":
		return protocol.TextSelfUnmute
	default:
		return protocol.TextSelfKick
	}
}

// parseShutupArgs splits "nick minutes" and validates the duration.
func parseShutupArgs(args string) (string, int, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("shutup: expected 2 arguments, got %d", len(fields))
	}
	minutes, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("shutup: bad duration %q: %w", fields[1], err)
	}
	if minutes <= 0 {
		return "", 0, ErrInvalidDuration
	}
	return fields[0], minutes, nil
}

// sendError delivers exactly one ERROR frame to the session.
func (s *Server) sendError(sess *Session, text string) {
	s.relay.Unicast(sess, protocol.ErrorFrame(text))
}

// ===== Control surface =====
//
// The operations below are the single implementation of moderation,
// invoked from the socket frame parser, the CLI console, and the HTTP
// dashboard. State mutations happen inside the registry's short critical
// sections; all broadcast/unicast I/O happens afterwards.

// ListSessions returns the current session table for status displays.
func (s *Server) ListSessions() []SessionInfo {
	sessions := s.sessions.Snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionInfo{
			Nickname: sess.Nickname,
			IP:       sess.RemoteIP,
			JoinTime: sess.JoinTime.Format(protocol.JoinTimeLayout),
			IsAdmin:  s.sessions.IsAdmin(sess.Nickname),
			IsMuted:  s.sessions.IsMuted(sess.Nickname),
		})
	}
	return out
}

// Kick disconnects a session: KICKED notice first, then the close (ordering
// within the target's stream is guaranteed by the write mutex), then the
// system broadcast and refreshed user list. Returns ErrTargetOffline if the
// nickname has no live session.
func (s *Server) Kick(target string) error {
	sess, ok := s.sessions.FindByNickname(target)
	if !ok {
		return ErrTargetOffline
	}

	s.relay.Unicast(sess, protocol.KickedFrame(protocol.TextKicked))
	if s.sessions.Unregister(sess.ID) {
		s.disconnectedTotal.Add(1)
		log.Printf("Kicked %s (%s)", target, sess.RemoteIP)
		s.relay.Broadcast(protocol.SystemNotice(target+" 已被管理员踢出聊天室"), uuid.Nil)
		s.relay.BroadcastUserList()
	}
	return nil
}

// GrantAdmin adds the nickname to the admin set (it need not be connected),
// broadcasts the notice, unicasts OP: to the target if online, and pushes
// the refreshed user list so every client shows the admin marker.
func (s *Server) GrantAdmin(target string) {
	s.sessions.Grant(target)
	log.Printf("Granted admin to %s", target)

	notice := protocol.SystemNotice(target + " 已成为管理员")
	s.relay.Broadcast(notice, uuid.Nil)
	if sess, ok := s.sessions.FindByNickname(target); ok {
		s.relay.Unicast(sess, protocol.OpFrame(notice))
	}
	s.relay.BroadcastUserList()
}

// RevokeAdmin removes the nickname from the admin set; ErrNotAnAdmin if it
// wasn't one. On success: broadcast, UNOP: unicast if online, user list.
func (s *Server) RevokeAdmin(target string) error {
	if !s.sessions.Revoke(target) {
		return ErrNotAnAdmin
	}
	log.Printf("Revoked admin from %s", target)

	notice := protocol.SystemNotice(target + " 已被撤销管理员权限")
	s.relay.Broadcast(notice, uuid.Nil)
	if sess, ok := s.sessions.FindByNickname(target); ok {
		s.relay.Unicast(sess, protocol.UnopFrame(notice))
	}
	s.relay.BroadcastUserList()
	return nil
}

// BanByNickname resolves a connected nickname to its IP, bans the IP, kicks
// the session and broadcasts. The target must be connected (the IP is only
// known through its session); otherwise ErrTargetOffline.
func (s *Server) BanByNickname(target string) (string, error) {
	sess, ok := s.sessions.FindByNickname(target)
	if !ok {
		return "", ErrTargetOffline
	}
	ip := sess.RemoteIP

	s.sessions.BanIP(ip)
	log.Printf("Banned IP %s (user %s)", ip, target)
	s.Kick(target)
	s.relay.Broadcast(protocol.SystemNotice(fmt.Sprintf("用户 %s 的IP %s 已被管理员封禁", target, ip)), uuid.Nil)
	return ip, nil
}

// BanIP bans a literal address directly (dashboard/CLI path; no session
// resolution, no kick).
func (s *Server) BanIP(ip string) {
	s.sessions.BanIP(ip)
	log.Printf("Banned IP %s", ip)
	s.relay.Broadcast(protocol.SystemNotice(fmt.Sprintf("IP %s 已被管理员封禁", ip)), uuid.Nil)
}

// Unban lifts an IP ban. The argument is either a literal IP address or a
// connected nickname to resolve; ErrTargetOffline if it is neither,
// ErrIPNotBanned if the resolved IP wasn't banned.
func (s *Server) Unban(arg string) error {
	ip := arg
	if net.ParseIP(arg) == nil {
		sess, ok := s.sessions.FindByNickname(arg)
		if !ok {
			return ErrTargetOffline
		}
		ip = sess.RemoteIP
	}
	if !s.sessions.UnbanIP(ip) {
		return ErrIPNotBanned
	}
	log.Printf("Unbanned IP %s", ip)
	s.relay.Broadcast(protocol.SystemNotice(fmt.Sprintf("IP %s 已被管理员解除封禁", ip)), uuid.Nil)
	return nil
}

// MuteUser gags a nickname for minutes (overwriting any existing mute),
// broadcasts, and unicasts MUTED: to the target if connected. The nickname
// need not be connected; the mute applies when it reconnects.
func (s *Server) MuteUser(target string, minutes int) error {
	if minutes <= 0 {
		return ErrInvalidDuration
	}
	s.sessions.Mute(target, minutes)
	log.Printf("Muted %s for %d minute(s)", target, minutes)

	notice := protocol.SystemNotice(fmt.Sprintf("%s 已被管理员禁言 %d 分钟", target, minutes))
	s.relay.Broadcast(notice, uuid.Nil)
	if sess, ok := s.sessions.FindByNickname(target); ok {
		s.relay.Unicast(sess, protocol.MutedFrame(notice))
	}
	return nil
}

// UnmuteUser lifts a mute; ErrNotMuted if none exists. On success:
// broadcast plus UNMUTED: unicast if the target is connected.
func (s *Server) UnmuteUser(target string) error {
	if !s.sessions.Unmute(target) {
		return ErrNotMuted
	}
	log.Printf("Unmuted %s", target)

	notice := protocol.SystemNotice(target + " 已被管理员解除禁言")
	s.relay.Broadcast(notice, uuid.Nil)
	if sess, ok := s.sessions.FindByNickname(target); ok {
		s.relay.Unicast(sess, protocol.UnmutedFrame(notice))
	}
	return nil
}

// KickAll kicks every connected session, returning how many were kicked.
func (s *Server) KickAll() int {
	sessions := s.sessions.Snapshot()
	for _, sess := range sessions {
		s.Kick(sess.Nickname)
	}
	return len(sessions)
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
