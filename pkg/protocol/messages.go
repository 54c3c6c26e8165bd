// Package protocol implements the littlechat wire protocol: UTF-8 text
// frames, one per line, with a colon-delimited prefix identifying the
// frame type. Frames without a known prefix are chat messages.
package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Client → server frame prefixes.
const (
	PrefixProfileRequest = "PROFILE_REQUEST:"
	PrefixAdminCommand   = "ADMIN_COMMAND:"
)

// Server → client frame prefixes.
const (
	PrefixSuccess      = "SUCCESS:"
	PrefixError        = "ERROR:"
	PrefixUsersList    = "USERS_LIST:"
	PrefixProfile      = "PROFILE:"
	PrefixProfileError = "PROFILE_ERROR:"
	PrefixKicked       = "KICKED:"
	PrefixMuted        = "MUTED:"
	PrefixUnmuted      = "UNMUTED:"
	PrefixOp           = "OP:"
	PrefixUnop         = "UNOP:"
)

// systemPrefix marks free-text notices relayed to every client.
const systemPrefix = "系统: "

// JoinTimeLayout is the timestamp format used in PROFILE frames.
const JoinTimeLayout = "2006-01-02 15:04:05"

// User-facing message texts. Clients match on the prefix only; the text is
// display-only, but existing clients show it verbatim so the wording is
// frozen.
const (
	TextConnectOK       = "连接成功"
	TextIPBanned        = "您的IP已被封禁，无法连接"
	TextNicknameBanned  = "您已被封禁，无法连接"
	TextNicknameTaken   = "昵称已被使用，请选择其他昵称"
	TextServerFull      = "服务器已满，请稍后再试"
	TextKicked          = "你已被管理员踢出聊天室"
	TextNoPermission    = "您没有权限执行此命令"
	TextProfileNotFound = "用户不存在"
	TextNotAnAdmin      = "该用户不是管理员"
	TextIPNotBanned     = "该IP未被封禁"
	TextNotMuted        = "该用户未被禁言"
	TextTargetOffline   = "找不到用户或其IP地址"
	TextMutePositive    = "禁言时长必须大于0"
	TextShutupFormat    = "命令格式错误: /shutup <用户名> <时间（分钟）>"
	TextAdminCmdFormat  = "命令格式错误: ADMIN_COMMAND:<命令>:<参数>"
	TextEmptyNickname   = "昵称不能为空"
)

// Self-targeting rejections, one distinct message per admin command.
const (
	TextSelfKick   = "您不能对自己执行此操作"
	TextSelfOp     = "您已经是管理员"
	TextSelfUnop   = "您不能撤销自己的管理员权限"
	TextSelfBan    = "您不能封禁自己"
	TextSelfShutup = "您不能禁言自己"
	TextSelfUnmute = "您不能解除自己的禁言"
)

// FrameKind classifies an inbound post-handshake frame.
type FrameKind int

const (
	// KindChat is any frame without a recognized prefix.
	KindChat FrameKind = iota
	KindProfileRequest
	KindAdminCommand
)

// Inbound is a parsed client frame.
type Inbound struct {
	Kind    FrameKind
	Text    string // chat text (KindChat)
	Target  string // requested nickname (KindProfileRequest)
	Command string // admin command verb, lowercased (KindAdminCommand)
	Args    string // admin command argument string (KindAdminCommand)
}

// ParseInbound classifies one client frame. An ADMIN_COMMAND frame missing
// its second colon yields KindAdminCommand with an empty Command, which the
// dispatcher reports as a format error.
func ParseInbound(line string) Inbound {
	switch {
	case strings.HasPrefix(line, PrefixProfileRequest):
		return Inbound{
			Kind:   KindProfileRequest,
			Target: strings.TrimSpace(strings.TrimPrefix(line, PrefixProfileRequest)),
		}
	case strings.HasPrefix(line, PrefixAdminCommand):
		rest := strings.TrimPrefix(line, PrefixAdminCommand)
		cmd, args, ok := strings.Cut(rest, ":")
		if !ok {
			return Inbound{Kind: KindAdminCommand}
		}
		return Inbound{
			Kind:    KindAdminCommand,
			Command: strings.ToLower(strings.TrimSpace(cmd)),
			Args:    strings.TrimSpace(args),
		}
	default:
		return Inbound{Kind: KindChat, Text: line}
	}
}

// SuccessFrame builds the handshake acceptance reply.
func SuccessFrame(text string) string { return PrefixSuccess + text }

// ErrorFrame builds a rejection reply.
func ErrorFrame(text string) string { return PrefixError + text }

// SystemNotice builds a free-text broadcast notice.
func SystemNotice(text string) string { return systemPrefix + text }

// ChatFrame builds a relayed chat message.
func ChatFrame(nickname, text string) string { return nickname + ": " + text }

// UserListFrame builds the online-user listing. Names appear in registry
// insertion order; admin names carry the configured marker prefix.
func UserListFrame(names []string) string {
	return PrefixUsersList + strings.Join(names, ",")
}

// ProfileFrame builds a profile reply: nickname|ip|joinTime|osVersion.
func ProfileFrame(nickname, ip string, joinTime time.Time, osVersion string) string {
	return fmt.Sprintf("%s%s|%s|%s|%s",
		PrefixProfile, nickname, ip, joinTime.Format(JoinTimeLayout), osVersion)
}

// ProfileErrorFrame builds a profile lookup failure reply.
func ProfileErrorFrame(text string) string { return PrefixProfileError + text }

// KickedFrame builds the targeted kick notice sent before closing the
// target's connection.
func KickedFrame(text string) string { return PrefixKicked + text }

// MutedFrame builds the targeted mute notice.
func MutedFrame(text string) string { return PrefixMuted + text }

// UnmutedFrame builds the targeted unmute notice.
func UnmutedFrame(text string) string { return PrefixUnmuted + text }

// OpFrame builds the targeted admin-granted notice (clients unlock their
// admin UI on receipt).
func OpFrame(text string) string { return PrefixOp + text }

// UnopFrame builds the targeted admin-revoked notice.
func UnopFrame(text string) string { return PrefixUnop + text }

// MutedErrorText formats the rejection for a muted sender.
func MutedErrorText(minutes int) string {
	return fmt.Sprintf("您已被禁言 %d 分钟，无法发送消息", minutes)
}

// UnknownCommandText formats the rejection for an unrecognized admin command.
func UnknownCommandText(cmd string) string {
	return fmt.Sprintf("不支持的命令: %s", cmd)
}
