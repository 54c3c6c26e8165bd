package server

import "time"

// MuteState is the outcome of a mute-table lookup.
type MuteState int

const (
	// MuteNone: nickname is not muted.
	MuteNone MuteState = iota
	// MuteActive: mute is in effect.
	MuteActive
	// MuteExpired: the mute lapsed since the last lookup. One-shot - the
	// lookup removes the entry, so the caller must emit the expiry notice;
	// subsequent lookups return MuteNone.
	MuteExpired
)

// MuteStatus describes a nickname's mute at lookup time.
type MuteStatus struct {
	State            MuteState
	DurationMinutes  int
	RemainingSeconds int
}

// MutedUser is a mute-table row for status listings.
type MutedUser struct {
	Nickname         string `json:"nickname"`
	DurationMinutes  int    `json:"duration"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// IsAdmin reports whether a nickname holds admin rights. Admin status is
// keyed by nickname, not session: it survives a disconnect/reconnect.
func (sm *SessionManager) IsAdmin(nickname string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	_, ok := sm.admins[nickname]
	return ok
}

// Grant adds a nickname to the admin set. Granting an existing admin is a
// no-op (no duplicate side effects).
func (sm *SessionManager) Grant(nickname string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.admins[nickname] = struct{}{}
}

// Revoke removes a nickname from the admin set, reporting whether it was
// actually an admin.
func (sm *SessionManager) Revoke(nickname string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.admins[nickname]; !ok {
		return false
	}
	delete(sm.admins, nickname)
	return true
}

// AdminCount returns the size of the admin set.
func (sm *SessionManager) AdminCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.admins)
}

// BanIP adds an address to the IP ban set. Bans are keyed by IP, not
// nickname: they apply to reconnect attempts under any nickname.
func (sm *SessionManager) BanIP(ip string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.bannedIPs[ip] = struct{}{}
}

// UnbanIP removes an address from the ban set, reporting whether it was
// banned.
func (sm *SessionManager) UnbanIP(ip string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.bannedIPs[ip]; !ok {
		return false
	}
	delete(sm.bannedIPs, ip)
	return true
}

// BannedIPs returns a copy of the IP ban set.
func (sm *SessionManager) BannedIPs() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make([]string, 0, len(sm.bannedIPs))
	for ip := range sm.bannedIPs {
		out = append(out, ip)
	}
	return out
}

// BanNickname adds a nickname to the legacy nickname ban set, checked at
// handshake alongside the IP ban set.
func (sm *SessionManager) BanNickname(nickname string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.bannedNicks[nickname] = struct{}{}
}

// UnbanNickname removes a nickname ban, reporting whether it existed.
func (sm *SessionManager) UnbanNickname(nickname string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.bannedNicks[nickname]; !ok {
		return false
	}
	delete(sm.bannedNicks, nickname)
	return true
}

// Mute gags a nickname for the given number of minutes, overwriting any
// existing mute with a fresh start time.
func (sm *SessionManager) Mute(nickname string, minutes int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.mutes[nickname] = muteEntry{start: sm.now(), minutes: minutes}
}

// Unmute lifts a mute, reporting whether one existed (expired or not).
func (sm *SessionManager) Unmute(nickname string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.mutes[nickname]; !ok {
		return false
	}
	delete(sm.mutes, nickname)
	return true
}

// IsMuted reports whether a nickname's mute is currently active. Unlike
// CheckMute it never consumes a pending expiry, so status listings can poll
// it freely without eating the expiry notice owed to the send path.
func (sm *SessionManager) IsMuted(nickname string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	entry, ok := sm.mutes[nickname]
	if !ok {
		return false
	}
	return sm.now().Sub(entry.start) < time.Duration(entry.minutes)*time.Minute
}

// CheckMute looks up a nickname's mute. Expiry is detected lazily here, on
// the send path, rather than by a background timer: the first lookup after
// the mute lapses removes the entry and returns MuteExpired exactly once.
func (sm *SessionManager) CheckMute(nickname string) MuteStatus {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	entry, ok := sm.mutes[nickname]
	if !ok {
		return MuteStatus{State: MuteNone}
	}

	total := time.Duration(entry.minutes) * time.Minute
	elapsed := sm.now().Sub(entry.start)
	if elapsed < total {
		return MuteStatus{
			State:            MuteActive,
			DurationMinutes:  entry.minutes,
			RemainingSeconds: int((total - elapsed).Seconds()),
		}
	}

	delete(sm.mutes, nickname)
	return MuteStatus{State: MuteExpired, DurationMinutes: entry.minutes}
}

// MutedUsers returns all currently active mutes with their remaining time.
// Expired entries are skipped but left in place for the send path to
// consume (the expiry broadcast belongs to CheckMute).
func (sm *SessionManager) MutedUsers() []MutedUser {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make([]MutedUser, 0, len(sm.mutes))
	for nick, entry := range sm.mutes {
		total := time.Duration(entry.minutes) * time.Minute
		remaining := total - sm.now().Sub(entry.start)
		if remaining <= 0 {
			continue
		}
		out = append(out, MutedUser{
			Nickname:         nick,
			DurationMinutes:  entry.minutes,
			RemainingSeconds: int(remaining.Seconds()),
		})
	}
	return out
}
