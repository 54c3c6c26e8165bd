package server

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const consoleHelp = `Available commands:
  help                    show this help
  status                  show uptime and counts
  list                    list connected users
  op <nick>               grant admin
  unop <nick>             revoke admin
  kick <nick>             disconnect a user
  ban <nick>              ban a connected user's IP and kick them
  banip <ip>              ban an IP address directly
  bannick <nick>          ban a nickname
  unban <ip|nick>         lift an IP ban
  unbannick <nick>        lift a nickname ban
  shutup <nick> <min>     mute a user for N minutes
  unshutup <nick>         unmute a user
  kickall                 kick every connected user
  quit | exit | stop      shut the server down`

// RunConsole reads operator commands line by line until EOF or a shutdown
// command. Output goes to w (normally stdout).
func (s *Server) RunConsole(r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "help":
			fmt.Fprintln(w, consoleHelp)

		case "status":
			fmt.Fprintf(w, "uptime %s, %d online (max %d), %d admin(s), %d banned IP(s), %d muted\n",
				FormatUptime(s.Uptime()), s.sessions.Count(), s.config.MaxSessions,
				s.sessions.AdminCount(), len(s.sessions.BannedIPs()), len(s.sessions.MutedUsers()))

		case "list":
			users := s.ListSessions()
			if len(users) == 0 {
				fmt.Fprintln(w, "no users connected")
				continue
			}
			for _, u := range users {
				flags := ""
				if u.IsAdmin {
					flags += " [admin]"
				}
				if u.IsMuted {
					flags += " [muted]"
				}
				fmt.Fprintf(w, "%s  %s  joined %s%s\n", u.Nickname, u.IP, u.JoinTime, flags)
			}

		case "op":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: op <nick>")
				continue
			}
			s.GrantAdmin(args[0])
			fmt.Fprintf(w, "%s is now an admin\n", args[0])

		case "unop":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: unop <nick>")
				continue
			}
			if err := s.RevokeAdmin(args[0]); err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(w, "%s is no longer an admin\n", args[0])

		case "kick":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: kick <nick>")
				continue
			}
			if err := s.Kick(args[0]); err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(w, "kicked %s\n", args[0])

		case "ban":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: ban <nick>")
				continue
			}
			ip, err := s.BanByNickname(args[0])
			if err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(w, "banned %s (%s)\n", args[0], ip)

		case "banip":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: banip <ip>")
				continue
			}
			s.BanIP(args[0])
			fmt.Fprintf(w, "banned IP %s\n", args[0])

		case "bannick":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: bannick <nick>")
				continue
			}
			s.sessions.BanNickname(args[0])
			fmt.Fprintf(w, "banned nickname %s\n", args[0])

		case "unban":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: unban <ip|nick>")
				continue
			}
			if err := s.Unban(args[0]); err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(w, "unbanned %s\n", args[0])

		case "unbannick":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: unbannick <nick>")
				continue
			}
			if !s.sessions.UnbanNickname(args[0]) {
				fmt.Fprintf(w, "nickname %s is not banned\n", args[0])
				continue
			}
			fmt.Fprintf(w, "unbanned nickname %s\n", args[0])

		case "shutup":
			if len(args) != 2 {
				fmt.Fprintln(w, "usage: shutup <nick> <minutes>")
				continue
			}
			minutes, err := strconv.Atoi(args[1])
			if err != nil || minutes <= 0 {
				fmt.Fprintln(w, "minutes must be a positive integer")
				continue
			}
			s.MuteUser(args[0], minutes)
			fmt.Fprintf(w, "muted %s for %d minute(s)\n", args[0], minutes)

		case "unshutup":
			if len(args) != 1 {
				fmt.Fprintln(w, "usage: unshutup <nick>")
				continue
			}
			if err := s.UnmuteUser(args[0]); err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(w, "unmuted %s\n", args[0])

		case "kickall":
			fmt.Fprintf(w, "kicked %d user(s)\n", s.KickAll())

		case "quit", "exit", "stop":
			s.RequestShutdown()
			return

		default:
			fmt.Fprintf(w, "unknown command %q (try help)\n", cmd)
		}
	}
}
