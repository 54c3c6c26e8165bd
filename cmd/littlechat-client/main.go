// Command littlechat-client is a minimal line-mode chat client, mainly for
// poking at a running server from a terminal.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
)

func main() {
	addr := flag.String("addr", "localhost:7891", "server address")
	nick := flag.String("nick", "", "nickname (required)")
	flag.Parse()

	if *nick == "" {
		fmt.Fprintln(os.Stderr, "usage: littlechat-client --nick <name> [--addr host:port]")
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", *nick); err != nil {
		fmt.Fprintf(os.Stderr, "Handshake failed: %v\n", err)
		os.Exit(1)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "Handshake failed: %v\n", err)
		os.Exit(1)
	}
	reply = strings.TrimRight(reply, "\r\n")
	if !strings.HasPrefix(reply, "SUCCESS:") {
		fmt.Fprintf(os.Stderr, "Rejected: %s\n", strings.TrimPrefix(reply, "ERROR:"))
		os.Exit(1)
	}
	fmt.Println(strings.TrimPrefix(reply, "SUCCESS:"))

	// Receiver: everything the server sends, as-is
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
		fmt.Println("Disconnected from server")
		os.Exit(0)
	}()

	// Sender: stdin lines become frames
	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		line := stdin.Text()
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
			fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
			return
		}
	}
}
