package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mvplite/littlechat/pkg/server"
)

func defaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "littlechat", "server.toml")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "littlechat-server.toml"
	}
	return filepath.Join(homeDir, ".config", "littlechat", "server.toml")
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	port := flag.Int("port", 0, "override chat port")
	webPort := flag.Int("web-port", -1, "override dashboard port (0 disables)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	tomlCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := tomlCfg.ToServerConfig()
	if *port != 0 {
		cfg.ChatPort = *port
	}
	if *webPort >= 0 {
		cfg.WebPort = *webPort
	}

	srv, err := server.NewServer(cfg, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	go srv.RunConsole(os.Stdin, os.Stdout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down", sig)
	case <-srv.ShutdownRequested():
		log.Println("Shutdown requested, shutting down")
	}

	srv.Stop()
}
