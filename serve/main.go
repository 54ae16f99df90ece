// Command quilld is the quill daemon.
// It listens on a Unix domain socket for editor connections, runs inline
// suggestions and chat turns against the configured model, and streams the
// results back as JSON lines.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	quill "github.com/Paranoid-AF/quill"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log every request and response to stderr")
	watch := flag.Bool("watch", true, "reload the engine when config files change")
	flag.Parse()

	if *showVersion {
		fmt.Println("quilld", Version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	socketPath := resolveSocketPath()

	slog.Info("starting", "socket", socketPath)

	srv, err := NewServer(socketPath)
	if err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	if *watch {
		if err := srv.WatchConfig(quill.ConfigPath(), quill.ModelsPath(), quill.PromptPath()); err != nil {
			slog.Warn("config hot reload disabled", "dir", quill.ConfigDir(), "error", err)
		}
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("shutting down")
		srv.Close()
		os.Exit(0)
	}()

	slog.Info("ready")
	if err := srv.Serve(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func resolveSocketPath() string {
	if path := os.Getenv("QUILL_SOCKET"); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "quill.sock")
	}
	return fmt.Sprintf("/tmp/quill-%d.sock", os.Getuid())
}
