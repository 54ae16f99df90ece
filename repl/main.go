// Command quill-repl is an interactive test client for quill suggestions
// and chat. It reads raw key presses from the terminal, feeds them to the
// same debouncer the daemon uses, shows the previewed candidate as ghost
// text and writes every finished exchange to stdout as TOML.
//
// Keys: Tab accepts (or requests a suggestion), Ctrl-N/Ctrl-P cycle
// candidates, Esc dismisses, Ctrl-C/Ctrl-D quit.
//
// Usage:
//
//	./quill-repl             # interactive, TOML on screen
//	./quill-repl > log.toml  # UI on the terminal, TOML to file
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/Paranoid-AF/quill/generate"
)

func main() {
	verbose := flag.Bool("verbose", false, "log debug output to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	terminal, err := NewTerminal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer terminal.Close()

	tty := terminal.Tty()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(tty, "error: cannot determine cwd: %v\r\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(tty, "\033[2J\033[H") // clear screen
	fmt.Fprintf(tty, "quill repl\r\n")
	fmt.Fprintf(tty, "cwd: %s\r\n", cwd)
	fmt.Fprintf(tty, "\r\ncommands:\r\n")
	fmt.Fprintf(tty, "  :chat <text>       ask a question\r\n")
	fmt.Fprintf(tty, "  :<prompt> [text]   run a prompt (explain, fix, tests, ...) on the buffer\r\n")
	fmt.Fprintf(tty, "  :new               archive the conversation\r\n")
	fmt.Fprintf(tty, "  :resume            resume the latest conversation\r\n")
	fmt.Fprintf(tty, "  :lang <language>   set the buffer language\r\n")
	fmt.Fprintf(tty, "  :cwd <path>        set working directory\r\n")
	fmt.Fprintf(tty, "  :clear             empty the buffer\r\n")
	fmt.Fprintf(tty, "  :quit              exit\r\n\r\n")

	engine := generate.NewEngine()
	defer engine.Close()

	engine.WarmContext(context.Background(), cwd)

	// stdout writer: converts \n → \r\n when stdout is a terminal (raw mode),
	// passes \n through unchanged when redirected to a file.
	out := termWriter(os.Stdout)

	session := NewSession(engine, tty, out, cwd)
	session.Run(context.Background(), terminal.Keys())
}
