package main

import (
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"golang.org/x/term"
)

// escTimeout separates a lone Esc key press from the start of an escape
// sequence.
const escTimeout = 50 * time.Millisecond

// KeyKind identifies a decoded key press.
type KeyKind int

const (
	KeyRune KeyKind = iota
	KeyEnter
	KeyBackspace
	KeyDelete
	KeyLeft
	KeyRight
	KeyHome
	KeyEnd
	KeyTab
	KeyEsc
	KeyNext     // Ctrl-N
	KeyPrevious // Ctrl-P
	KeyClearLine
	KeyInterrupt // Ctrl-C
	KeyEOF       // Ctrl-D
)

// Key is one key press.
type Key struct {
	Kind KeyKind
	Rune rune
}

// Terminal reads raw key presses from /dev/tty so it works even when stdout
// is redirected.
type Terminal struct {
	tty      *os.File
	oldState *term.State
}

// NewTerminal opens /dev/tty and switches to raw mode.
func NewTerminal() (*Terminal, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/tty: %w", err)
	}

	old, err := term.MakeRaw(int(tty.Fd()))
	if err != nil {
		tty.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	return &Terminal{tty: tty, oldState: old}, nil
}

// Close restores terminal state and closes the tty fd.
func (t *Terminal) Close() {
	term.Restore(int(t.tty.Fd()), t.oldState)
	t.tty.Close()
}

// Tty returns the tty file for writing prompts/UI.
func (t *Terminal) Tty() *os.File {
	return t.tty
}

// Keys starts reading the terminal and returns the decoded key presses.
// The channel is closed when reading fails.
func (t *Terminal) Keys() <-chan Key {
	raw := make(chan byte, 64)
	go func() {
		defer close(raw)
		var b [64]byte
		for {
			n, err := t.tty.Read(b[:])
			for _, c := range b[:n] {
				raw <- c
			}
			if err != nil {
				return
			}
		}
	}()
	keys := make(chan Key, 16)
	go decodeKeys(raw, keys, escTimeout)
	return keys
}

// decodeKeys turns raw terminal bytes into key presses. It closes out when
// in is closed.
func decodeKeys(in <-chan byte, out chan<- Key, escWait time.Duration) {
	defer close(out)

	// next returns the following byte if it arrives within wait.
	next := func(wait time.Duration) (byte, bool) {
		if wait <= 0 {
			c, ok := <-in
			return c, ok
		}
		select {
		case c, ok := <-in:
			return c, ok
		case <-time.After(wait):
			return 0, false
		}
	}

	for {
		b, ok := <-in
		if !ok {
			return
		}

		switch b {
		case 3:
			out <- Key{Kind: KeyInterrupt}
		case 4:
			out <- Key{Kind: KeyEOF}
		case 13, 10:
			out <- Key{Kind: KeyEnter}
		case 127, 8:
			out <- Key{Kind: KeyBackspace}
		case 9:
			out <- Key{Kind: KeyTab}
		case 1: // Ctrl-A
			out <- Key{Kind: KeyHome}
		case 5: // Ctrl-E
			out <- Key{Kind: KeyEnd}
		case 14:
			out <- Key{Kind: KeyNext}
		case 16:
			out <- Key{Kind: KeyPrevious}
		case 21: // Ctrl-U
			out <- Key{Kind: KeyClearLine}

		case 27:
			c, ok := next(escWait)
			if !ok || c != '[' {
				out <- Key{Kind: KeyEsc}
				continue
			}
			c, ok = next(escWait)
			if !ok {
				out <- Key{Kind: KeyEsc}
				continue
			}
			switch c {
			case 'D':
				out <- Key{Kind: KeyLeft}
			case 'C':
				out <- Key{Kind: KeyRight}
			case 'H':
				out <- Key{Kind: KeyHome}
			case 'F':
				out <- Key{Kind: KeyEnd}
			case '3': // \x1b[3~
				next(escWait)
				out <- Key{Kind: KeyDelete}
			case '1': // \x1b[1~
				next(escWait)
				out <- Key{Kind: KeyHome}
			case '4': // \x1b[4~
				next(escWait)
				out <- Key{Kind: KeyEnd}
			}

		default:
			if b < 32 {
				continue
			}
			// Determine full UTF-8 sequence length
			seq := []byte{b}
			for i := 1; i < utf8RuneLen(b); i++ {
				c, ok := next(0)
				if !ok {
					return
				}
				seq = append(seq, c)
			}
			r, _ := utf8.DecodeRune(seq)
			out <- Key{Kind: KeyRune, Rune: r}
		}
	}
}

// utf8RuneLen returns the expected byte length of a UTF-8 sequence
// from its leading byte.
func utf8RuneLen(lead byte) int {
	if lead < 0xC0 {
		return 1
	}
	if lead < 0xE0 {
		return 2
	}
	if lead < 0xF0 {
		return 3
	}
	return 4
}
