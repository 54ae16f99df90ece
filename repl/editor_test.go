package main

import (
	"testing"
	"time"
)

func decodeAll(t *testing.T, input string) []Key {
	t.Helper()
	in := make(chan byte, len(input))
	for i := 0; i < len(input); i++ {
		in <- input[i]
	}
	close(in)

	out := make(chan Key, 64)
	done := make(chan struct{})
	go func() {
		decodeKeys(in, out, 10*time.Millisecond)
		close(done)
	}()

	var keys []Key
	timeout := time.After(5 * time.Second)
	for {
		select {
		case k, ok := <-out:
			if !ok {
				<-done
				return keys
			}
			keys = append(keys, k)
		case <-timeout:
			t.Fatal("decodeKeys did not finish")
		}
	}
}

func TestDecodeKeys(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Key
	}{
		{"ascii", "ab", []Key{{Kind: KeyRune, Rune: 'a'}, {Kind: KeyRune, Rune: 'b'}}},
		{"utf8", "é世", []Key{{Kind: KeyRune, Rune: 'é'}, {Kind: KeyRune, Rune: '世'}}},
		{"enter", "\r\n", []Key{{Kind: KeyEnter}, {Kind: KeyEnter}}},
		{"backspace", "\x7f\x08", []Key{{Kind: KeyBackspace}, {Kind: KeyBackspace}}},
		{"tab", "\t", []Key{{Kind: KeyTab}}},
		{"cycle", "\x0e\x10", []Key{{Kind: KeyNext}, {Kind: KeyPrevious}}},
		{"control", "\x01\x05\x15\x03\x04", []Key{{Kind: KeyHome}, {Kind: KeyEnd}, {Kind: KeyClearLine}, {Kind: KeyInterrupt}, {Kind: KeyEOF}}},
		{"arrows", "\x1b[D\x1b[C\x1b[H\x1b[F", []Key{{Kind: KeyLeft}, {Kind: KeyRight}, {Kind: KeyHome}, {Kind: KeyEnd}}},
		{"tilde sequences", "\x1b[3~\x1b[1~\x1b[4~", []Key{{Kind: KeyDelete}, {Kind: KeyHome}, {Kind: KeyEnd}}},
		{"lone esc", "\x1b", []Key{{Kind: KeyEsc}}},
		{"esc then rune", "\x1bx", []Key{{Kind: KeyEsc}}},
		{"ignored control", "\x02a", []Key{{Kind: KeyRune, Rune: 'a'}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeAll(t, tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("decodeKeys(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("key %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDecodeKeysLoneEscTimesOut(t *testing.T) {
	in := make(chan byte, 4)
	out := make(chan Key, 4)
	go decodeKeys(in, out, 10*time.Millisecond)
	defer close(in)

	in <- 27
	select {
	case k := <-out:
		if k.Kind != KeyEsc {
			t.Errorf("got %+v, want Esc", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lone Esc was not reported after the timeout")
	}

	in <- 'q'
	select {
	case k := <-out:
		if k.Kind != KeyRune || k.Rune != 'q' {
			t.Errorf("got %+v, want rune q", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rune after Esc was not decoded")
	}
}

func TestUTF8RuneLen(t *testing.T) {
	for _, s := range []string{"a", "é", "世", "😀"} {
		if got := utf8RuneLen(s[0]); got != len(s) {
			t.Errorf("utf8RuneLen(%q) = %d, want %d", s, got, len(s))
		}
	}
}
