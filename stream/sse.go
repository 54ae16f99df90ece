package stream

import (
	"bufio"
	"io"
	"strings"
)

// Scanner splits a server-sent event body into data frames.
//
// Events end at a blank line. Multiple "data:" lines in one event are joined
// with "\n". Comment lines and fields other than "data" and "event" are
// skipped. An event left unterminated at EOF is still delivered.
type Scanner struct {
	r     *bufio.Reader
	data  string
	event string
	err   error
	eof   bool
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next frame. It returns false at end of input or on a
// read error; Err distinguishes the two.
func (s *Scanner) Next() bool {
	if s.eof || s.err != nil {
		return false
	}
	s.data, s.event = "", ""

	var lines []string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			if err != io.EOF {
				s.err = err
				return false
			}
			s.eof = true
			if lines != nil {
				s.data = strings.Join(lines, "\n")
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if lines != nil {
				s.data = strings.Join(lines, "\n")
				return true
			}
			s.event = ""
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			lines = append(lines, value)
		case "event":
			s.event = value
		}
	}
}

// Data returns the payload of the current frame.
func (s *Scanner) Data() string { return s.data }

// Event returns the event type of the current frame, if the server set one.
func (s *Scanner) Event() string { return s.event }

// Err returns the first non-EOF read error.
func (s *Scanner) Err() error { return s.err }
