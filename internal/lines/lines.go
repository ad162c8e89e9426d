// Package lines turns byte chunks from a client's output channels into
// complete log lines.
package lines

import (
	"strings"
	"sync"
)

// Splitter accumulates chunks from one output channel and emits each
// complete line. A line ends at '\r' or '\n'; empty lines are skipped. A
// trailing partial line is held until a later chunk completes it or Flush is
// called.
type Splitter struct {
	mu      sync.Mutex
	pending strings.Builder
	emit    func(string)
}

func NewSplitter(emit func(string)) *Splitter {
	return &Splitter{emit: emit}
}

func (s *Splitter) Write(p []byte) (int, error) {
	s.mu.Lock()
	var complete []string
	start := 0
	for i, b := range p {
		if b != '\r' && b != '\n' {
			continue
		}
		s.pending.Write(p[start:i])
		if s.pending.Len() > 0 {
			complete = append(complete, s.pending.String())
			s.pending.Reset()
		}
		start = i + 1
	}
	s.pending.Write(p[start:])
	s.mu.Unlock()

	for _, line := range complete {
		s.emit(line)
	}
	return len(p), nil
}

// Flush emits any held partial line.
func (s *Splitter) Flush() {
	s.mu.Lock()
	line := s.pending.String()
	s.pending.Reset()
	s.mu.Unlock()

	if line != "" {
		s.emit(line)
	}
}

// Split breaks text into non-empty lines on '\r' or '\n'.
func Split(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
