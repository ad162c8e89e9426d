// Package dockerexec decodes the multiplexed stream the container engine
// uses for non-TTY exec and attach sessions.
package dockerexec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// StreamType is the first header byte of a frame.
type StreamType byte

const (
	Stdin       StreamType = 0
	Stdout      StreamType = 1
	Stderr      StreamType = 2
	SystemError StreamType = 3
)

const headerLen = 8

// ExecFailureMarker is the text the engine writes into a stream when the
// exec itself could not be started inside the container.
const ExecFailureMarker = "runtime exec failed"

var (
	ErrUnknownStream  = errors.New("unknown stream type")
	ErrTruncatedFrame = errors.New("truncated frame")
)

// Decoder demultiplexes frames of the form
// [type:1][reserved:3][length:4 big endian][payload]. Chunks may split
// headers and payloads at any byte; partial frames are held until the rest
// arrives.
type Decoder struct {
	OnStdout func([]byte)
	OnStderr func([]byte)
	// OnSystemError receives type 3 payloads. When nil they are reported as
	// an error from Write.
	OnSystemError func([]byte)

	mu      sync.Mutex
	pending []byte
	err     error
}

func NewDecoder(onStdout, onStderr func([]byte)) *Decoder {
	return &Decoder{OnStdout: onStdout, OnStderr: onStderr}
}

func (d *Decoder) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return 0, d.err
	}
	d.pending = append(d.pending, p...)

	for len(d.pending) >= headerLen {
		stream := StreamType(d.pending[0])
		size := int(binary.BigEndian.Uint32(d.pending[4:headerLen]))
		if len(d.pending) < headerLen+size {
			break
		}
		payload := make([]byte, size)
		copy(payload, d.pending[headerLen:headerLen+size])
		d.pending = d.pending[headerLen+size:]

		if err := d.dispatch(stream, payload); err != nil {
			d.err = err
			return len(p), err
		}
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return len(p), nil
}

// Close reports whether a partial frame was left undelivered.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if len(d.pending) > 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrTruncatedFrame, len(d.pending))
	}
	return nil
}

func (d *Decoder) dispatch(stream StreamType, payload []byte) error {
	switch stream {
	case Stdin, Stdout:
		if d.OnStdout != nil {
			d.OnStdout(payload)
		}
	case Stderr:
		if d.OnStderr != nil {
			d.OnStderr(payload)
		}
	case SystemError:
		if d.OnSystemError != nil {
			d.OnSystemError(payload)
			return nil
		}
		return &SystemErrorFrame{Message: strings.TrimSpace(string(payload))}
	default:
		return fmt.Errorf("%w %d", ErrUnknownStream, stream)
	}
	return nil
}

// SystemErrorFrame is an engine-reported error delivered in-band.
type SystemErrorFrame struct {
	Message string
}

func (e *SystemErrorFrame) Error() string {
	return "engine error: " + e.Message
}

// EncodeFrame writes one frame carrying payload on stream.
func EncodeFrame(w io.Writer, stream StreamType, payload []byte) error {
	header := make([]byte, headerLen)
	header[0] = byte(stream)
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func ContainsExecFailure(chunk []byte) bool {
	return strings.Contains(string(chunk), ExecFailureMarker)
}

// Sanitize strips bytes outside printable ASCII, keeping '\r' and '\n'. TTY
// sessions interleave terminal control sequences with output.
func Sanitize(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || (r >= ' ' && r <= '~') {
			return r
		}
		return -1
	}, text)
}
