package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single encoded frame, excluding the newline.
const MaxFrameSize = 64 * 1024

// DecodeError reports a frame that could not be turned into a Message.
// The stream stays usable; the caller may skip the frame and continue.
type DecodeError struct {
	Line  int
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ipc: invalid frame on line %d: %v", e.Line, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Encoder writes one JSON frame per line. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode validates m and writes it as a single line.
func (e *Encoder) Encode(m Message) error {
	if m == nil {
		return fmt.Errorf("ipc: nil message")
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("ipc: refusing to send %s: %w", m.Type(), err)
	}

	data, err := json.Marshal(toFrame(m))
	if err != nil {
		return fmt.Errorf("ipc: failed to marshal %s: %w", m.Type(), err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("ipc: refusing to send %s of %d bytes: %w", m.Type(), len(data), ErrFrameTooLarge)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("ipc: failed to write %s: %w", m.Type(), err)
	}
	return nil
}

// Decoder reads line-delimited frames.
type Decoder struct {
	r    *bufio.Reader
	line int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// Decode returns the next message. It returns io.EOF at the end of the stream
// and a *DecodeError for a malformed or oversized frame. Blank lines are skipped.
func (d *Decoder) Decode() (Message, error) {
	for {
		raw, tooLarge, err := d.readLine()
		if err != nil {
			return nil, err
		}
		d.line++
		if tooLarge {
			return nil, &DecodeError{Line: d.line, Cause: ErrFrameTooLarge}
		}
		if len(raw) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, &DecodeError{Line: d.line, Cause: err}
		}
		m, err := fromFrame(f)
		if err != nil {
			return nil, &DecodeError{Line: d.line, Cause: err}
		}
		return m, nil
	}
}

// readLine returns the next line without its terminator. A line longer than
// MaxFrameSize is consumed through its newline and reported as tooLarge
// without being buffered. A final line without a newline is still returned.
func (d *Decoder) readLine() (line []byte, tooLarge bool, err error) {
	for {
		chunk, rerr := d.r.ReadSlice('\n')
		if !tooLarge {
			if len(line)+len(chunk) > MaxFrameSize+2 {
				tooLarge, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case errors.Is(rerr, bufio.ErrBufferFull):
			continue
		case errors.Is(rerr, io.EOF):
			if len(line) == 0 && !tooLarge {
				return nil, false, io.EOF
			}
		case rerr != nil:
			return nil, false, rerr
		}
		break
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) > MaxFrameSize {
		return nil, true, nil
	}
	return line, tooLarge, nil
}
