package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxFrameSize is the default maximum frame length in bytes,
	// matching the clients' read buffer size.
	DefaultMaxFrameSize = 1024
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrInvalidUTF8   = errors.New("frame is not valid UTF-8")
	ErrFrameNewline  = errors.New("frame must not contain a newline")
)

// ReadFrame reads one newline-delimited UTF-8 frame from r. The trailing
// newline (and an optional carriage return) is stripped. A frame longer than
// limit bytes is a protocol violation; the caller is expected to terminate
// the connection.
func ReadFrame(r *bufio.Reader, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}

	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)

		// +1 allows for the delimiter itself
		if len(buf) > limit+1 {
			return "", ErrFrameTooLarge
		}

		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return "", err
	}

	line := strings.TrimRight(string(buf), "\r\n")
	if !utf8.ValidString(line) {
		return "", ErrInvalidUTF8
	}
	return line, nil
}

// WriteFrame writes one frame to w, appending the newline delimiter.
// The frame itself must not contain a newline (it would be received as two
// frames on the other end).
func WriteFrame(w io.Writer, frame string) error {
	if strings.ContainsAny(frame, "\r\n") {
		return ErrFrameNewline
	}
	_, err := io.WriteString(w, frame+"\n")
	return err
}
