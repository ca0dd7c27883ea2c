package mcpserver

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// stream carries JSON-RPC messages either as Content-Length framed bodies
// or as one JSON value per line. Replies use the mode of the first message
// read.
type stream struct {
	r        *bufio.Reader
	w        *bufio.Writer
	jsonLine bool
	locked   bool

	// onLock runs once, when the first message fixes the reply mode.
	onLock func(jsonLine bool)
}

func newStream(in io.Reader, out io.Writer) *stream {
	return &stream{r: bufio.NewReader(in), w: bufio.NewWriter(out)}
}

// read returns the next message payload, or io.EOF once the input ends
// between messages.
func (s *stream) read() ([]byte, error) {
	first, err := s.skipBlank()
	if err != nil {
		return nil, err
	}

	jsonLine := first == '{' || first == '['
	var payload []byte
	if jsonLine {
		payload, err = s.readJSONLine()
	} else {
		payload, err = s.readFramed()
	}
	if err != nil {
		return nil, err
	}

	if !s.locked {
		s.locked = true
		s.jsonLine = jsonLine
		if s.onLock != nil {
			s.onLock(jsonLine)
		}
	}
	return payload, nil
}

func (s *stream) skipBlank() (byte, error) {
	for {
		next, err := s.r.Peek(1)
		if err != nil {
			return 0, err
		}
		switch next[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = s.r.ReadByte()
		default:
			return next[0], nil
		}
	}
}

// readJSONLine accumulates lines until they form one valid JSON value, so
// pretty-printed requests are accepted too.
func (s *stream) readJSONLine() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := s.r.ReadBytes('\n')
		buf.Write(line)
		if trimmed := bytes.TrimSpace(buf.Bytes()); sonic.Valid(trimmed) {
			return trimmed, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func (s *stream) readFramed() ([]byte, error) {
	header, err := textproto.NewReader(s.r).ReadMIMEHeader()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read message header: %w", err)
	}

	raw := strings.TrimSpace(header.Get("Content-Length"))
	if raw == "" {
		return nil, fmt.Errorf("missing Content-Length header")
	}
	length, err := strconv.Atoi(raw)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("invalid Content-Length %q", raw)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// write encodes v and flushes it in the locked reply mode. It returns the
// size of the encoded body.
func (s *stream) write(v any) (int, error) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return 0, err
	}
	if s.jsonLine {
		payload = append(payload, '\n')
	} else if _, err := fmt.Fprintf(s.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return 0, err
	}
	if _, err := s.w.Write(payload); err != nil {
		return 0, err
	}
	return len(payload), s.w.Flush()
}
