package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// StdioMode defines how messages are framed over stdio.
type StdioMode int

const (
	// StdioModeAuto detects the framing per message: a line starting with
	// a Content-Length header is treated as an LSP-framed message, anything
	// else as newline-delimited JSON. Writes mirror the last framing read.
	StdioModeAuto StdioMode = iota

	// StdioModeNewline uses newline-delimited JSON (simple, compact).
	StdioModeNewline

	// StdioModeLSP uses Content-Length headers like the LSP protocol.
	// Format: Content-Length: 123\r\n\r\n{"jsonrpc":"2.0",...}
	StdioModeLSP
)

// StdioTransport implements Transport over stdin/stdout.
// This is the client-facing side of the proxy: the IDE speaks JSON-RPC to us
// over our own standard streams.
type StdioTransport struct {
	id     string
	reader *bufio.Reader
	mode   StdioMode

	// seenLSP records that at least one Content-Length framed message was
	// read; in auto mode writes then use LSP framing too.
	seenLSP bool

	done   chan struct{}
	mu     sync.Mutex // guards writer and closed
	writer io.Writer
	closed bool
}

// StdioOption configures a StdioTransport.
type StdioOption func(*StdioTransport)

// WithStdioMode forces a message framing mode instead of auto-detection.
func WithStdioMode(mode StdioMode) StdioOption {
	return func(t *StdioTransport) {
		t.mode = mode
	}
}

// NewStdioTransport creates a new stdio transport using os.Stdin and os.Stdout.
func NewStdioTransport(opts ...StdioOption) *StdioTransport {
	return NewStdioTransportWithIO(os.Stdin, os.Stdout, opts...)
}

// NewStdioTransportWithIO creates a new stdio transport with custom
// reader/writer. This is useful for testing.
func NewStdioTransportWithIO(r io.Reader, w io.Writer, opts ...StdioOption) *StdioTransport {
	t := &StdioTransport{
		id:     "stdio",
		reader: bufio.NewReader(r),
		writer: w,
		mode:   StdioModeAuto,
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// ID returns the unique identifier for this transport.
func (t *StdioTransport) ID() string {
	return t.id
}

// Read reads the next message from stdin.
func (t *StdioTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	switch t.mode {
	case StdioModeLSP:
		return t.readLSP()
	case StdioModeNewline:
		return t.readNewline()
	default:
		return t.readAuto()
	}
}

// readAuto reads one message, detecting the framing from its first line.
// Blank lines between messages are skipped.
func (t *StdioTransport) readAuto() ([]byte, error) {
	for {
		line, err := t.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(trimCRLF(line)) > 0 {
				// Final message without trailing newline.
				return trimCRLF(line), nil
			}
			return nil, err
		}

		line = trimCRLF(line)
		if len(line) == 0 {
			continue
		}

		if n, ok := parseContentLength(string(line)); ok {
			t.seenLSP = true
			return t.readLSPBody(n)
		}

		return line, nil
	}
}

// readNewline reads a newline-delimited JSON message.
func (t *StdioTransport) readNewline() ([]byte, error) {
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	line = trimCRLF(line)
	if len(line) == 0 {
		// Skip empty lines
		return t.readNewline()
	}

	return line, nil
}

// readLSP reads an LSP-style message with Content-Length header.
func (t *StdioTransport) readLSP() ([]byte, error) {
	var contentLength int

	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			// Empty line marks end of headers
			break
		}

		if n, ok := parseContentLength(line); ok {
			contentLength = n
		}
		// Ignore other headers (Content-Type, etc.)
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, err
	}

	return body, nil
}

// readLSPBody consumes the remaining headers and the body after a
// Content-Length line was already read in auto mode.
func (t *StdioTransport) readLSPBody(contentLength int) ([]byte, error) {
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, err
	}

	return body, nil
}

// Write sends a message through stdout.
func (t *StdioTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if t.mode == StdioModeLSP || (t.mode == StdioModeAuto && t.seenLSP) {
		return t.writeLSP(data)
	}
	return t.writeNewline(data)
}

// writeNewline writes a newline-delimited JSON message.
func (t *StdioTransport) writeNewline(data []byte) error {
	// Encoded JSON never contains unescaped newlines, so the frame is the
	// message plus a single terminator.
	if _, err := t.writer.Write(data); err != nil {
		return err
	}
	_, err := t.writer.Write([]byte{'\n'})
	return err
}

// writeLSP writes an LSP-style message with Content-Length header.
func (t *StdioTransport) writeLSP(data []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := t.writer.Write([]byte(header)); err != nil {
		return err
	}
	_, err := t.writer.Write(data)
	return err
}

// Close closes the stdio transport.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)

	// Don't close stdin/stdout as they may be shared
	return nil
}

// Done returns a channel that's closed when the transport is closed.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// parseContentLength parses a "Content-Length: N" header line.
func parseContentLength(line string) (int, bool) {
	const prefix = "content-length:"
	if !strings.HasPrefix(strings.ToLower(line), prefix) {
		return 0, false
	}
	v := strings.TrimSpace(line[len(prefix):])
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// trimCRLF removes trailing \r\n or \n from a byte slice.
func trimCRLF(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	if len(data) > 0 && data[len(data)-1] == '\r' {
		data = data[:len(data)-1]
	}
	return data
}
