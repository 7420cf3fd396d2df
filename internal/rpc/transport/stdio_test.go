package transport

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"testing"
)

func TestStdioTransport_ReadNewline(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"ping"}` + "\n")
	tr := NewStdioTransportWithIO(in, &bytes.Buffer{})

	msg, err := tr.Read(context.Background())
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if string(msg) != `{"jsonrpc":"2.0","method":"ping"}` {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestStdioTransport_ReadLSPFraming(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	in := strings.NewReader("Content-Length: " + itoa(len(body)) + "\r\n\r\n" + body)
	tr := NewStdioTransportWithIO(in, &bytes.Buffer{})

	msg, err := tr.Read(context.Background())
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if string(msg) != body {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestStdioTransport_AutoDetectMixed(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`
	input := `{"jsonrpc":"2.0","method":"first"}` + "\n" +
		"\n" + // blank line between messages is tolerated
		"Content-Length: " + itoa(len(body)) + "\r\n" +
		"Content-Type: application/vscode-jsonrpc\r\n" +
		"\r\n" + body
	tr := NewStdioTransportWithIO(strings.NewReader(input), &bytes.Buffer{})

	first, err := tr.Read(context.Background())
	if err != nil {
		t.Fatalf("first Read error: %v", err)
	}
	if !strings.Contains(string(first), `"first"`) {
		t.Errorf("first message = %s", first)
	}

	second, err := tr.Read(context.Background())
	if err != nil {
		t.Fatalf("second Read error: %v", err)
	}
	if string(second) != body {
		t.Errorf("second message = %s", second)
	}
}

func TestStdioTransport_WriteMirrorsFraming(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	in := strings.NewReader("Content-Length: " + itoa(len(body)) + "\r\n\r\n" + body)
	var out bytes.Buffer
	tr := NewStdioTransportWithIO(in, &out)

	if _, err := tr.Read(context.Background()); err != nil {
		t.Fatalf("Read error: %v", err)
	}

	resp := `{"jsonrpc":"2.0","id":1,"result":null}`
	if err := tr.Write(context.Background(), []byte(resp)); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	want := "Content-Length: " + itoa(len(resp)) + "\r\n\r\n" + resp
	if out.String() != want {
		t.Errorf("Write produced %q, want %q", out.String(), want)
	}
}

func TestStdioTransport_WriteNewlineDefault(t *testing.T) {
	var out bytes.Buffer
	tr := NewStdioTransportWithIO(strings.NewReader(""), &out)

	msg := `{"jsonrpc":"2.0","method":"n"}`
	if err := tr.Write(context.Background(), []byte(msg)); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if out.String() != msg+"\n" {
		t.Errorf("Write produced %q", out.String())
	}
}

func TestStdioTransport_EOF(t *testing.T) {
	tr := NewStdioTransportWithIO(strings.NewReader(""), &bytes.Buffer{})
	_, err := tr.Read(context.Background())
	if err != io.EOF {
		t.Errorf("Read on empty input = %v, want io.EOF", err)
	}
}

func TestStdioTransport_Close(t *testing.T) {
	tr := NewStdioTransportWithIO(strings.NewReader("x\n"), &bytes.Buffer{})
	if err := tr.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}

	if _, err := tr.Read(context.Background()); err != ErrTransportClosed {
		t.Errorf("Read after close = %v, want ErrTransportClosed", err)
	}
	if err := tr.Write(context.Background(), []byte("y")); err != ErrTransportClosed {
		t.Errorf("Write after close = %v, want ErrTransportClosed", err)
	}

	select {
	case <-tr.Done():
	default:
		t.Error("Done channel should be closed")
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
