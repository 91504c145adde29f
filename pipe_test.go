package mcp

import (
	"bytes"
	"context"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// pipe is an in-memory message channel between two sessions. Closing either end closes
// both, like a socket.
type pipe struct {
	closed    chan struct{}
	closeOnce sync.Once
}

type pipeEnd struct {
	id   string
	p    *pipe
	recv <-chan []byte
	send chan<- []byte
}

func newPipe() (client, server *pipeEnd) {
	p := &pipe{closed: make(chan struct{})}
	toServer := make(chan []byte, 64)
	toClient := make(chan []byte, 64)
	return &pipeEnd{id: "client", p: p, recv: toClient, send: toServer},
		&pipeEnd{id: "server", p: p, recv: toServer, send: toClient}
}

func (e *pipeEnd) ID() string { return e.id }

func (e *pipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-e.p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case e.send <- bytes.Clone(msg):
		return nil
	case <-e.p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *pipeEnd) Messages() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case <-e.p.closed:
				return
			case msg := <-e.recv:
				if !yield(msg, nil) {
					return
				}
			}
		}
	}
}

func (e *pipeEnd) Close() error {
	e.p.closeOnce.Do(func() { close(e.p.closed) })
	return nil
}

// next returns the next message sent to e, failing the test after a few seconds.
func (e *pipeEnd) next(t *testing.T) JSONRPCMessage {
	t.Helper()

	select {
	case data := <-e.recv:
		msg, err := Codec{}.Decode(data)
		if err != nil {
			t.Fatalf("failed to decode %s: %v", data, err)
		}
		return msg
	case <-e.p.closed:
		t.Fatal("pipe closed while waiting for a message")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return JSONRPCMessage{}
}

// write encodes msg and sends it from e.
func (e *pipeEnd) write(t *testing.T, msg JSONRPCMessage) {
	t.Helper()

	data, err := Codec{}.Encode(msg)
	if err != nil {
		t.Fatalf("failed to encode message: %v", err)
	}
	if err := e.Send(context.Background(), data); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
