package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Epistates/turbomcp-sub001"
)

// serverHandler answers one request received by the fake server. Returning errNoReply
// leaves the request unanswered; a *mcp.JSONRPCError is sent back as an error response.
type serverHandler func(ctx context.Context, conn *serverConn, req mcp.JSONRPCMessage) (any, error)

var errNoReply = errors.New("no reply")

// fakeServer is an in-memory MCP server. Every StartSession call opens a new connection
// to it, so it can be used to exercise reconnects.
type fakeServer struct {
	info    mcp.Info
	caps    mcp.ServerCapabilities
	version string

	// beforeInitialize runs before the initialize request is answered.
	beforeInitialize func(conn *serverConn)

	mu       sync.Mutex
	handlers map[string]serverHandler
	conns    []*serverConn
	startErr error
}

type serverConn struct {
	srv    *fakeServer
	end    mcp.Session
	ctx    context.Context
	cancel context.CancelFunc
	nextID atomic.Int64

	notifications chan mcp.JSONRPCMessage
	responses     chan mcp.JSONRPCMessage

	mu          sync.Mutex
	pending     map[mcp.RequestID]chan mcp.JSONRPCMessage
	initParams  json.RawMessage
	initialized bool
}

func newFakeServer() *fakeServer {
	s := &fakeServer{
		info:     mcp.Info{Name: "fake-server", Version: "1.0"},
		handlers: make(map[string]serverHandler),
	}
	s.handle("ping", func(context.Context, *serverConn, mcp.JSONRPCMessage) (any, error) {
		return struct{}{}, nil
	})
	return s
}

func (s *fakeServer) handle(method string, h serverHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

func (s *fakeServer) handler(method string) serverHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[method]
}

func (s *fakeServer) failStarts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// StartSession implements mcp.ClientTransport.
func (s *fakeServer) StartSession(context.Context) (mcp.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startErr != nil {
		return nil, s.startErr
	}
	client, server := mcp.NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	conn := &serverConn{
		srv:           s,
		end:           server,
		ctx:           ctx,
		cancel:        cancel,
		notifications: make(chan mcp.JSONRPCMessage, 64),
		responses:     make(chan mcp.JSONRPCMessage, 64),
		pending:       make(map[mcp.RequestID]chan mcp.JSONRPCMessage),
	}
	s.conns = append(s.conns, conn)
	go conn.serve()
	return client, nil
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// latest returns the most recent connection.
func (s *fakeServer) latest() *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

func (c *serverConn) serve() {
	defer c.cancel()

	var codec mcp.Codec
	for data, err := range c.end.Messages() {
		if err != nil {
			return
		}
		msg, err := codec.Decode(data)
		if err != nil {
			continue
		}

		switch mcp.Classify(msg) {
		case mcp.KindRequest:
			go c.answer(msg)
		case mcp.KindNotification:
			if msg.Method == "notifications/initialized" {
				c.mu.Lock()
				c.initialized = true
				c.mu.Unlock()
			}
			select {
			case c.notifications <- msg:
			default:
			}
		case mcp.KindResponse:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
				continue
			}
			select {
			case c.responses <- msg:
			default:
			}
		}
	}
}

func (c *serverConn) answer(req mcp.JSONRPCMessage) {
	if req.Method == "initialize" {
		c.initialize(req)
		return
	}

	h := c.srv.handler(req.Method)
	if h == nil {
		c.reply(req.ID, nil, &mcp.JSONRPCError{Code: mcp.CodeMethodNotFound, Message: "method not found"})
		return
	}
	result, err := h(c.ctx, c, req)
	var rpcErr *mcp.JSONRPCError
	switch {
	case errors.Is(err, errNoReply):
		return
	case errors.As(err, &rpcErr):
		c.reply(req.ID, nil, rpcErr)
	case err != nil:
		c.reply(req.ID, nil, &mcp.JSONRPCError{Code: mcp.CodeInternalError, Message: err.Error()})
	default:
		c.reply(req.ID, result, nil)
	}
}

func (c *serverConn) initialize(req mcp.JSONRPCMessage) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(req.Params, &params)

	c.mu.Lock()
	c.initParams = req.Params
	c.mu.Unlock()

	if c.srv.beforeInitialize != nil {
		c.srv.beforeInitialize(c)
	}

	version := c.srv.version
	if version == "" {
		version = params.ProtocolVersion
	}
	c.reply(req.ID, map[string]any{
		"protocolVersion": version,
		"capabilities":    c.srv.caps,
		"serverInfo":      c.srv.info,
	}, nil)
}

func (c *serverConn) reply(id mcp.RequestID, result any, rpcErr *mcp.JSONRPCError) {
	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			raw = json.RawMessage(`{}`)
		}
		msg.Result = raw
	}
	c.write(msg)
}

func (c *serverConn) write(msg mcp.JSONRPCMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.end.Send(context.Background(), data)
}

// request sends a server-initiated request and waits for the client's response.
func (c *serverConn) request(ctx context.Context, method string, params any) (mcp.JSONRPCMessage, error) {
	id := mcp.StringID(fmt.Sprintf("s%d", c.nextID.Add(1)))
	return c.requestWithID(ctx, id, method, params)
}

func (c *serverConn) requestWithID(ctx context.Context, id mcp.RequestID, method string, params any) (mcp.JSONRPCMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return mcp.JSONRPCMessage{}, err
	}
	ch := make(chan mcp.JSONRPCMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	c.write(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: id, Method: method, Params: raw})

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return mcp.JSONRPCMessage{}, ctx.Err()
	}
}

func (c *serverConn) notify(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	c.write(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: method, Params: raw})
}

// drop closes the connection from the server side.
func (c *serverConn) drop() {
	_ = c.end.Close()
}

// waitNotification returns the next client notification with the given method.
func (c *serverConn) waitNotification(t *testing.T, method string) mcp.JSONRPCMessage {
	t.Helper()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg := <-c.notifications:
			if msg.Method == method {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", method)
			return mcp.JSONRPCMessage{}
		}
	}
}

func (c *serverConn) initializeParams() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initParams
}

func (c *serverConn) isInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func newTestClient(t *testing.T, srv *fakeServer, options ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	cli := newUnconnectedClient(t, srv, options...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return cli
}

func newUnconnectedClient(t *testing.T, srv *fakeServer, options ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	options = append([]mcp.ClientOption{
		mcp.WithClientLogger(mcp.DiscardLogger()),
		mcp.WithClientRequestTimeout(5 * time.Second),
	}, options...)
	cli, err := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, srv, options...)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() {
		_ = cli.Close()
	})
	return cli
}
