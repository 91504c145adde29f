package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Epistates/turbomcp-sub001"
	"github.com/google/go-cmp/cmp"
	"github.com/google/jsonschema-go/jsonschema"
)

type mockPromptListWatcher struct {
	ch chan struct{}
}

type mockResourceListWatcher struct {
	ch chan struct{}
}

type mockResourceSubscribedWatcher struct {
	ch chan string
}

type mockToolListWatcher struct {
	ch chan struct{}
}

type mockRootsListHandler struct {
	called atomic.Int32
}

type mockRootsListUpdater struct {
	ch chan struct{}
}

type mockSamplingHandler struct {
	lock   sync.Mutex
	params []mcp.SamplingParams
}

type mockElicitationHandler struct {
	result  mcp.ElicitationResult
	started chan struct{}
	release chan struct{}
}

type mockProgressListener struct {
	ch chan mcp.ProgressParams
}

type mockLogReceiver struct {
	ch chan mcp.LogParams
}

func (m mockPromptListWatcher) OnPromptListChanged() {
	m.ch <- struct{}{}
}

func (m mockResourceListWatcher) OnResourceListChanged() {
	m.ch <- struct{}{}
}

func (m mockResourceSubscribedWatcher) OnResourceSubscribedChanged(uri string) {
	m.ch <- uri
}

func (m mockToolListWatcher) OnToolListChanged() {
	m.ch <- struct{}{}
}

func (m *mockRootsListHandler) RootsList(context.Context) (mcp.RootList, error) {
	m.called.Add(1)
	return mcp.RootList{
		Roots: []mcp.Root{
			{URI: "test://root", Name: "Test Root"},
		},
	}, nil
}

func (m mockRootsListUpdater) RootsListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range m.ch {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

func (m *mockSamplingHandler) CreateSampleMessage(_ context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.params = append(m.params, params)
	return mcp.SamplingResult{
		Role: mcp.RoleAssistant,
		Content: mcp.SamplingContent{
			Type: "text",
			Text: "Test response",
		},
		Model:      "test-model",
		StopReason: "completed",
	}, nil
}

func (m *mockElicitationHandler) Elicit(ctx context.Context, _ mcp.ElicitationParams) (mcp.ElicitationResult, error) {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return mcp.ElicitationResult{}, ctx.Err()
		}
	}
	return m.result, nil
}

func (m mockProgressListener) OnProgress(params mcp.ProgressParams) {
	m.ch <- params
}

func (m mockLogReceiver) OnLog(params mcp.LogParams) {
	m.ch <- params
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func queueElicitations() mcp.ClientOption {
	return mcp.WithElicitationConfig(mcp.ElicitationConfig{
		MaxConcurrent: 2,
		Timeout:       time.Minute,
		Policy:        mcp.ElicitationQueue,
	})
}

func TestConnect(t *testing.T) {
	t.Run("negotiates session", func(t *testing.T) {
		srv := newFakeServer()
		srv.caps = mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{ListChanged: true}}
		cli := newTestClient(t, srv)

		sess, ok := cli.Session()
		if !ok {
			t.Fatal("expected a negotiated session")
		}
		if sess.ProtocolVersion != mcp.SupportedProtocolVersions[0] {
			t.Errorf("expected version %s, got %s", mcp.SupportedProtocolVersions[0], sess.ProtocolVersion)
		}
		if !sess.Initialized {
			t.Error("expected session to be initialized")
		}
		if diff := cmp.Diff(srv.info, cli.ServerInfo()); diff != "" {
			t.Errorf("server info mismatch (-want +got):\n%s", diff)
		}
		if !cli.ToolServerSupported() || cli.PromptServerSupported() {
			t.Error("expected only tools to be supported")
		}
		if cli.State() != mcp.StateReady {
			t.Errorf("expected ready state, got %s", cli.State())
		}
		conn := srv.latest()
		mcp.WaitFor(t, "initialized notification", conn.isInitialized)
	})

	t.Run("advertises capabilities", func(t *testing.T) {
		srv := newFakeServer()
		newTestClient(t, srv,
			mcp.WithRootsListHandler(&mockRootsListHandler{}),
			mcp.WithRootsListUpdater(mockRootsListUpdater{ch: make(chan struct{})}),
			mcp.WithElicitationHandler(&mockElicitationHandler{}),
			queueElicitations(),
		)

		var params struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Info               `json:"clientInfo"`
		}
		if err := json.Unmarshal(srv.latest().initializeParams(), &params); err != nil {
			t.Fatalf("failed to unmarshal initialize params: %v", err)
		}
		want := mcp.ClientCapabilities{
			Roots:       &mcp.RootsCapability{ListChanged: true},
			Elicitation: &mcp.ElicitationCapability{},
		}
		if diff := cmp.Diff(want, params.Capabilities); diff != "" {
			t.Errorf("capabilities mismatch (-want +got):\n%s", diff)
		}
		if params.ClientInfo.Name != "test-client" {
			t.Errorf("expected client name test-client, got %s", params.ClientInfo.Name)
		}
	})

	t.Run("accepts older supported version", func(t *testing.T) {
		srv := newFakeServer()
		srv.version = "2024-11-05"
		cli := newTestClient(t, srv)

		sess, _ := cli.Session()
		if sess.ProtocolVersion != "2024-11-05" {
			t.Errorf("expected version 2024-11-05, got %s", sess.ProtocolVersion)
		}
	})

	t.Run("rejects unsupported version", func(t *testing.T) {
		srv := newFakeServer()
		srv.version = "1999-01-01"
		cli := newUnconnectedClient(t, srv)

		err := cli.Connect(context.Background())
		if !errors.Is(err, mcp.ErrUnsupportedProtocolVersion) {
			t.Errorf("expected ErrUnsupportedProtocolVersion, got %v", err)
		}
		if cli.State() != mcp.StateDisconnected {
			t.Errorf("expected disconnected state, got %s", cli.State())
		}
		if srv.latest().isInitialized() {
			t.Error("expected no initialized notification")
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		srv := newFakeServer()
		srv.failStarts(errors.New("connection refused"))
		cli := newUnconnectedClient(t, srv)

		if err := cli.Connect(context.Background()); err == nil {
			t.Error("expected error, got nil")
		}
		if cli.State() != mcp.StateDisconnected {
			t.Errorf("expected disconnected state, got %s", cli.State())
		}
	})

	t.Run("connect twice", func(t *testing.T) {
		srv := newFakeServer()
		cli := newTestClient(t, srv)

		if err := cli.Connect(context.Background()); !errors.Is(err, mcp.ErrAlreadyInitialized) {
			t.Errorf("expected ErrAlreadyInitialized, got %v", err)
		}
		if srv.connCount() != 1 {
			t.Errorf("expected a single connection, got %d", srv.connCount())
		}
	})

	t.Run("calls before connect", func(t *testing.T) {
		cli := newUnconnectedClient(t, newFakeServer())

		if err := cli.Ping(context.Background()); !errors.Is(err, mcp.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized, got %v", err)
		}
		if _, err := cli.ListTools(context.Background(), mcp.ListToolsParams{}); !errors.Is(err, mcp.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized, got %v", err)
		}
	})

	t.Run("calls after close", func(t *testing.T) {
		cli := newTestClient(t, newFakeServer())
		if err := cli.Close(); err != nil {
			t.Fatalf("failed to close: %v", err)
		}

		if err := cli.Ping(context.Background()); !errors.Is(err, mcp.ErrClientClosed) {
			t.Errorf("expected ErrClientClosed, got %v", err)
		}
		if err := cli.Connect(context.Background()); !errors.Is(err, mcp.ErrClientClosed) {
			t.Errorf("expected ErrClientClosed from Connect, got %v", err)
		}
		if cli.State() != mcp.StateClosed {
			t.Errorf("expected closed state, got %s", cli.State())
		}
	})
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		options []mcp.ClientOption
	}{
		{
			name:    "elicitation handler without policy",
			options: []mcp.ClientOption{mcp.WithElicitationHandler(&mockElicitationHandler{})},
		},
		{
			name:    "sampling handler without policy",
			options: []mcp.ClientOption{mcp.WithSamplingHandler(&mockSamplingHandler{})},
		},
		{
			name: "invalid retry policy",
			options: []mcp.ClientOption{mcp.WithRetryPolicy(mcp.RetryPolicy{
				MaxAttempts: 0,
			})},
		},
		{
			name:    "no protocol versions",
			options: []mcp.ClientOption{mcp.WithProtocolVersions()},
		},
		{
			name: "duplicate handler",
			options: []mcp.ClientOption{
				mcp.WithRootsListHandler(&mockRootsListHandler{}),
				mcp.WithHandler(mcp.MethodRootsList, mcp.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
					return nil, nil
				})),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mcp.NewClient(mcp.Info{Name: "test"}, newFakeServer(), tt.options...)
			if err == nil {
				t.Error("expected error, got nil")
			}
		})
	}

	if _, err := mcp.NewClient(mcp.Info{Name: "test"}, nil); err == nil {
		t.Error("expected error for nil transport, got nil")
	}
}

func TestClientOperations(t *testing.T) {
	srv := newFakeServer()
	srv.caps = mcp.ServerCapabilities{
		Prompts:   &mcp.PromptsCapability{},
		Resources: &mcp.ResourcesCapability{Subscribe: true},
		Tools:     &mcp.ToolsCapability{},
		Logging:   &mcp.LoggingCapability{},
	}

	var lastParams sync.Map
	canned := func(result any) serverHandler {
		return func(_ context.Context, _ *serverConn, req mcp.JSONRPCMessage) (any, error) {
			lastParams.Store(req.Method, req.Params)
			return result, nil
		}
	}
	srv.handle(mcp.MethodPromptsList, canned(mcp.ListPromptResult{Prompts: []mcp.Prompt{{Name: "greet"}}, NextCursor: "next"}))
	srv.handle(mcp.MethodPromptsGet, canned(mcp.GetPromptResult{Description: "greeting"}))
	srv.handle(mcp.MethodResourcesList, canned(mcp.ListResourcesResult{Resources: []mcp.Resource{{URI: "file:///a", Name: "a"}}}))
	srv.handle(mcp.MethodResourcesRead, canned(mcp.ReadResourceResult{Contents: []mcp.ResourceContents{{URI: "file:///a", Text: "hello"}}}))
	srv.handle(mcp.MethodResourcesTemplatesList, canned(mcp.ListResourceTemplatesResult{
		Templates: []mcp.ResourceTemplate{{URITemplate: "file:///{name}", Name: "files"}},
	}))
	srv.handle(mcp.MethodResourcesSubscribe, canned(struct{}{}))
	srv.handle(mcp.MethodResourcesUnsubscribe, canned(struct{}{}))
	srv.handle(mcp.MethodToolsList, canned(mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "add"}}}))
	srv.handle(mcp.MethodToolsCall, canned(mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "3"}}}))
	srv.handle(mcp.MethodLoggingSetLevel, canned(struct{}{}))
	srv.handle(mcp.MethodCompletionComplete, canned(map[string]any{"completion": map[string]any{"values": []string{"alpha"}}}))

	cli := newTestClient(t, srv)
	ctx := context.Background()

	prompts, err := cli.ListPrompts(ctx, mcp.ListPromptsParams{Cursor: "cursor"})
	if err != nil {
		t.Fatalf("failed to list prompts: %v", err)
	}
	if len(prompts.Prompts) != 1 || prompts.Prompts[0].Name != "greet" || prompts.NextCursor != "next" {
		t.Errorf("unexpected prompts %+v", prompts)
	}
	if raw, _ := lastParams.Load(mcp.MethodPromptsList); string(raw.(json.RawMessage)) != `{"cursor":"cursor","_meta":{"progressToken":""}}` {
		t.Errorf("unexpected prompts/list params %s", raw)
	}

	prompt, err := cli.GetPrompt(ctx, mcp.GetPromptParams{Name: "greet"})
	if err != nil || prompt.Description != "greeting" {
		t.Errorf("unexpected prompt %+v (err %v)", prompt, err)
	}

	resources, err := cli.ListResources(ctx, mcp.ListResourcesParams{})
	if err != nil || len(resources.Resources) != 1 {
		t.Errorf("unexpected resources %+v (err %v)", resources, err)
	}
	contents, err := cli.ReadResource(ctx, mcp.ReadResourceParams{URI: "file:///a"})
	if err != nil || len(contents.Contents) != 1 || contents.Contents[0].Text != "hello" {
		t.Errorf("unexpected contents %+v (err %v)", contents, err)
	}
	templates, err := cli.ListResourceTemplates(ctx, mcp.ListResourceTemplatesParams{})
	if err != nil || len(templates.Templates) != 1 {
		t.Errorf("unexpected templates %+v (err %v)", templates, err)
	}
	if err := cli.SubscribeResource(ctx, mcp.SubscribeResourceParams{URI: "file:///a"}); err != nil {
		t.Errorf("failed to subscribe: %v", err)
	}
	if err := cli.UnsubscribeResource(ctx, mcp.UnsubscribeResourceParams{URI: "file:///a"}); err != nil {
		t.Errorf("failed to unsubscribe: %v", err)
	}

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil || len(tools.Tools) != 1 || tools.Tools[0].Name != "add" {
		t.Errorf("unexpected tools %+v (err %v)", tools, err)
	}
	result, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "add", Arguments: json.RawMessage(`{"a":1,"b":2}`)})
	if err != nil || len(result.Content) != 1 || result.Content[0].Text != "3" {
		t.Errorf("unexpected tool result %+v (err %v)", result, err)
	}

	if err := cli.SetLogLevel(ctx, mcp.LogLevelWarning); err != nil {
		t.Errorf("failed to set log level: %v", err)
	}
	if raw, _ := lastParams.Load(mcp.MethodLoggingSetLevel); string(raw.(json.RawMessage)) != `{"level":"warning"}` {
		t.Errorf("unexpected logging/setLevel params %s", raw)
	}

	completion, err := cli.Complete(ctx, mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: "greet"},
		Argument: mcp.CompletionArgument{Name: "name", Value: "al"},
	})
	if err != nil || len(completion.Completion.Values) != 1 || completion.Completion.Values[0] != "alpha" {
		t.Errorf("unexpected completion %+v (err %v)", completion, err)
	}

	if err := cli.Ping(ctx); err != nil {
		t.Errorf("failed to ping: %v", err)
	}
}

func TestClientUnsupportedCapabilities(t *testing.T) {
	srv := newFakeServer()
	srv.caps = mcp.ServerCapabilities{Resources: &mcp.ResourcesCapability{}}
	var reached atomic.Int32
	srv.handle(mcp.MethodToolsList, func(context.Context, *serverConn, mcp.JSONRPCMessage) (any, error) {
		reached.Add(1)
		return mcp.ListToolsResult{}, nil
	})
	cli := newTestClient(t, srv)

	if _, err := cli.ListTools(context.Background(), mcp.ListToolsParams{}); err == nil {
		t.Error("expected error listing tools, got nil")
	}
	if err := cli.SubscribeResource(context.Background(), mcp.SubscribeResourceParams{URI: "a"}); err == nil {
		t.Error("expected error subscribing without subscribe support, got nil")
	}
	if reached.Load() != 0 {
		t.Error("expected unsupported calls not to reach the server")
	}
}

func TestClientCallErrors(t *testing.T) {
	srv := newFakeServer()
	srv.handle("fails", func(context.Context, *serverConn, mcp.JSONRPCMessage) (any, error) {
		return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: "bad input"}
	})
	cli := newTestClient(t, srv)

	err := cli.Call(context.Background(), "fails", nil, nil)
	var rpcErr *mcp.JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != mcp.CodeInvalidParams {
		t.Errorf("expected invalid params error, got %v", err)
	}
	if n := cli.Stats().Retries; n != 0 {
		t.Errorf("expected error responses not to be retried, got %d retries", n)
	}

	err = cli.Call(context.Background(), "does/not/exist", nil, nil)
	if !errors.As(err, &rpcErr) || rpcErr.Code != mcp.CodeMethodNotFound {
		t.Errorf("expected method not found error, got %v", err)
	}
}

func TestClientTimeout(t *testing.T) {
	srv := newFakeServer()
	ids := make(chan mcp.RequestID, 1)
	srv.handle("slow", func(_ context.Context, _ *serverConn, req mcp.JSONRPCMessage) (any, error) {
		ids <- req.ID
		return nil, errNoReply
	})
	cli := newTestClient(t, srv)

	err := cli.Call(context.Background(), "slow", nil, nil, mcp.WithCallTimeout(50*time.Millisecond), mcp.WithoutRetry())
	if !errors.Is(err, mcp.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	id := recv(t, ids, "request")
	cancel := srv.latest().waitNotification(t, "notifications/cancelled")
	var params struct {
		RequestID mcp.RequestID `json:"requestId"`
		Reason    string        `json:"reason"`
	}
	if err := json.Unmarshal(cancel.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal cancel params: %v", err)
	}
	if params.RequestID != id {
		t.Errorf("expected cancel for %v, got %v", id, params.RequestID)
	}
	if params.Reason != "Request timed out" {
		t.Errorf("unexpected reason %q", params.Reason)
	}

	stats := cli.Stats()
	if stats.Timeouts != 1 || stats.Pending != 0 {
		t.Errorf("expected 1 timeout and nothing pending, got %+v", stats)
	}
}

func TestClientCancelAndLateResponse(t *testing.T) {
	srv := newFakeServer()
	started := make(chan struct{})
	release := make(chan struct{})
	srv.handle("slow", func(context.Context, *serverConn, mcp.JSONRPCMessage) (any, error) {
		close(started)
		<-release
		return "late", nil
	})
	cli := newTestClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- cli.Call(ctx, "slow", nil, nil)
	}()
	recv(t, started, "request to reach the server")
	cancel()

	if err := recv(t, errs, "call to return"); !errors.Is(err, mcp.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	srv.latest().waitNotification(t, "notifications/cancelled")

	close(release)
	mcp.WaitFor(t, "late response to be dropped", func() bool { return cli.Stats().OrphanResponses == 1 })

	if err := cli.Ping(context.Background()); err != nil {
		t.Errorf("expected client to stay usable, got %v", err)
	}
	if stats := cli.Stats(); stats.Cancellations != 1 || stats.Pending != 0 {
		t.Errorf("expected 1 cancellation and nothing pending, got %+v", stats)
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	srv := newFakeServer()
	srv.handle("echo", func(_ context.Context, _ *serverConn, req mcp.JSONRPCMessage) (any, error) {
		return req.Params, nil
	})
	cli := newTestClient(t, srv)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var result struct {
				N int `json:"n"`
			}
			if err := cli.Call(context.Background(), "echo", map[string]int{"n": i}, &result); err != nil {
				errs <- err
				return
			}
			if result.N != i {
				errs <- fmt.Errorf("call %d got result for %d", i, result.N)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if p := cli.Stats().Pending; p != 0 {
		t.Errorf("expected nothing pending, got %d", p)
	}
}

func TestClientRetry(t *testing.T) {
	srv := newFakeServer()
	var attempts atomic.Int32
	srv.handle("flaky", func(context.Context, *serverConn, mcp.JSONRPCMessage) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, errNoReply
		}
		return "ok", nil
	})

	var retried atomic.Int32
	policy := mcp.RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         10 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          50 * time.Millisecond,
		OnRetry: func(int, error, time.Duration) {
			retried.Add(1)
		},
	}
	cli := newTestClient(t, srv, mcp.WithRetryPolicy(policy))

	var result string
	if err := cli.Call(context.Background(), "flaky", nil, &result, mcp.WithCallTimeout(50*time.Millisecond)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %q", result)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
	stats := cli.Stats()
	if stats.Retries != 1 || retried.Load() != 1 {
		t.Errorf("expected 1 retry, got %d (hook saw %d)", stats.Retries, retried.Load())
	}
	if stats.Timeouts != 1 {
		t.Errorf("expected 1 timeout, got %d", stats.Timeouts)
	}
}

func TestClientCircuitBreaker(t *testing.T) {
	srv := newFakeServer()
	var reached atomic.Int32
	srv.handle("down", func(context.Context, *serverConn, mcp.JSONRPCMessage) (any, error) {
		reached.Add(1)
		return nil, errNoReply
	})
	cli := newTestClient(t, srv, mcp.WithCircuitBreaker(mcp.CircuitBreakerConfig{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		RollingWindowSize:   2,
		MinimumRequests:     2,
		HalfOpenMaxRequests: 1,
	}))

	for range 2 {
		err := cli.Call(context.Background(), "down", nil, nil, mcp.WithCallTimeout(20*time.Millisecond), mcp.WithoutRetry())
		if !errors.Is(err, mcp.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	}
	if cli.CircuitState() != mcp.CircuitOpen {
		t.Fatalf("expected open circuit, got %s", cli.CircuitState())
	}

	err := cli.Call(context.Background(), "down", nil, nil)
	if !errors.Is(err, mcp.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if reached.Load() != 2 {
		t.Errorf("expected the open circuit to keep calls off the wire, server saw %d", reached.Load())
	}
	if stats := cli.Stats(); stats.Circuit.Trips != 1 {
		t.Errorf("expected 1 trip, got %d", stats.Circuit.Trips)
	}
}

func TestClientPeerRequests(t *testing.T) {
	srv := newFakeServer()
	roots := &mockRootsListHandler{}
	sampling := &mockSamplingHandler{}
	cli := newTestClient(t, srv,
		mcp.WithRootsListHandler(roots),
		mcp.WithSamplingHandler(sampling),
		queueElicitations(),
		mcp.WithHandler("custom/echo", mcp.HandlerFunc(func(_ context.Context, params json.RawMessage) (any, error) {
			return params, nil
		})),
	)
	conn := srv.latest()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := conn.request(ctx, mcp.MethodRootsList, nil)
	if err != nil {
		t.Fatalf("roots/list: %v", err)
	}
	var rootList mcp.RootList
	if err := json.Unmarshal(resp.Result, &rootList); err != nil {
		t.Fatalf("failed to unmarshal roots: %v", err)
	}
	if len(rootList.Roots) != 1 || rootList.Roots[0].URI != "test://root" {
		t.Errorf("unexpected roots %+v", rootList)
	}

	resp, err = conn.request(ctx, mcp.MethodSamplingCreateMessage, mcp.SamplingParams{MaxTokens: 10})
	if err != nil {
		t.Fatalf("sampling/createMessage: %v", err)
	}
	var sample mcp.SamplingResult
	if err := json.Unmarshal(resp.Result, &sample); err != nil {
		t.Fatalf("failed to unmarshal sample: %v", err)
	}
	if sample.Model != "test-model" {
		t.Errorf("unexpected sampling result %+v", sample)
	}

	resp, err = conn.request(ctx, "custom/echo", map[string]string{"k": "v"})
	if err != nil || string(resp.Result) != `{"k":"v"}` {
		t.Errorf("unexpected custom/echo response %+v (err %v)", resp, err)
	}

	resp, err = conn.request(ctx, "unknown/method", nil)
	if err != nil {
		t.Fatalf("unknown/method: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != mcp.CodeMethodNotFound {
		t.Errorf("expected method not found, got %+v", resp)
	}

	resp, err = conn.request(ctx, "ping", nil)
	if err != nil || resp.Error != nil {
		t.Errorf("expected ping to be answered, got %+v (err %v)", resp, err)
	}

	if roots.called.Load() != 1 {
		t.Errorf("expected roots handler to be called once, got %d", roots.called.Load())
	}
	if stats := cli.Stats(); stats.PeerRequests != 5 {
		t.Errorf("expected 5 peer requests, got %d", stats.PeerRequests)
	}
}

func TestClientPeerRequestBeforeReady(t *testing.T) {
	srv := newFakeServer()
	early := make(chan mcp.JSONRPCMessage, 2)
	srv.beforeInitialize = func(conn *serverConn) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for _, method := range []string{mcp.MethodRootsList, "ping"} {
			resp, err := conn.request(ctx, method, nil)
			if err != nil {
				return
			}
			early <- resp
		}
	}
	newTestClient(t, srv, mcp.WithRootsListHandler(&mockRootsListHandler{}))

	resp := recv(t, early, "roots/list response")
	if resp.Error == nil || resp.Error.Code != mcp.CodeServerNotInitialized {
		t.Errorf("expected server not initialized error, got %+v", resp)
	}
	resp = recv(t, early, "ping response")
	if resp.Error != nil {
		t.Errorf("expected ping to be answered during the handshake, got %+v", resp.Error)
	}

	// Once ready, the same request is served.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := srv.latest().request(ctx, mcp.MethodRootsList, nil)
	if err != nil || resp.Error != nil {
		t.Errorf("expected roots/list to be served, got %+v (err %v)", resp, err)
	}
}

func TestClientPeerCancel(t *testing.T) {
	srv := newFakeServer()
	started := make(chan struct{})
	stopped := make(chan struct{})
	cli := newTestClient(t, srv, mcp.WithHandler("slow/op", mcp.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return "ignored", nil
	})))
	conn := srv.latest()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	answered := make(chan error, 1)
	go func() {
		_, err := conn.requestWithID(ctx, mcp.StringID("slow-1"), "slow/op", nil)
		answered <- err
	}()

	recv(t, started, "handler to start")
	conn.notify("notifications/cancelled", map[string]any{"requestId": "slow-1", "reason": "changed my mind"})
	recv(t, stopped, "handler to be cancelled")

	if err := recv(t, answered, "request to finish"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected no reply for the cancelled request, got %v", err)
	}
	if n := cli.Stats().PeerRequests; n != 1 {
		t.Errorf("expected 1 peer request, got %d", n)
	}
}

func TestClientNotifications(t *testing.T) {
	srv := newFakeServer()
	prompts := mockPromptListWatcher{ch: make(chan struct{}, 1)}
	resources := mockResourceListWatcher{ch: make(chan struct{}, 1)}
	subscribed := mockResourceSubscribedWatcher{ch: make(chan string, 1)}
	tools := mockToolListWatcher{ch: make(chan struct{}, 1)}
	progress := mockProgressListener{ch: make(chan mcp.ProgressParams, 1)}
	logs := mockLogReceiver{ch: make(chan mcp.LogParams, 1)}
	custom := make(chan json.RawMessage, 1)

	newTestClient(t, srv,
		mcp.WithPromptListWatcher(prompts),
		mcp.WithResourceListWatcher(resources),
		mcp.WithResourceSubscribedWatcher(subscribed),
		mcp.WithToolListWatcher(tools),
		mcp.WithProgressListener(progress),
		mcp.WithLogReceiver(logs),
		mcp.WithNotificationListener("notifications/custom", func(_ context.Context, params json.RawMessage) error {
			custom <- params
			return nil
		}),
	)
	conn := srv.latest()

	conn.notify("notifications/prompts/list_changed", nil)
	recv(t, prompts.ch, "prompt list change")

	conn.notify("notifications/resources/list_changed", nil)
	recv(t, resources.ch, "resource list change")

	conn.notify("notifications/resources/updated", map[string]string{"uri": "file:///a"})
	if uri := recv(t, subscribed.ch, "resource update"); uri != "file:///a" {
		t.Errorf("expected uri file:///a, got %s", uri)
	}

	conn.notify("notifications/tools/list_changed", nil)
	recv(t, tools.ch, "tool list change")

	conn.notify("notifications/progress", map[string]any{"progressToken": 7, "progress": 0.5, "total": 1})
	p := recv(t, progress.ch, "progress")
	if p.ProgressToken != "7" || p.Progress != 0.5 || p.Total != 1 {
		t.Errorf("unexpected progress %+v", p)
	}

	conn.notify("notifications/message", map[string]any{"level": "error", "logger": "db", "data": "disk full"})
	l := recv(t, logs.ch, "log message")
	if l.Level != mcp.LogLevelError || l.Logger != "db" || string(l.Data) != `"disk full"` {
		t.Errorf("unexpected log %+v", l)
	}

	conn.notify("notifications/custom", map[string]int{"n": 1})
	if raw := recv(t, custom, "custom notification"); string(raw) != `{"n":1}` {
		t.Errorf("unexpected custom params %s", raw)
	}
}

func TestClientRootsListChanged(t *testing.T) {
	srv := newFakeServer()
	updates := make(chan struct{})
	defer close(updates)
	newTestClient(t, srv,
		mcp.WithRootsListHandler(&mockRootsListHandler{}),
		mcp.WithRootsListUpdater(mockRootsListUpdater{ch: updates}),
	)

	updates <- struct{}{}
	srv.latest().waitNotification(t, "notifications/roots/list_changed")
}

func TestClientElicitation(t *testing.T) {
	schema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"name": {Type: "string"},
			"age":  {Type: "integer"},
		},
		Required: []string{"name"},
	}
	params := mcp.ElicitationParams{Message: "Who are you?", RequestedSchema: schema}

	tests := []struct {
		name        string
		result      mcp.ElicitationResult
		wantCode    int
		wantContent map[string]any
	}{
		{
			name:        "accept valid content",
			result:      mcp.ElicitationResult{Action: mcp.ElicitationAccept, Content: map[string]any{"name": "Ada", "age": 36}},
			wantContent: map[string]any{"name": "Ada", "age": float64(36)},
		},
		{
			name:     "accept invalid content",
			result:   mcp.ElicitationResult{Action: mcp.ElicitationAccept, Content: map[string]any{"age": "old"}},
			wantCode: mcp.CodeInvalidParams,
		},
		{
			name:   "decline drops content",
			result: mcp.ElicitationResult{Action: mcp.ElicitationDecline, Content: map[string]any{"name": "Ada"}},
		},
		{
			name:     "unknown action",
			result:   mcp.ElicitationResult{Action: "maybe"},
			wantCode: mcp.CodeInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer()
			newTestClient(t, srv,
				mcp.WithElicitationHandler(&mockElicitationHandler{result: tt.result}),
				queueElicitations(),
			)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			resp, err := srv.latest().request(ctx, mcp.MethodElicitationCreate, params)
			if err != nil {
				t.Fatalf("elicitation/create: %v", err)
			}
			if tt.wantCode != 0 {
				if resp.Error == nil || resp.Error.Code != tt.wantCode {
					t.Errorf("expected error code %d, got %+v", tt.wantCode, resp)
				}
				return
			}
			if resp.Error != nil {
				t.Fatalf("unexpected error response: %+v", resp.Error)
			}
			var got mcp.ElicitationResult
			if err := json.Unmarshal(resp.Result, &got); err != nil {
				t.Fatalf("failed to unmarshal result: %v", err)
			}
			if got.Action != tt.result.Action {
				t.Errorf("expected action %s, got %s", tt.result.Action, got.Action)
			}
			if diff := cmp.Diff(tt.wantContent, got.Content); diff != "" {
				t.Errorf("content mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClientElicitationCapacity(t *testing.T) {
	srv := newFakeServer()
	handler := &mockElicitationHandler{
		result:  mcp.ElicitationResult{Action: mcp.ElicitationCancel},
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	cli := newTestClient(t, srv,
		mcp.WithElicitationHandler(handler),
		mcp.WithElicitationConfig(mcp.ElicitationConfig{
			MaxConcurrent: 1,
			Timeout:       time.Minute,
			Policy:        mcp.ElicitationReject,
		}),
	)
	conn := srv.latest()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	first := make(chan mcp.JSONRPCMessage, 1)
	go func() {
		resp, _ := conn.request(ctx, mcp.MethodElicitationCreate, mcp.ElicitationParams{Message: "first"})
		first <- resp
	}()
	recv(t, handler.started, "first elicitation")
	if entries := cli.Elicitations(); len(entries) != 1 || entries[0].State != mcp.ElicitationPending {
		t.Errorf("expected 1 pending elicitation, got %+v", entries)
	}

	resp, err := conn.request(ctx, mcp.MethodElicitationCreate, mcp.ElicitationParams{Message: "second"})
	if err != nil {
		t.Fatalf("elicitation/create: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != mcp.CodeCapacityExceeded {
		t.Errorf("expected capacity exceeded, got %+v", resp)
	}

	close(handler.release)
	if resp := recv(t, first, "first elicitation response"); resp.Error != nil {
		t.Errorf("unexpected error for the first elicitation: %+v", resp.Error)
	}
	mcp.WaitFor(t, "elicitation to finish", func() bool { return cli.Stats().Elicitations == 0 })
}

func fastReconnect() mcp.ClientOption {
	return mcp.WithReconnectPolicy(mcp.ReconnectPolicy{
		Enabled:         true,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      1.5,
	})
}

func TestClientReconnect(t *testing.T) {
	srv := newFakeServer()
	started := make(chan struct{}, 1)
	srv.handle("slow", func(context.Context, *serverConn, mcp.JSONRPCMessage) (any, error) {
		started <- struct{}{}
		return nil, errNoReply
	})
	cli := newTestClient(t, srv, fastReconnect())

	errs := make(chan error, 1)
	go func() {
		errs <- cli.Call(context.Background(), "slow", nil, nil, mcp.WithoutRetry())
	}()
	recv(t, started, "request to reach the server")

	// Keep the server unreachable so the outage can be observed.
	srv.failStarts(errors.New("connection refused"))
	srv.latest().drop()

	if err := recv(t, errs, "pending call to fail"); !errors.Is(err, mcp.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	mcp.WaitFor(t, "reconnecting state", func() bool { return cli.State() == mcp.StateReconnecting })
	err := cli.Call(context.Background(), "ping", nil, nil, mcp.WithoutRetry())
	if !errors.Is(err, mcp.ErrConnectionLost) || errors.Is(err, mcp.ErrNotInitialized) {
		t.Errorf("expected ErrConnectionLost during the outage, got %v", err)
	}

	srv.failStarts(nil)
	mcp.WaitFor(t, "reconnect", func() bool { return cli.Stats().Reconnects == 1 })

	if cli.State() != mcp.StateReady {
		t.Errorf("expected ready state, got %s", cli.State())
	}
	if err := cli.Ping(context.Background()); err != nil {
		t.Errorf("failed to ping after reconnect: %v", err)
	}
	if srv.connCount() != 2 {
		t.Errorf("expected 2 connections, got %d", srv.connCount())
	}
	mcp.WaitFor(t, "second handshake", srv.latest().isInitialized)
	if p := cli.Stats().Pending; p != 0 {
		t.Errorf("expected nothing pending, got %d", p)
	}
}

func TestClientReconnectDisabled(t *testing.T) {
	srv := newFakeServer()
	cli := newTestClient(t, srv, mcp.WithReconnectPolicy(mcp.ReconnectPolicy{}))

	srv.latest().drop()
	mcp.WaitFor(t, "disconnected state", func() bool { return cli.State() == mcp.StateDisconnected })

	if err := cli.Call(context.Background(), "ping", nil, nil, mcp.WithoutRetry()); !errors.Is(err, mcp.ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", err)
	}
	if srv.connCount() != 1 {
		t.Errorf("expected no reconnect, got %d connections", srv.connCount())
	}
}

func TestClientHealthCheck(t *testing.T) {
	srv := newFakeServer()
	var silent atomic.Bool
	srv.handle("ping", func(context.Context, *serverConn, mcp.JSONRPCMessage) (any, error) {
		if silent.Load() {
			return nil, errNoReply
		}
		return struct{}{}, nil
	})
	cli := newTestClient(t, srv, fastReconnect(), mcp.WithHealthCheck(mcp.HealthCheckConfig{
		Interval:         20 * time.Millisecond,
		Timeout:          20 * time.Millisecond,
		FailureThreshold: 2,
		SuccessThreshold: 1,
	}))

	mcp.WaitFor(t, "healthy connection", func() bool { return cli.Health().Status == mcp.HealthHealthy })

	silent.Store(true)
	mcp.WaitFor(t, "replacement connection", func() bool { return srv.connCount() == 2 })
	silent.Store(false)

	mcp.WaitFor(t, "ready state", func() bool { return cli.State() == mcp.StateReady })
	mcp.WaitFor(t, "healthy replacement", func() bool { return cli.Health().Status == mcp.HealthHealthy })
	if err := cli.Ping(context.Background()); err != nil {
		t.Errorf("failed to ping after reconnect: %v", err)
	}
}

func TestClientUndecodableStream(t *testing.T) {
	srv := newFakeServer()
	cli := newTestClient(t, srv,
		mcp.WithReconnectPolicy(mcp.ReconnectPolicy{}),
		mcp.WithMaxConsecutiveDecodeErrors(3),
	)
	conn := srv.latest()

	for range 2 {
		if err := conn.end.Send(context.Background(), []byte("garbage")); err != nil {
			t.Fatalf("failed to send: %v", err)
		}
		resp := recv(t, conn.responses, "parse error response")
		if resp.Error == nil || resp.Error.Code != mcp.CodeParseError || !resp.ID.IsZero() {
			t.Errorf("expected parse error with null id, got %+v", resp)
		}
	}
	if cli.State() != mcp.StateReady {
		t.Fatalf("expected connection to survive two bad messages, got %s", cli.State())
	}

	if err := conn.end.Send(context.Background(), []byte("garbage")); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	mcp.WaitFor(t, "connection to be dropped", func() bool { return cli.State() == mcp.StateDisconnected })
	if n := cli.Stats().DecodeErrors; n != 3 {
		t.Errorf("expected 3 decode errors, got %d", n)
	}
}
