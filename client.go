package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// CallOption adjusts a single call made with Client.Call.
type CallOption func(*callOptions)

// Client implements a Model Context Protocol (MCP) client. It correlates the requests it
// sends with the server's responses, serves the requests and notifications the server
// sends back, and keeps the connection usable: failed calls are retried, a circuit breaker
// stops hammering a failing server, health probes detect a dead connection, and a lost
// connection is re-established with a fresh handshake.
//
// A Client must be created using NewClient() and requires Connect() to be called before
// any operations can be performed. The client should be closed using Close() when it's no
// longer needed.
type Client struct {
	info      Info
	transport ClientTransport
	logger    *slog.Logger

	registry     *Registry
	table        *pendingTable
	breaker      *CircuitBreaker
	health       *HealthChecker
	elicitations *ElicitationManager
	corr         *correlator
	disp         *dispatcher
	conn         *connection
	stats        *clientStats

	rootsListHandler   RootsListHandler
	rootsListUpdater   RootsListUpdater
	samplingHandler    SamplingHandler
	elicitationHandler ElicitationHandler

	promptListWatcher         PromptListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	toolListWatcher           ToolListWatcher
	progressListener          ProgressListener
	logReceiver               LogReceiver

	handlers     []methodHandler
	listeners    []methodListener
	interceptors []CallInterceptor

	writeTimeout       time.Duration
	requestTimeout     time.Duration
	retry              RetryPolicy
	breakerCfg         CircuitBreakerConfig
	healthCfg          HealthCheckConfig
	reconnect          ReconnectPolicy
	elicitationCfg     ElicitationConfig
	ids                IDGenerator
	versions           []string
	codec              Codec
	maxDecodeErrors    int
	notificationBuffer int

	watchRoots sync.Once
}

// ClientStats is a snapshot of a client's counters.
type ClientStats struct {
	RequestsSent          uint64
	ResponsesReceived     uint64
	NotificationsSent     uint64
	NotificationsReceived uint64
	PeerRequests          uint64
	Timeouts              uint64
	Cancellations         uint64
	Retries               uint64
	OrphanResponses       uint64
	DroppedNotifications  uint64
	DecodeErrors          uint64
	Reconnects            uint64

	// Pending is the number of outbound requests awaiting a response.
	Pending int
	// Elicitations is the number of peer elicitations being served.
	Elicitations int

	Circuit CircuitStats
	Health  HealthInfo
}

type clientStats struct {
	requestsSent          atomic.Uint64
	responsesReceived     atomic.Uint64
	notificationsSent     atomic.Uint64
	notificationsReceived atomic.Uint64
	peerRequests          atomic.Uint64
	timeouts              atomic.Uint64
	cancellations         atomic.Uint64
	retries               atomic.Uint64
	orphanResponses       atomic.Uint64
	droppedNotifications  atomic.Uint64
	decodeErrors          atomic.Uint64
	reconnects            atomic.Uint64
}

type methodHandler struct {
	method  string
	handler Handler
}

type methodListener struct {
	method   string
	listener Listener
}

type callOptions struct {
	timeout time.Duration
	retry   RetryPolicy
}

var (
	defaultClientWriteTimeout   = 30 * time.Second
	defaultClientRequestTimeout = 30 * time.Second
)

// WithClientLogger sets the logger for the client and everything it runs.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRootsListHandler sets the roots list handler for the client.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.rootsListHandler = handler
	}
}

// WithRootsListUpdater sets the roots list updater for the client.
func WithRootsListUpdater(updater RootsListUpdater) ClientOption {
	return func(c *Client) {
		c.rootsListUpdater = updater
	}
}

// WithSamplingHandler sets the sampling handler for the client. Sampling requests are
// governed by the elicitation limits, so an elicitation policy must be configured too.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithElicitationHandler sets the handler that answers the server's elicitation requests.
// An elicitation policy must be configured with WithElicitationConfig.
func WithElicitationHandler(handler ElicitationHandler) ClientOption {
	return func(c *Client) {
		c.elicitationHandler = handler
	}
}

// WithElicitationConfig bounds concurrent elicitation and sampling requests from the
// server. cfg.Policy must be ElicitationQueue or ElicitationReject.
func WithElicitationConfig(cfg ElicitationConfig) ClientOption {
	return func(c *Client) {
		c.elicitationCfg = cfg
	}
}

// WithPromptListWatcher sets the prompt list watcher for the client.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the resource list watcher for the client.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithResourceSubscribedWatcher sets the resource subscribe watcher for the client.
func WithResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) {
		c.resourceSubscribedWatcher = watcher
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithHandler serves the server-initiated request method with h.
func WithHandler(method string, h Handler) ClientOption {
	return func(c *Client) {
		c.handlers = append(c.handlers, methodHandler{method: method, handler: h})
	}
}

// WithNotificationListener adds a listener for the server notification method.
func WithNotificationListener(method string, l Listener) ClientOption {
	return func(c *Client) {
		c.listeners = append(c.listeners, methodListener{method: method, listener: l})
	}
}

// WithClientWriteTimeout sets the time allowed for handing one message to the transport.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientRequestTimeout sets how long a call waits for its response.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientPingInterval sets the interval between health probes. Zero disables probing.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.healthCfg.Interval = interval
	}
}

// WithClientPingTimeoutThreshold sets the number of consecutive failed probes after which
// the connection is considered lost.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.healthCfg.FailureThreshold = threshold
	}
}

// WithHealthCheck replaces the whole health check configuration.
func WithHealthCheck(cfg HealthCheckConfig) ClientOption {
	return func(c *Client) {
		c.healthCfg = cfg
	}
}

// WithRetryPolicy sets the retry policy applied to every call.
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = policy
	}
}

// WithCircuitBreaker sets the circuit breaker configuration.
func WithCircuitBreaker(cfg CircuitBreakerConfig) ClientOption {
	return func(c *Client) {
		c.breakerCfg = cfg
	}
}

// WithReconnectPolicy sets how a lost connection is re-established.
func WithReconnectPolicy(policy ReconnectPolicy) ClientOption {
	return func(c *Client) {
		c.reconnect = policy
	}
}

// WithIDGenerator sets the generator of outbound request ids.
func WithIDGenerator(ids IDGenerator) ClientOption {
	return func(c *Client) {
		c.ids = ids
	}
}

// WithProtocolVersions sets the protocol revisions the client accepts, preferred first.
// The first one is proposed to the server.
func WithProtocolVersions(versions ...string) ClientOption {
	return func(c *Client) {
		c.versions = versions
	}
}

// WithMaxMessageSize bounds the size of inbound messages. Zero disables the limit.
func WithMaxMessageSize(size int) ClientOption {
	return func(c *Client) {
		c.codec.MaxMessageSize = size
	}
}

// WithMaxConsecutiveDecodeErrors sets how many undecodable messages in a row make the
// connection count as lost. Zero disables the limit.
func WithMaxConsecutiveDecodeErrors(n int) ClientOption {
	return func(c *Client) {
		c.maxDecodeErrors = n
	}
}

// WithNotificationBuffer sets how many notifications may wait for their listeners before
// new ones are dropped.
func WithNotificationBuffer(size int) ClientOption {
	return func(c *Client) {
		c.notificationBuffer = size
	}
}

// WithCallInterceptors appends interceptors that wrap every call made through Call. They
// run in the order given, the first being the outermost.
func WithCallInterceptors(interceptors ...CallInterceptor) ClientOption {
	return func(c *Client) {
		for _, ic := range interceptors {
			if ic != nil {
				c.interceptors = append(c.interceptors, ic)
			}
		}
	}
}

// WithCallTimeout overrides the request timeout for one call.
func WithCallTimeout(timeout time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = timeout
	}
}

// WithoutRetry makes one call a single attempt.
func WithoutRetry() CallOption {
	return func(o *callOptions) {
		o.retry = NoRetry()
	}
}

// NewClient creates a new Model Context Protocol (MCP) client that talks to a server over
// transport. The info parameter identifies the client to the server.
//
// Optional behaviors are configured through ClientOption functions: handlers for the
// requests the server may send, watchers for its notifications, and the timeouts, retry,
// circuit breaker, health check and reconnect policies.
//
// The client will not be connected until Connect() is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) (*Client, error) {
	c := &Client{
		info:               info,
		transport:          transport,
		logger:             slog.Default(),
		registry:           NewRegistry(),
		table:              newPendingTable(),
		stats:              &clientStats{},
		writeTimeout:       defaultClientWriteTimeout,
		requestTimeout:     defaultClientRequestTimeout,
		retry:              DefaultRetryPolicy(),
		breakerCfg:         DefaultCircuitBreakerConfig(),
		healthCfg:          DefaultHealthCheckConfig(),
		reconnect:          DefaultReconnectPolicy(),
		elicitationCfg:     DefaultElicitationConfig(),
		ids:                &CounterIDGenerator{},
		versions:           SupportedProtocolVersions,
		codec:              Codec{MaxMessageSize: defaultMaxMessageSize},
		maxDecodeErrors:    defaultMaxDecodeErrors,
		notificationBuffer: defaultNotificationBuffer,
	}
	for _, opt := range options {
		opt(c)
	}

	if transport == nil {
		return nil, errors.New("failed to create client: nil transport")
	}
	if err := errors.Join(c.retry.validate(), c.healthCfg.validate(), c.reconnect.validate()); err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	if len(c.versions) == 0 {
		return nil, errors.New("failed to create client: no protocol versions")
	}
	if c.notificationBuffer < 1 {
		c.notificationBuffer = 1
	}

	breaker, err := NewCircuitBreaker(c.breakerCfg, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	c.breaker = breaker

	if err := c.registerHandlers(); err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	governed := c.samplingHandler != nil || c.elicitationHandler != nil
	if !governed {
		_, hasSampling := c.registry.Lookup(MethodSamplingCreateMessage)
		_, hasElicitation := c.registry.Lookup(MethodElicitationCreate)
		governed = hasSampling || hasElicitation
	}
	if governed || c.elicitationCfg.Policy != ElicitationPolicyUnset {
		m, err := NewElicitationManager(c.elicitationCfg, c.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
		c.elicitations = m
	}

	userOnRetry := c.retry.OnRetry
	c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.stats.retries.Add(1)
		c.logger.Debug("retrying request", "attempt", attempt, "err", err, "delay", delay)
		if userOnRetry != nil {
			userOnRetry(attempt, err, delay)
		}
	}

	c.health = NewHealthChecker(c.healthCfg, c.probe, c.logger)
	c.corr = &correlator{
		table:        c.table,
		ids:          c.ids,
		codec:        c.codec,
		breaker:      c.breaker,
		stats:        c.stats,
		writeTimeout: c.writeTimeout,
		logger:       c.logger,
	}
	c.disp = &dispatcher{
		codec:              c.codec,
		table:              c.table,
		registry:           c.registry,
		elicitations:       c.elicitations,
		replies:            c.corr,
		stats:              c.stats,
		logger:             c.logger,
		maxDecodeErrors:    c.maxDecodeErrors,
		notificationBuffer: c.notificationBuffer,
	}
	c.conn = newConnection(c.transport, c.reconnect, c.health, connectionHooks{
		serve:      c.disp.serve,
		handshake:  c.handshake,
		negotiator: c.newNegotiator,
		lost:       c.connectionLost,
	}, c.stats, c.logger)
	c.corr.path = c.conn
	c.disp.gate = c.conn.peerGate

	return c, nil
}

// Connect establishes a session with the MCP server and runs the protocol handshake. It
// returns once the session is ready for use, or with the error that prevented it. The
// version the server answers with must be one the client supports.
//
// If the connection is later lost, the client re-establishes it according to its
// reconnect policy.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.open(ctx); err != nil {
		return err
	}
	if c.rootsListUpdater != nil {
		c.watchRoots.Do(func() {
			go c.listenListRootUpdates(c.conn.ctx)
		})
	}
	return nil
}

// Close shuts the client down. Outstanding calls and elicitations fail with
// ErrClientClosed, the session is closed, and every later operation returns
// ErrClientClosed.
func (c *Client) Close() error {
	return c.conn.close()
}

// Call sends method with params and decodes the result into result, which may be nil. A
// server error response is returned as a *JSONRPCError. Failures the retry policy deems
// transient are retried.
func (c *Client) Call(ctx context.Context, method string, params, result any, opts ...CallOption) error {
	o := callOptions{timeout: c.requestTimeout, retry: c.retry}
	for _, opt := range opts {
		opt(&o)
	}

	invoke := func(ctx context.Context, method string, params any) (json.RawMessage, error) {
		var raw json.RawMessage
		err := o.retry.Do(ctx, c.breaker, func(ctx context.Context) error {
			var err error
			raw, err = c.corr.call(ctx, method, params, o.timeout)
			return err
		})
		return raw, err
	}
	raw, err := chainInterceptors(c.interceptors, invoke)(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// Notify sends a notification to the server.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	return c.corr.notify(ctx, method, params)
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, methodPing, nil, nil)
}

// ListPrompts retrieves a paginated list of available prompts from the server.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification is sent to the server to stop processing.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	if err := c.require("prompts", func(caps ServerCapabilities) bool { return caps.Prompts != nil }); err != nil {
		return ListPromptResult{}, err
	}
	var result ListPromptResult
	err := c.Call(ctx, MethodPromptsList, params, &result)
	return result, err
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.require("prompts", func(caps ServerCapabilities) bool { return caps.Prompts != nil }); err != nil {
		return GetPromptResult{}, err
	}
	var result GetPromptResult
	err := c.Call(ctx, MethodPromptsGet, params, &result)
	return result, err
}

// ListResources retrieves a paginated list of available resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.require("resources", func(caps ServerCapabilities) bool { return caps.Resources != nil }); err != nil {
		return ListResourcesResult{}, err
	}
	var result ListResourcesResult
	err := c.Call(ctx, MethodResourcesList, params, &result)
	return result, err
}

// ReadResource retrieves the contents of a specific resource.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.require("resources", func(caps ServerCapabilities) bool { return caps.Resources != nil }); err != nil {
		return ReadResourceResult{}, err
	}
	var result ReadResourceResult
	err := c.Call(ctx, MethodResourcesRead, params, &result)
	return result, err
}

// ListResourceTemplates retrieves the parameterized resources the server exposes.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	if err := c.require("resources", func(caps ServerCapabilities) bool { return caps.Resources != nil }); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	var result ListResourceTemplatesResult
	err := c.Call(ctx, MethodResourcesTemplatesList, params, &result)
	return result, err
}

// SubscribeResource registers the client for notifications about changes to a specific
// resource. Changes are reported through the ResourceSubscribedWatcher set with
// WithResourceSubscribedWatcher.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if err := c.require("resource subscriptions", func(caps ServerCapabilities) bool {
		return caps.Resources != nil && caps.Resources.Subscribe
	}); err != nil {
		return err
	}
	return c.Call(ctx, MethodResourcesSubscribe, params, nil)
}

// UnsubscribeResource unregisters the client for notifications about a specific resource.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	if err := c.require("resource subscriptions", func(caps ServerCapabilities) bool {
		return caps.Resources != nil && caps.Resources.Subscribe
	}); err != nil {
		return err
	}
	return c.Call(ctx, MethodResourcesUnsubscribe, params, nil)
}

// ListTools retrieves a paginated list of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.require("tools", func(caps ServerCapabilities) bool { return caps.Tools != nil }); err != nil {
		return ListToolsResult{}, err
	}
	var result ListToolsResult
	err := c.Call(ctx, MethodToolsList, params, &result)
	return result, err
}

// CallTool executes a specific tool and returns its result. A tool that ran and failed
// reports it through CallToolResult.IsError rather than an error.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.require("tools", func(caps ServerCapabilities) bool { return caps.Tools != nil }); err != nil {
		return CallToolResult{}, err
	}
	var result CallToolResult
	err := c.Call(ctx, MethodToolsCall, params, &result)
	return result, err
}

// Complete requests completion suggestions for a prompt or resource template argument.
func (c *Client) Complete(ctx context.Context, params CompletesCompletionParams) (CompletionResult, error) {
	if err := c.require("completions", func(caps ServerCapabilities) bool {
		return caps.Completions != nil || caps.Prompts != nil || caps.Resources != nil
	}); err != nil {
		return CompletionResult{}, err
	}
	var result CompletionResult
	err := c.Call(ctx, MethodCompletionComplete, params, &result)
	return result, err
}

// SetLogLevel sets the minimum severity of the log messages the server sends.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if err := c.require("logging", func(caps ServerCapabilities) bool { return caps.Logging != nil }); err != nil {
		return err
	}
	return c.Call(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level}, nil)
}

// RootsListChanged tells the server that the client's roots have changed.
func (c *Client) RootsListChanged(ctx context.Context) error {
	return c.Notify(ctx, methodNotificationsRootsListChanged, nil)
}

// Session returns what was negotiated with the server on the current connection.
func (c *Client) Session() (NegotiatedSession, bool) {
	return c.conn.negotiated()
}

// ServerInfo returns the server's info.
func (c *Client) ServerInfo() Info {
	sess, _ := c.Session()
	return sess.ServerInfo
}

// PromptServerSupported returns true if the server supports prompt management.
func (c *Client) PromptServerSupported() bool {
	sess, _ := c.Session()
	return sess.ServerCapabilities.Prompts != nil
}

// ResourceServerSupported returns true if the server supports resource management.
func (c *Client) ResourceServerSupported() bool {
	sess, _ := c.Session()
	return sess.ServerCapabilities.Resources != nil
}

// ToolServerSupported returns true if the server supports tool management.
func (c *Client) ToolServerSupported() bool {
	sess, _ := c.Session()
	return sess.ServerCapabilities.Tools != nil
}

// LoggingServerSupported returns true if the server supports logging.
func (c *Client) LoggingServerSupported() bool {
	sess, _ := c.Session()
	return sess.ServerCapabilities.Logging != nil
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	return c.conn.State()
}

// CircuitState returns the state of the client's circuit breaker.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// Health returns the latest health probe results.
func (c *Client) Health() HealthInfo {
	return c.health.Info()
}

// Registry returns the registry of handlers and listeners for server traffic. Handlers
// registered after Connect take effect immediately, but capabilities are only advertised
// on the next handshake.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Elicitations returns the elicitations currently being served, oldest first.
func (c *Client) Elicitations() []ElicitationEntry {
	if c.elicitations == nil {
		return nil
	}
	return c.elicitations.Entries()
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() ClientStats {
	s := c.stats.snapshot()
	s.Pending = c.table.len()
	if c.elicitations != nil {
		s.Elicitations = c.elicitations.Len()
	}
	s.Circuit = c.breaker.Stats()
	s.Health = c.health.Info()
	return s
}

func (c *Client) registerHandlers() error {
	var errs []error
	register := func(method string, h Handler) {
		errs = append(errs, c.registry.Register(method, h))
	}

	if c.rootsListHandler != nil {
		register(MethodRootsList, rootsListAdapter(c.rootsListHandler))
	}
	if c.samplingHandler != nil {
		register(MethodSamplingCreateMessage, samplingAdapter(c.samplingHandler))
	}
	if c.elicitationHandler != nil {
		register(MethodElicitationCreate, elicitationAdapter(c.elicitationHandler))
	}
	for _, mh := range c.handlers {
		register(mh.method, mh.handler)
	}

	if w := c.promptListWatcher; w != nil {
		c.registry.AddListener(methodNotificationsPromptsListChanged, signalListener(w.OnPromptListChanged))
	}
	if w := c.resourceListWatcher; w != nil {
		c.registry.AddListener(methodNotificationsResourcesListChanged, signalListener(w.OnResourceListChanged))
	}
	if w := c.resourceSubscribedWatcher; w != nil {
		c.registry.AddListener(methodNotificationsResourcesUpdated,
			unmarshalListener(func(p notificationsResourcesUpdatedParams) {
				w.OnResourceSubscribedChanged(p.URI)
			}))
	}
	if w := c.toolListWatcher; w != nil {
		c.registry.AddListener(methodNotificationsToolsListChanged, signalListener(w.OnToolListChanged))
	}
	if l := c.progressListener; l != nil {
		c.registry.AddListener(methodNotificationsProgress, unmarshalListener(l.OnProgress))
	}
	if r := c.logReceiver; r != nil {
		c.registry.AddListener(methodNotificationsMessage, unmarshalListener(r.OnLog))
	}
	for _, ml := range c.listeners {
		c.registry.AddListener(ml.method, ml.listener)
	}

	return errors.Join(errs...)
}

func (c *Client) newNegotiator() *negotiator {
	caps := c.registry.Capabilities()
	if caps.Roots != nil && c.rootsListUpdater != nil {
		caps.Roots.ListChanged = true
	}
	return newNegotiator(c.info, caps, c.versions, c.logger)
}

// handshake negotiates a new session. The initialize request is a single attempt with the
// ordinary request timeout: the reconnect loop owns retrying it.
func (c *Client) handshake(ctx context.Context, neg *negotiator) (NegotiatedSession, error) {
	call := func(ctx context.Context, method string, params any) (json.RawMessage, error) {
		return c.corr.call(ctx, method, params, c.requestTimeout)
	}
	return neg.handshake(ctx, call, c.corr.notify)
}

// probe is the health check: a ping that bypasses retries.
func (c *Client) probe(ctx context.Context) error {
	_, err := c.corr.call(ctx, methodPing, nil, 0)
	return err
}

// connectionLost fails everything that was outstanding on a session that ended.
func (c *Client) connectionLost(err error) {
	requests := c.table.sweep(err)
	var elicitations int
	if c.elicitations != nil {
		elicitations = c.elicitations.sweep()
	}
	if requests > 0 || elicitations > 0 {
		c.logger.Warn("failed outstanding work of ended session",
			"requests", requests, "elicitations", elicitations, "err", err)
	}
}

// require checks a server capability of the current session.
func (c *Client) require(name string, supported func(ServerCapabilities) bool) error {
	sess, ok := c.conn.negotiated()
	if !ok {
		switch c.conn.State() {
		case StateClosed:
			return ErrClientClosed
		case StateReconnecting:
			return fmt.Errorf("%w: client is reconnecting", ErrConnectionLost)
		default:
			return ErrNotInitialized
		}
	}
	if !supported(sess.ServerCapabilities) {
		return fmt.Errorf("%s not supported by server", name)
	}
	return nil
}

func (c *Client) listenListRootUpdates(ctx context.Context) {
	for range c.rootsListUpdater.RootsListUpdates() {
		if ctx.Err() != nil {
			return
		}
		if err := c.RootsListChanged(ctx); err != nil {
			c.logger.Error("failed to send notification on roots list change", "err", err)
		}
	}
}

func (s *clientStats) snapshot() ClientStats {
	return ClientStats{
		RequestsSent:          s.requestsSent.Load(),
		ResponsesReceived:     s.responsesReceived.Load(),
		NotificationsSent:     s.notificationsSent.Load(),
		NotificationsReceived: s.notificationsReceived.Load(),
		PeerRequests:          s.peerRequests.Load(),
		Timeouts:              s.timeouts.Load(),
		Cancellations:         s.cancellations.Load(),
		Retries:               s.retries.Load(),
		OrphanResponses:       s.orphanResponses.Load(),
		DroppedNotifications:  s.droppedNotifications.Load(),
		DecodeErrors:          s.decodeErrors.Load(),
		Reconnects:            s.reconnects.Load(),
	}
}
