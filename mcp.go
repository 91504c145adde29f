package mcp

import (
	"context"
	"iter"

	"github.com/google/jsonschema-go/jsonschema"
)

// ClientTransport provides the client-side communication layer in the MCP protocol.
//
// The engine calls StartSession once to connect, and again every time it reconnects after
// the previous Session failed, so implementations that can re-establish a connection
// (spawning a process again, redialing a socket) should return a fresh Session on every call.
type ClientTransport interface {
	// StartSession initiates a new session with the server. The returned Session must be
	// ready to send messages. Operations are canceled when the context is canceled, and
	// appropriate errors are returned for connection failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional, framed message channel to the server. One call to
// Send carries exactly one logical message, and each value yielded by Messages is exactly
// one logical message. The engine does not assume any other framing.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits one encoded message to the other party. Send must be safe for
	// concurrent use.
	Send(ctx context.Context, msg []byte) error

	// Messages returns an iterator that yields messages received from the other party.
	// A non-nil error ends the stream and reports why the session failed; the iteration
	// ending without an error means the other party closed the session. The exception is
	// a *ProtocolError: it reports one frame the session dropped, such as one beyond its
	// size limit, and the stream continues after it. Messages is called once per session.
	Messages() iter.Seq2[[]byte, error]

	// Close releases the session. It unblocks any pending Messages iteration. Close must
	// be safe to call more than once.
	Close() error
}

// RootsListHandler defines the interface for retrieving the list of root resources in the MCP protocol.
// Root resources represent top-level entry points in the resource hierarchy that clients can access.
type RootsListHandler interface {
	// RootsList returns the list of available root resources.
	// Returns error if operation fails or context is cancelled.
	RootsList(ctx context.Context) (RootList, error)
}

// RootsListUpdater provides an interface for monitoring changes to the available roots list.
// Implementations should maintain a channel that emits notifications whenever the list of
// available roots changes, such as when roots are added, removed, or modified.
type RootsListUpdater interface {
	// RootsListUpdates returns an iterator that emits notifications when the root list changes.
	RootsListUpdates() iter.Seq[struct{}]
}

// SamplingHandler provides an interface for generating AI model responses based on conversation history.
// It handles the core sampling functionality including managing conversation context, applying model preferences,
// and generating appropriate responses while respecting token limits.
type SamplingHandler interface {
	// CreateSampleMessage generates a response message based on the provided conversation history and parameters.
	// Returns error if model selection fails, generation fails, token limit is exceeded, or context is cancelled.
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// PromptListWatcher provides an interface for receiving notifications when the server's prompt list changes.
// Implementations can use these notifications to update their internal state or trigger UI updates when
// available prompts are added, removed, or modified.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the server notifies that its prompt list has changed.
	// This can happen when prompts are added, removed, or modified on the server side.
	OnPromptListChanged()
}

// ResourceListWatcher provides an interface for receiving notifications when the server's resource list changes.
// Implementations can use these notifications to update their internal state or trigger UI updates when
// available resources are added, removed, or modified.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the server notifies that its resource list has changed.
	// This can happen when resources are added, removed, or modified on the server side.
	OnResourceListChanged()
}

// ResourceSubscribedWatcher provides an interface for receiving notifications when a subscribed resource changes.
// Implementations can use these notifications to update their internal state or trigger UI updates when
// specific resources they are interested in are modified.
type ResourceSubscribedWatcher interface {
	// OnResourceSubscribedChanged is called when the server notifies that a subscribed resource has changed.
	OnResourceSubscribedChanged(uri string)
}

// ToolListWatcher provides an interface for receiving notifications when the server's tool list changes.
// Implementations can use these notifications to update their internal state or trigger UI updates when
// available tools are added, removed, or modified.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed.
	// This can happen when tools are added, removed, or modified on the server side.
	OnToolListChanged()
}

// ProgressListener provides an interface for receiving progress updates on long-running operations.
// Implementations can use these notifications to update progress bars, status indicators, or other
// UI elements that show operation progress to users.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(params ProgressParams)
}

// LogReceiver provides an interface for receiving log messages from the server.
// Implementations can use these notifications to display logs in a UI, write them to a file,
// or forward them to a logging service.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server.
	OnLog(params LogParams)
}

// SamplingParams defines the parameters for generating a sampled message.
//
// The params are used by SamplingHandler.CreateSampleMessage to generate appropriate
// AI model responses while respecting the specified constraints and preferences.
type SamplingParams struct {
	// Messages contains the conversation history as a sequence of user and assistant messages
	Messages []SamplingMessage `json:"messages"`

	// ModelPreferences controls model selection through cost, speed, and intelligence priorities
	ModelPreferences SamplingModelPreferences `json:"modelPreferences"`

	// SystemPrompt provides system-level instructions to guide the model's behavior
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// MaxTokens specifies the maximum number of tokens allowed in the generated response
	MaxTokens int `json:"maxTokens"`
}

// SamplingMessage represents a message in the sampling conversation history. Contains
// a role indicating the message sender (user or assistant) and the content of the
// message with its type and data.
type SamplingMessage struct {
	Role    Role            `json:"role"`
	Content SamplingContent `json:"content"`
}

// SamplingContent represents the content of a sampling message. Contains the content
// type identifier, plain text content for text messages, or binary data with MIME
// type for non-text content. Either Text or Data should be populated based on the
// content Type.
type SamplingContent struct {
	Type ContentType `json:"type"`

	Text string `json:"text"`

	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// SamplingModelPreferences defines preferences for model selection and behavior. Contains
// hints to guide model selection, and priority values for different aspects (cost,
// speed, intelligence) that influence the sampling process and model choice.
type SamplingModelPreferences struct {
	Hints []struct {
		Name string `json:"name"`
	} `json:"hints"`
	CostPriority         float64 `json:"costPriority"`
	SpeedPriority        float64 `json:"speedPriority"`
	IntelligencePriority float64 `json:"intelligencePriority"`
}

// SamplingResult represents the output of a sampling operation. Contains the role of
// the generated message, its content, the name of the model that generated it, and
// the reason why generation stopped (e.g., max tokens reached, natural completion).
type SamplingResult struct {
	Role       Role            `json:"role"`
	Content    SamplingContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stopReason"`
}

// ElicitationHandler provides an interface for collecting structured input from the user on
// behalf of the server. Elicitations usually wait on a human, so they are bounded by the
// client's elicitation limit and deadline rather than by the ordinary request timeout.
type ElicitationHandler interface {
	// Elicit presents params.Message to the user and returns their answer. When the action is
	// ElicitationAccept, Content must satisfy params.RequestedSchema.
	Elicit(ctx context.Context, params ElicitationParams) (ElicitationResult, error)
}

// ElicitationAction is the user's response to an elicitation.
type ElicitationAction string

// ElicitationParams defines the parameters of an "elicitation/create" request.
type ElicitationParams struct {
	// Message is the text to present to the user.
	Message string `json:"message"`

	// RequestedSchema describes the structure of the expected answer. It is restricted by
	// the protocol to a flat object of primitive properties.
	RequestedSchema *jsonschema.Schema `json:"requestedSchema"`
}

// ElicitationResult is the client's answer to an elicitation request.
type ElicitationResult struct {
	Action ElicitationAction `json:"action"`

	// Content holds the submitted values and is only present when Action is ElicitationAccept.
	Content map[string]any `json:"content,omitempty"`
}

// ElicitationAction values.
const (
	ElicitationAccept  ElicitationAction = "accept"
	ElicitationDecline ElicitationAction = "decline"
	ElicitationCancel  ElicitationAction = "cancel"
)
