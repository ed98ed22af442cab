package fm

// Event names carried on the bridge.
const (
	EventStreamingChunk           = "onStreamingChunk"
	EventStreamingError           = "onStreamingError"
	EventStreamingCancelled       = "onStreamingCancelled"
	EventStructuredStreamingChunk = "onStructuredStreamingChunk"
)

// Events lists every event name the module emits.
var Events = []string{
	EventStreamingChunk,
	EventStreamingError,
	EventStreamingCancelled,
	EventStructuredStreamingChunk,
}

// Availability is a snapshot of the on-device model's readiness.
type Availability struct {
	IsAvailable      bool    `json:"isAvailable"`
	DeviceSupported  bool    `json:"deviceSupported"`
	OSVersion        string  `json:"osVersion"`
	FrameworkVersion *string `json:"frameworkVersion,omitempty"`
	Reason           *string `json:"reason,omitempty"`
}

// GenerationOptions represents options for controlling text generation
type GenerationOptions struct {
	// MaxTokens is the maximum number of tokens to generate (default: no limit)
	MaxTokens *int `json:"maxTokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic, 1.0 = very random)
	Temperature *float32 `json:"temperature,omitempty"`
}

// WithTemperature creates GenerationOptions with specified temperature
func WithTemperature(temp float32) *GenerationOptions {
	return &GenerationOptions{Temperature: &temp}
}

// WithMaxTokens creates GenerationOptions with specified max tokens
func WithMaxTokens(maxTokens int) *GenerationOptions {
	return &GenerationOptions{MaxTokens: &maxTokens}
}

// WithDeterministic creates GenerationOptions for deterministic output
func WithDeterministic() *GenerationOptions {
	return WithTemperature(0.0)
}

// WithBalanced creates GenerationOptions for balanced creativity
func WithBalanced() *GenerationOptions {
	return WithTemperature(0.7)
}

// WithCreative creates GenerationOptions for creative output
func WithCreative() *GenerationOptions {
	return WithTemperature(0.9)
}

// Request is the input of every generation call.
type Request struct {
	Prompt       string             `json:"prompt"`
	Instructions string             `json:"instructions,omitempty"`
	Options      *GenerationOptions `json:"options,omitempty"`
	// SchemaType names the target shape for structured calls.
	SchemaType string `json:"schemaType,omitempty"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	TokenCount     int     `json:"tokenCount"`
	GenerationTime float64 `json:"generationTime"` // seconds
	Model          string  `json:"model"`
}

// Response is the result of GenerateText. Failures are reported in Error,
// never as a separate return value.
type Response struct {
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
	Error    string   `json:"error,omitempty"`

	err error
}

// Err returns the error behind Error, suitable for errors.Is.
func (r Response) Err() error { return r.err }

// StructuredResponse is the result of GenerateStructuredData.
type StructuredResponse struct {
	Data       map[string]any `json:"data"`
	SchemaType string         `json:"schemaType"`
	Metadata   Metadata       `json:"metadata"`
	Error      string         `json:"error,omitempty"`

	err error
}

// Err returns the error behind Error, suitable for errors.Is.
func (r StructuredResponse) Err() error { return r.err }

// StreamingSession describes a started (or refused) streaming session.
type StreamingSession struct {
	SessionID   string `json:"sessionId"`
	IsActive    bool   `json:"isActive"`
	TotalTokens int    `json:"totalTokens"`
	SchemaType  string `json:"schemaType,omitempty"`
	Error       string `json:"error,omitempty"`

	err error
}

// Err returns the error behind Error, suitable for errors.Is.
func (s StreamingSession) Err() error { return s.err }

// StreamingChunk carries the cumulative content generated so far.
type StreamingChunk struct {
	SessionID  string `json:"sessionId"`
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete"`
	TokenCount int    `json:"tokenCount"`
}

// StructuredStreamingChunk carries the fields committed so far.
type StructuredStreamingChunk struct {
	SessionID  string         `json:"sessionId"`
	Data       map[string]any `json:"data"`
	SchemaType string         `json:"schemaType"`
	IsComplete bool           `json:"isComplete"`
	IsPartial  bool           `json:"isPartial"`
}

// StreamingError is emitted when a session fails.
type StreamingError struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// StreamingCancelled is emitted when a session is cancelled.
type StreamingCancelled struct {
	SessionID string `json:"sessionId"`
}
