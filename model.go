package fm

import (
	"context"
	"strings"
	"unicode/utf8"
)

// MaxContextSize is the Foundation Models context window in tokens.
const MaxContextSize = 4096

// Model is the on-device language model the module drives. The platform
// implementation calls into FoundationModels through the Swift shim;
// package fmtest provides a scripted one.
type Model interface {
	// Name identifies the model in response metadata.
	Name() string

	// Availability probes the framework. It is called on every request and
	// must not cache.
	Availability(ctx context.Context) Availability

	// Respond performs one prompt/response round trip.
	Respond(ctx context.Context, req Request) (string, error)

	// RespondStructured performs one round trip constrained to schema.
	RespondStructured(ctx context.Context, req Request, schema *Schema) (map[string]any, error)

	// StreamResponse calls fn with the cumulative content after every
	// increment. Returning an error from fn stops the stream and that
	// error is returned.
	StreamResponse(ctx context.Context, req Request, fn func(content string) error) error

	// StreamStructured calls fn with the fields committed so far after
	// every increment of the constrained decoder.
	StreamStructured(ctx context.Context, req Request, schema *Schema, fn func(partial map[string]any) error) error
}

// Describer is implemented by models that can report details about
// themselves.
type Describer interface {
	Info() string
}

// Loader is implemented by models backed by a native library. Load
// returns the error from loading it, if any.
type Loader interface {
	Load() error
}

// estimateTokens provides a rough estimate of token count for text
// This is a simple approximation: ~4 characters per token on average
func estimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

// validateRequest rejects requests before any platform call is made.
func validateRequest(req Request) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if estimateTokens(req.Instructions)+estimateTokens(req.Prompt) > MaxContextSize {
		return ErrContextWindowExceeded
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
