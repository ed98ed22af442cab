package fm

import "errors"

// The messages below are surfaced verbatim in response error fields.
var (
	// ErrEmptyPrompt is returned for an empty or whitespace-only prompt.
	ErrEmptyPrompt = errors.New("Prompt is required and cannot be empty")

	// ErrContextWindowExceeded is returned when prompt and instructions do not fit MaxContextSize.
	ErrContextWindowExceeded = errors.New("Prompt exceeds the 4096 token context window")

	// ErrMissingSchema is returned by structured calls without a schema type.
	ErrMissingSchema = errors.New("Schema type is required for structured data generation")

	// ErrUnsupportedSchema is returned for an unknown schema type.
	ErrUnsupportedSchema = errors.New("Unsupported schema type")

	// ErrUnsupportedPlatform is returned when the framework cannot run on this OS.
	ErrUnsupportedPlatform = errors.New("Foundation Models requires iOS 26.0+ or macOS 26.0+")

	// ErrShimNotLoaded is returned when libFMShim.dylib could not be loaded.
	ErrShimNotLoaded = errors.New("Foundation Models framework not available in this build")

	// ErrClosed is returned when starting a session on a closed module.
	ErrClosed = errors.New("fm: module closed")
)
