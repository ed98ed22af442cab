/*
Package fm provides a pure Go binding to Apple's on-device Foundation Models framework.

Foundation Models is Apple's on-device large language model framework introduced in macOS 26 Tahoe,
providing privacy-focused AI capabilities without requiring internet connectivity. The binding
calls a Swift shim library (libFMShim.dylib) through purego, so no cgo toolchain is needed.

# Features

• Availability probe with a human-readable reason when the model cannot run
• Single-shot text generation with instructions and GenerationOptions
• Structured generation against the userProfile, product and event schemas
• Streaming text and structured sessions with cancellation
• Broadcast event bridge delivering every session's events to every listener
• Context window validation (4096 token limit)

# Requirements

• macOS 26 Tahoe or later
• Apple Intelligence enabled
• Compatible Apple Silicon device

On any other platform every generation call fails with ErrUnsupportedPlatform and
CheckAvailability reports deviceSupported=false.

# Basic Usage

	m := fm.New(nil)
	defer m.Close(context.Background())

	resp := m.GenerateText(ctx, fm.Request{Prompt: "Tell me about artificial intelligence"})
	if resp.Error != "" {
		log.Fatal(resp.Error)
	}
	fmt.Println(resp.Content)

# Structured Output

	resp := m.GenerateStructuredData(ctx, fm.Request{
		Prompt:     "A waterproof hiking backpack",
		SchemaType: fm.SchemaProduct,
	})
	fmt.Println(resp.Data["name"], resp.Data["price"])

# Streaming

Sessions run in the background and report through listeners. Every session ends
with exactly one terminal event: a chunk with IsComplete set, an onStreamingError,
or an onStreamingCancelled.

	sub := m.OnStreamingChunk(func(c fm.StreamingChunk) {
		fmt.Print(c.Content)
	})
	defer sub.Remove()

	s := m.StartStreamingSession(ctx, fm.Request{Prompt: "Write a haiku"})
	if s.Error != "" {
		log.Fatal(s.Error)
	}
	// later
	m.CancelStreamingSession(s.SessionID)

Listeners receive events for all sessions and must filter by SessionID.

# Swift Shim

The shim is searched for in the path passed to NewPlatformModel, $FMBRIDGE_SHIM_PATH,
the working directory, ./lib, ./build and the executable's directory.
Build it from FoundationModelsShim.swift with:

	go generate

Older shims without the structured and streaming entry points still work:
structured output is requested through the prompt and streams deliver the
whole response as one chunk.
*/
package fm
