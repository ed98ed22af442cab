package fm

import (
	"errors"
	"strings"
	"sync"
)

// Stream callbacks from the shim carry an opaque handle. Each in-flight
// stream registers the Go function its increments are routed to.
var (
	streamMu       sync.Mutex
	streamHandlers = make(map[uintptr]func(string) bool)
	nextHandle     uintptr
)

func registerStreamHandler(fn func(string) bool) uintptr {
	streamMu.Lock()
	defer streamMu.Unlock()
	nextHandle++
	streamHandlers[nextHandle] = fn
	return nextHandle
}

func unregisterStreamHandler(handle uintptr) {
	streamMu.Lock()
	defer streamMu.Unlock()
	delete(streamHandlers, handle)
}

func lookupStreamHandler(handle uintptr) (func(string) bool, bool) {
	streamMu.Lock()
	defer streamMu.Unlock()
	fn, ok := streamHandlers[handle]
	return fn, ok
}

// dispatchStream delivers one increment to the handler registered under
// handle. It returns 0 to continue the stream and 1 to stop it.
func dispatchStream(handle uintptr, content string) uintptr {
	fn, ok := lookupStreamHandler(handle)
	if !ok || !fn(content) {
		return 1
	}
	return 0
}

// structuredPrompt asks for a bare JSON object matching schemaJSON. It is
// used with shims that cannot constrain decoding to a schema.
func structuredPrompt(prompt string, schemaJSON []byte) string {
	return prompt + "\n\nRespond only with a single JSON object that matches this JSON Schema. Do not add any other text.\n" + string(schemaJSON)
}

var errNoJSONObject = errors.New("response does not contain a JSON object")

// extractJSONObject returns the outermost JSON object in s, ignoring
// markdown fences and surrounding prose.
func extractJSONObject(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", errNoJSONObject
	}
	return s[start : end+1], nil
}
