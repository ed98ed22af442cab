//go:build darwin && arm64

package fm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/apex/log"
	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

//go:generate bash -c "swiftc -sdk $(xcrun --show-sdk-path) -target arm64-apple-macos26 -emit-library -parse-as-library -swift-version 5 -O -o libFMShim.dylib FoundationModelsShim.swift"

// FoundationModelsShim.swift exports these C entry points with @_cdecl:
//
//	int   CheckModelAvailability(void);
//	char* GetModelInfo(void);
//	void* CreateSession(void);
//	void* CreateSessionWithInstructions(const char* instructions);
//	void  ReleaseSession(void* session);
//	char* RespondWithOptions(void* session, const char* prompt, int maxTokens, float temperature);
//	char* RespondStructured(void* session, const char* prompt, const char* schemaJSON);
//	char* StreamResponse(void* session, const char* prompt, int maxTokens, float temperature,
//	                     uintptr_t handle, int (*cb)(uintptr_t handle, const char* content));
//	char* StreamStructured(void* session, const char* prompt, const char* schemaJSON,
//	                       uintptr_t handle, int (*cb)(uintptr_t handle, const char* partialJSON));
//
// The first six are also exported by older builds of libFMShim and are
// required. The last three are optional: without them structured output is
// requested through the prompt and streams deliver the whole response as a
// single increment.
//
// Returned strings are malloc'd and freed here. Respond* return text
// prefixed with "Error: " on failure; Stream* return NULL on success and an
// error message otherwise. A non-zero callback result stops the stream.

const (
	shimLibName  = "libFMShim.dylib"
	shimEnvVar   = "FMBRIDGE_SHIM_PATH"
	shimErrorTag = "Error: "

	// defaultTemperature is passed when no option is set.
	defaultTemperature = float32(0.7)
	// noTokenLimit is passed as maxTokens when no option is set.
	noTokenLimit = -1

	frameworkVersion = "1.0"
	shimModelName    = "Foundation Models (macOS 26+)"
)

// shim holds the loaded library and its bound functions.
type shim struct {
	checkModelAvailability        func() int32
	getModelInfo                  func() uintptr
	createSession                 func() uintptr
	createSessionWithInstructions func(instructions string) uintptr
	releaseSession                func(session uintptr)
	respondWithOptions            func(session uintptr, prompt string, maxTokens int32, temperature float32) uintptr
	respondStructured             func(session uintptr, prompt string, schema string) uintptr
	streamResponse                func(session uintptr, prompt string, maxTokens int32, temperature float32, handle uintptr, cb uintptr) uintptr
	streamStructured              func(session uintptr, prompt string, schema string, handle uintptr, cb uintptr) uintptr

	libcFree uintptr
	callback uintptr
}

type binding struct {
	name string
	fptr any
}

var (
	shimOnce sync.Once
	shimLib  *shim
	shimErr  error
)

// loadShim loads the Swift shim library and binds all function pointers
func loadShim(path string) (*shim, error) {
	shimOnce.Do(func() {
		shimLib, shimErr = openShim(findShimLibrary(path))
	})
	return shimLib, shimErr
}

func openShim(path string) (*shim, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: %s not found", ErrShimNotLoaded, shimLibName)
	}

	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load %s: %v", ErrShimNotLoaded, path, err)
	}

	s := &shim{}
	required := []binding{
		{"CheckModelAvailability", &s.checkModelAvailability},
		{"GetModelInfo", &s.getModelInfo},
		{"CreateSession", &s.createSession},
		{"CreateSessionWithInstructions", &s.createSessionWithInstructions},
		{"ReleaseSession", &s.releaseSession},
		{"RespondWithOptions", &s.respondWithOptions},
	}
	for _, b := range required {
		sym, err := purego.Dlsym(lib, b.name)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load %s: %v", ErrShimNotLoaded, b.name, err)
		}
		purego.RegisterFunc(b.fptr, sym)
	}

	optional := []binding{
		{"RespondStructured", &s.respondStructured},
		{"StreamResponse", &s.streamResponse},
		{"StreamStructured", &s.streamStructured},
	}
	for _, b := range optional {
		sym, err := purego.Dlsym(lib, b.name)
		if err != nil {
			log.WithField("symbol", b.name).Debug("shim symbol missing, using fallback")
			continue
		}
		purego.RegisterFunc(b.fptr, sym)
	}

	// Load system libc for memory management
	libc, err := purego.Dlopen("/usr/lib/libc.dylib", purego.RTLD_NOW)
	if err != nil {
		return nil, fmt.Errorf("failed to load libc: %w", err)
	}
	s.libcFree, err = purego.Dlsym(libc, "free")
	if err != nil {
		return nil, fmt.Errorf("failed to load free function: %w", err)
	}

	s.callback = purego.NewCallback(streamCallback)
	return s, nil
}

// findShimLibrary returns the first existing candidate path
func findShimLibrary(explicit string) string {
	searchPaths := []string{
		explicit,
		os.Getenv(shimEnvVar),
		"./" + shimLibName,       // Current directory
		"./lib/" + shimLibName,   // lib subdirectory
		"./build/" + shimLibName, // build subdirectory
	}
	if exe, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exe), shimLibName))
	}

	for _, path := range searchPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// streamCallback is the single C-callable trampoline for every stream. It
// routes increments to the Go function registered under handle.
func streamCallback(handle uintptr, content uintptr) uintptr {
	return dispatchStream(handle, goString(unsafe.Pointer(content)))
}

// shimModel drives FoundationModels through libFMShim.dylib.
type shimModel struct {
	path string
}

// NewPlatformModel returns the Foundation Models backend. The shim is
// searched at path, then $FMBRIDGE_SHIM_PATH, then next to the working
// directory and the executable. Load failures are reported through
// Availability.
func NewPlatformModel(path string) Model {
	return &shimModel{path: path}
}

func (m *shimModel) Name() string { return shimModelName }

// Load loads the shim, returning the error from the first attempt.
func (m *shimModel) Load() error {
	_, err := loadShim(m.path)
	return err
}

func (m *shimModel) Availability(ctx context.Context) Availability {
	avail := Availability{OSVersion: osVersion()}

	s, err := loadShim(m.path)
	if err != nil {
		avail.Reason = ptr(err.Error())
		return avail
	}

	avail.DeviceSupported = true
	avail.FrameworkVersion = ptr(frameworkVersion)

	switch status := s.checkModelAvailability(); status {
	case 0:
		avail.IsAvailable = true
	case 1:
		avail.Reason = ptr("Foundation Models not available on this device. Requires Apple Intelligence support: Apple Intelligence is not enabled.")
	case 2:
		avail.Reason = ptr("Foundation Models not available on this device. Requires Apple Intelligence support: the model is not ready.")
	case 3:
		avail.Reason = ptr("Foundation Models not available on this device. Requires Apple Intelligence support: this device is not eligible.")
	default:
		avail.Reason = ptr(fmt.Sprintf("Foundation Models not available on this device. Unknown availability status: %d", status))
	}
	return avail
}

// Info returns the shim's description of the system model.
func (m *shimModel) Info() string {
	s, err := loadShim(m.path)
	if err != nil {
		return err.Error()
	}
	return s.takeString(s.getModelInfo())
}

func (m *shimModel) Respond(ctx context.Context, req Request) (string, error) {
	s, sess, err := m.open(req)
	if err != nil {
		return "", err
	}
	defer s.releaseSession(sess)

	maxTokens, temperature := options(req.Options)
	return s.result(s.respondWithOptions(sess, req.Prompt, maxTokens, temperature))
}

func (m *shimModel) RespondStructured(ctx context.Context, req Request, schema *Schema) (map[string]any, error) {
	s, sess, err := m.open(req)
	if err != nil {
		return nil, err
	}
	defer s.releaseSession(sess)

	return s.structured(sess, req, schema)
}

// structured runs one constrained round trip on sess. Without
// RespondStructured the schema is sent in the prompt instead.
func (s *shim) structured(sess uintptr, req Request, schema *Schema) (map[string]any, error) {
	schemaJSON, err := schema.MarshalJSONSchema()
	if err != nil {
		return nil, err
	}

	var out string
	if s.respondStructured != nil {
		out, err = s.result(s.respondStructured(sess, req.Prompt, string(schemaJSON)))
	} else {
		maxTokens, temperature := options(req.Options)
		out, err = s.result(s.respondWithOptions(sess, structuredPrompt(req.Prompt, schemaJSON), maxTokens, temperature))
		if err == nil {
			out, err = extractJSONObject(out)
		}
	}
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", schema.Name, err)
	}
	return data, nil
}

func (m *shimModel) StreamResponse(ctx context.Context, req Request, fn func(content string) error) error {
	s, sess, err := m.open(req)
	if err != nil {
		return err
	}
	defer s.releaseSession(sess)

	maxTokens, temperature := options(req.Options)
	if s.streamResponse == nil {
		content, err := s.result(s.respondWithOptions(sess, req.Prompt, maxTokens, temperature))
		if err != nil {
			return err
		}
		return fn(content)
	}

	var stopErr error
	handle := registerStreamHandler(func(content string) bool {
		if err := fn(content); err != nil {
			stopErr = err
			return false
		}
		return true
	})
	defer unregisterStreamHandler(handle)

	msg := s.takeString(s.streamResponse(sess, req.Prompt, maxTokens, temperature, handle, s.callback))
	if stopErr != nil {
		return stopErr
	}
	if msg != "" {
		return fmt.Errorf("%s", strings.TrimPrefix(msg, shimErrorTag))
	}
	return nil
}

func (m *shimModel) StreamStructured(ctx context.Context, req Request, schema *Schema, fn func(partial map[string]any) error) error {
	s, sess, err := m.open(req)
	if err != nil {
		return err
	}
	defer s.releaseSession(sess)

	if s.streamStructured == nil {
		data, err := s.structured(sess, req, schema)
		if err != nil {
			return err
		}
		return fn(data)
	}

	schemaJSON, err := schema.MarshalJSONSchema()
	if err != nil {
		return err
	}

	var stopErr error
	handle := registerStreamHandler(func(partialJSON string) bool {
		var partial map[string]any
		if err := json.Unmarshal([]byte(partialJSON), &partial); err != nil {
			log.WithError(err).Debug("skipping undecodable partial")
			return true
		}
		if err := fn(partial); err != nil {
			stopErr = err
			return false
		}
		return true
	})
	defer unregisterStreamHandler(handle)

	msg := s.takeString(s.streamStructured(sess, req.Prompt, string(schemaJSON), handle, s.callback))
	if stopErr != nil {
		return stopErr
	}
	if msg != "" {
		return fmt.Errorf("%s", strings.TrimPrefix(msg, shimErrorTag))
	}
	return nil
}

// open loads the shim and creates a LanguageModelSession for one call.
func (m *shimModel) open(req Request) (*shim, uintptr, error) {
	s, err := loadShim(m.path)
	if err != nil {
		return nil, 0, err
	}
	var sess uintptr
	if req.Instructions != "" {
		sess = s.createSessionWithInstructions(req.Instructions)
	} else {
		sess = s.createSession()
	}
	if sess == 0 {
		return nil, 0, fmt.Errorf("failed to create LanguageModelSession")
	}
	return s, sess, nil
}

// result converts a Respond* return value into content or an error.
func (s *shim) result(p uintptr) (string, error) {
	if p == 0 {
		return "", fmt.Errorf("no response from FoundationModels")
	}
	out := s.takeString(p)
	if strings.HasPrefix(out, shimErrorTag) {
		return "", fmt.Errorf("%s", strings.TrimPrefix(out, shimErrorTag))
	}
	return out, nil
}

// takeString copies a C string returned by the shim and frees it.
func (s *shim) takeString(p uintptr) string {
	if p == 0 {
		return ""
	}
	out := goString(unsafe.Pointer(p))
	purego.SyscallN(s.libcFree, p)
	return out
}

func options(opts *GenerationOptions) (int32, float32) {
	maxTokens := int32(noTokenLimit)
	temperature := defaultTemperature
	if opts != nil {
		if opts.MaxTokens != nil {
			maxTokens = int32(*opts.MaxTokens)
		}
		if opts.Temperature != nil {
			temperature = *opts.Temperature
		}
	}
	return maxTokens, temperature
}

// goString converts a C string to a Go string
func goString(cstr unsafe.Pointer) string {
	if cstr == nil {
		return ""
	}
	length := 0
	for *(*byte)(unsafe.Add(cstr, length)) != 0 {
		length++
	}
	return string(unsafe.Slice((*byte)(cstr), length))
}

func osVersion() string {
	v, err := unix.Sysctl("kern.osproductversion")
	if err != nil || v == "" {
		return "macOS"
	}
	return "macOS " + v
}
