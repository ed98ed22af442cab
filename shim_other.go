//go:build !(darwin && arm64)

package fm

import (
	"context"
	"fmt"
	"runtime"
)

// unsupportedModel stands in for Foundation Models on platforms where the
// framework does not exist. Every generation call fails.
type unsupportedModel struct{}

// NewPlatformModel returns the Foundation Models backend. Foundation Models
// only ships on Apple silicon, so on this platform the returned model
// reports deviceSupported=false and fails every call.
func NewPlatformModel(string) Model {
	return unsupportedModel{}
}

func (unsupportedModel) Name() string { return modelNone }

func (unsupportedModel) Availability(context.Context) Availability {
	return Availability{
		IsAvailable:     false,
		DeviceSupported: false,
		OSVersion:       fmt.Sprintf("%s (%s)", runtime.GOOS, runtime.GOARCH),
		Reason:          ptr("Foundation Models framework is only available on iOS 26+ or macOS 26+ with Apple Intelligence. " + runtime.GOOS + "/" + runtime.GOARCH + " is not supported."),
	}
}

func (unsupportedModel) Respond(context.Context, Request) (string, error) {
	return "", ErrUnsupportedPlatform
}

func (unsupportedModel) RespondStructured(context.Context, Request, *Schema) (map[string]any, error) {
	return nil, ErrUnsupportedPlatform
}

func (unsupportedModel) StreamResponse(context.Context, Request, func(string) error) error {
	return ErrUnsupportedPlatform
}

func (unsupportedModel) StreamStructured(context.Context, Request, *Schema, func(map[string]any) error) error {
	return ErrUnsupportedPlatform
}
