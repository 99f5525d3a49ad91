package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Capability names the pluggable service a provider implements.
type Capability string

// Capabilities invoked by the workflow.
const (
	CapabilityPrompt      Capability = "prompt"
	CapabilityImageCreate Capability = "image_create"
	CapabilityImageEdit   Capability = "image_edit"
	CapabilityStorage     Capability = "storage"
)

// Kind classifies a provider failure.
type Kind int

// Failure kinds. Transient failures may succeed on retry; permanent ones never will.
const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the classified failure every provider returns. Errors that are not
// an *Error are treated as faults outside the taxonomy.
type Error struct {
	Capability Capability
	Kind       Kind
	Op         string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Capability) + ": " + e.Kind.String()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient returns a transient failure of the given capability.
func NewTransient(c Capability, op string, err error) *Error {
	return &Error{Capability: c, Kind: Transient, Op: op, Err: err}
}

// NewPermanent returns a permanent failure of the given capability.
func NewPermanent(c Capability, op string, err error) *Error {
	return &Error{Capability: c, Kind: Permanent, Op: op, Err: err}
}

// AsError extracts the classified provider error from err.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IsTransient reports whether err is a transient provider failure.
func IsTransient(err error) bool {
	perr, ok := AsError(err)
	return ok && perr.Kind == Transient
}

// ClassifyHTTPStatus maps an HTTP status code returned by a remote service to
// a failure kind: throttling, request timeouts and server errors are transient.
func ClassifyHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return Transient
	case code >= 500:
		return Transient
	default:
		return Permanent
	}
}

// ClassifyContext returns a transient error when err stems from a cancelled or
// expired context, and nil otherwise.
func ClassifyContext(c Capability, op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewTransient(c, op, err)
	}
	return nil
}

// Artifact is a binary image produced by an image provider.
type Artifact struct {
	Data        []byte
	ContentType string
}

// Purpose selects how a prompt is derived.
type Purpose string

// Prompt purposes.
const (
	PurposeCreate Purpose = "create"
	PurposeEdit   Purpose = "edit"
)

// PromptRequest is the input to prompt derivation.
type PromptRequest struct {
	Purpose Purpose
	Text    string
}

// EditRequest is the input to an image edit.
type EditRequest struct {
	SourceURL   string
	Instruction string
	// Prompt is the derived model prompt. Empty when derivation produced none.
	Prompt string
}

// PromptProvider turns job text into a model prompt.
type PromptProvider interface {
	Derive(ctx context.Context, req PromptRequest) (string, error)
}

// ImageCreator synthesizes a new image from a prompt.
type ImageCreator interface {
	Create(ctx context.Context, prompt string) (Artifact, error)
}

// ImageEditor modifies an existing image.
type ImageEditor interface {
	Edit(ctx context.Context, req EditRequest) (Artifact, error)
}

// ObjectStore persists artifacts and returns their public URL.
type ObjectStore interface {
	Put(ctx context.Context, key string, a Artifact) (string, error)
}
