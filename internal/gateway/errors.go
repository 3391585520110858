package gateway

import (
	"errors"
	"fmt"

	"github.com/nulzo/novel-gateway/internal/llm"
	"github.com/nulzo/novel-gateway/internal/repair"
	"github.com/nulzo/novel-gateway/internal/resilience"
)

// Kind is the caller-facing category of a terminal failure.
type Kind string

const (
	KindConfiguration    Kind = "configuration"
	KindNetwork          Kind = "network"
	KindServer           Kind = "server"
	KindRateLimit        Kind = "rate_limit"
	KindSafetyBlock      Kind = "safety_block"
	KindCancelled        Kind = "cancelled"
	KindUnparsableOutput Kind = "unparsable_output"
	KindOther            Kind = "other"
)

var (
	ErrCancelled   = errors.New("request cancelled")
	ErrUnknownTask = errors.New("unknown task kind")
)

// Error is returned for every failed gateway request.
type Error struct {
	Kind     Kind
	Provider llm.ProviderID
	Task     TaskKind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s %s failed after %d attempts (%s): %v", e.Provider, e.Task, e.Attempts, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Provider, e.Task, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrCancelled && e.Kind == KindCancelled
}

// KindOf extracts the failure kind from err. Errors that did not come from the
// gateway are classified on the fly.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return kindFor(err)
}

func kindFor(err error) Kind {
	if errors.Is(err, repair.ErrUnparsableOutput) {
		return KindUnparsableOutput
	}
	if errors.Is(err, ErrUnknownTask) {
		return KindConfiguration
	}
	switch resilience.Classify(err) {
	case resilience.Configuration:
		return KindConfiguration
	case resilience.Network:
		return KindNetwork
	case resilience.Server:
		return KindServer
	case resilience.RateLimit:
		return KindRateLimit
	case resilience.Safety:
		return KindSafetyBlock
	case resilience.Cancelled:
		return KindCancelled
	default:
		return KindOther
	}
}
