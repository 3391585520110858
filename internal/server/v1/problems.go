package v1

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/nulzo/novel-gateway/internal/gateway"
	"github.com/nulzo/novel-gateway/internal/llm"
	"github.com/nulzo/novel-gateway/pkg/api"
)

// StatusClientClosedRequest is the de-facto status for requests the client
// abandoned before a response was produced.
const StatusClientClosedRequest = 499

var kindStatus = map[gateway.Kind]int{
	gateway.KindConfiguration:    http.StatusBadRequest,
	gateway.KindSafetyBlock:      http.StatusUnprocessableEntity,
	gateway.KindRateLimit:        http.StatusTooManyRequests,
	gateway.KindCancelled:        StatusClientClosedRequest,
	gateway.KindUnparsableOutput: http.StatusBadGateway,
	gateway.KindNetwork:          http.StatusBadGateway,
	gateway.KindServer:           http.StatusServiceUnavailable,
	gateway.KindOther:            http.StatusBadGateway,
}

var kindTitle = map[gateway.Kind]string{
	gateway.KindConfiguration:    "Invalid Provider Configuration",
	gateway.KindSafetyBlock:      "Blocked By Provider Safety Filter",
	gateway.KindRateLimit:        "Provider Rate Limited",
	gateway.KindCancelled:        "Request Cancelled",
	gateway.KindUnparsableOutput: "Unparsable Model Output",
	gateway.KindNetwork:          "Provider Unreachable",
	gateway.KindServer:           "Provider Unavailable",
	gateway.KindOther:            "Provider Error",
}

// problemFor maps a gateway failure to its RFC 9457 problem.
func problemFor(err error) *api.Problem {
	kind := gateway.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		kind, status = gateway.KindOther, http.StatusBadGateway
	}

	opts := []api.ProblemOption{
		api.WithType("/problems/" + string(kind)),
		api.WithExtension("kind", string(kind)),
		api.WithLog(err),
	}

	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		opts = append(opts,
			api.WithExtension("provider", string(gwErr.Provider)),
			api.WithExtension("task", string(gwErr.Task)),
		)
		if gwErr.Attempts > 0 {
			opts = append(opts, api.WithExtension("attempts", gwErr.Attempts))
		}
	}

	var safety *llm.SafetyBlockError
	if errors.As(err, &safety) && safety.Reason != "" {
		opts = append(opts, api.WithExtension("reason", safety.Reason))
	}

	var cfgErr *llm.ConfigurationError
	if errors.As(err, &cfgErr) {
		opts = append(opts, api.WithExtension("field", cfgErr.Field))
	}

	var provErr *llm.ProviderError
	if errors.As(err, &provErr) && provErr.RetryAfter > 0 {
		opts = append(opts, api.WithExtension("retry_after", int(math.Ceil(provErr.RetryAfter.Seconds()))))
	}

	return api.NewProblem(status, kindTitle[kind], detailFor(kind, err), opts...)
}

func detailFor(kind gateway.Kind, err error) string {
	switch kind {
	case gateway.KindCancelled:
		return "The request was cancelled before it completed."
	case gateway.KindConfiguration:
		return err.Error()
	default:
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.Err != nil {
			return gwErr.Err.Error()
		}
		return err.Error()
	}
}

// retryAfter returns the Retry-After header value carried by p, if any.
func retryAfter(p *api.Problem) string {
	if v, ok := p.Extensions["retry_after"].(int); ok && v > 0 {
		return strconv.Itoa(v)
	}
	return ""
}

func unknownProfile(id string) *api.Problem {
	return api.BadRequestError(fmt.Sprintf("profile %q is not configured", id), api.WithExtension("field", "profile"))
}
