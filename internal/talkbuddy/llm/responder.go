package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/bdobrica/talkbuddy/common/redact"
	"github.com/bdobrica/talkbuddy/common/retry"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/observability"
)

// Replies used in place of model output when the completion service cannot
// produce one.
const (
	ReplyMissingKey  = "I'm sorry, but I need an API key to respond. Please set OPENROUTER_API_KEY in your environment variables."
	ReplyUnreachable = "I'm having trouble connecting to the AI service. Please check your internet connection and try again."
	ReplyTimeout     = "The AI service is taking too long to respond. Please try again."
	ReplyInvalidKey  = "Invalid API key. Please check your OPENROUTER_API_KEY."
	ReplyRateLimited = "Rate limit exceeded. Please wait a moment and try again."
	ReplyFailed      = "I'm sorry, I couldn't come up with a reply just now. Please try again in a moment."
	ReplyEmpty       = "No response received."
)

const (
	// DefaultTimeout bounds one Reply call, retries included.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxAttempts is how many times a transient failure is tried.
	DefaultMaxAttempts = 2
)

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	// APIKey is only used to decide whether the service is configured and
	// to scrub the key from logged errors.
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	// RetryDelay is the pause before the second attempt.
	RetryDelay time.Duration
}

// Responder generates a character reply for a prompt. It never fails.
type Responder struct {
	provider Provider
	cfg      ResponderConfig
}

// NewResponder wraps p. Zero config values select the defaults.
func NewResponder(p Provider, cfg ResponderConfig) *Responder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &Responder{provider: p, cfg: cfg}
}

// Reply sends prompt as a single user message and returns the cleaned reply
// text. Failures are logged and answered with one of the Reply* strings.
func (r *Responder) Reply(ctx context.Context, prompt string) string {
	text, err := r.generate(ctx, prompt)
	if err == nil {
		return text
	}

	log := observability.WithTrace(ctx)
	msg := redact.Bearer(redact.String(err.Error(), r.cfg.APIKey))
	log.Warn("completion degraded", "err", fmt.Errorf("%w: %s", apperr.ErrUpstreamDegraded, msg))
	return degradedReply(err)
}

// errMissingKey means no API key is configured.
var errMissingKey = errors.New("completion api key not configured")

func (r *Responder) generate(ctx context.Context, prompt string) (string, error) {
	if r.cfg.APIKey == "" {
		return "", errMissingKey
	}

	// The reply deadline is independent of the caller: an inbound request
	// that is cancelled still gets its turn recorded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var resp *CompletionResponse
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  r.cfg.MaxAttempts,
		InitialDelay: r.cfg.RetryDelay,
		ShouldRetry:  transient,
		Name:         "completion",
	}, func() error {
		var err error
		resp, err = r.provider.Complete(ctx, CompletionRequest{
			Messages: []Message{{Role: RoleUser, Content: prompt}},
		})
		return err
	})
	if err != nil {
		return "", err
	}

	observability.WithTrace(ctx).Debug("completion finished",
		"duration", time.Since(start),
		"finish_reason", resp.FinishReason,
		"total_tokens", resp.Usage.TotalTokens)

	text := StripMarkup(resp.Content)
	if text == "" {
		text = ReplyEmpty
	}
	return text, nil
}

// transient reports whether a failed call is worth repeating.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary
	}
	return isNetwork(err)
}

func isNetwork(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// degradedReply picks the apology matching err.
func degradedReply(err error) string {
	var apiErr *APIError
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, errMissingKey):
		return ReplyMissingKey
	case isTimeout(err):
		return ReplyTimeout
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized:
		return ReplyInvalidKey
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests:
		return ReplyRateLimited
	case errors.As(err, &dnsErr), errors.Is(err, syscall.ECONNREFUSED), isNetwork(err):
		return ReplyUnreachable
	default:
		return ReplyFailed
	}
}
