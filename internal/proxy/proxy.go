package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	appLog "unical/internal/log"
	"unical/internal/metrics"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	maxBodyBytes = 32 << 20
)

// Kind enumerates the ways a relay can fail.
type Kind int

const (
	KindMissingInput Kind = iota + 1
	KindUpstreamStatus
	KindNoResponse
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindMissingInput:
		return "missing_input"
	case KindUpstreamStatus:
		return "upstream_status"
	case KindNoResponse:
		return "no_response"
	default:
		return "internal"
	}
}

// Error is a relay failure carrying the HTTP status to answer with.
type Error struct {
	Kind    Kind   `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	// Upstream is set only for KindUpstreamStatus.
	Upstream int   `json:"status,omitempty"`
	Err      error `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func missingInput() *Error {
	return &Error{
		Kind:    KindMissingInput,
		Code:    "Missing url parameter",
		Message: "Please provide a url query parameter",
		Status:  http.StatusBadRequest,
	}
}

func upstreamStatus(code int) *Error {
	return &Error{
		Kind:     KindUpstreamStatus,
		Code:     "Upstream server error",
		Message:  http.StatusText(code),
		Status:   code,
		Upstream: code,
	}
}

func noResponse(err error) *Error {
	return &Error{
		Kind:    KindNoResponse,
		Code:    "No response from UniBo server",
		Message: "The UniBo server did not respond. Please try again later.",
		Status:  http.StatusServiceUnavailable,
		Err:     err,
	}
}

func internal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    "Server error",
		Message: err.Error(),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Classify maps any error to a relay Error. Errors that are already relay
// Errors are returned unchanged; transport failures become KindNoResponse.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr),
		errors.As(err, &urlErr):
		return noResponse(err)
	}
	return internal(err)
}

// Response is a relayed upstream answer.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

type Options struct {
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
}

// Relay forwards GET requests to an arbitrary upstream on behalf of browser
// clients that cannot call it directly.
type Relay struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

func New(opts Options) *Relay {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Relay{client: opts.Client, timeout: opts.Timeout, userAgent: opts.UserAgent}
}

// Forward fetches target and returns the upstream body verbatim on 2xx.
// All failures are *Error values.
func (r *Relay) Forward(ctx context.Context, target string) (Response, error) {
	if target == "" {
		return Response{}, missingInput()
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		if err == nil {
			err = fmt.Errorf("unsupported url %q", target)
		}
		return Response{}, internal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, internal(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", r.userAgent)

	started := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		metrics.RecordUpstreamRequest(outcome(err), time.Since(started))
		return Response{}, Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		metrics.RecordUpstreamRequest(metrics.OutcomeStatus, time.Since(started))
		return Response{}, upstreamStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordUpstreamRequest(outcome(err), time.Since(started))
		return Response{}, noResponse(err)
	}
	metrics.RecordUpstreamRequest(metrics.OutcomeOK, time.Since(started))

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	appLog.Debug("proxy relay ok", "status", resp.StatusCode, "bytes", len(body))
	return Response{Status: resp.StatusCode, ContentType: ct, Body: body}, nil
}

func outcome(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return metrics.OutcomeTimeout
	}
	return metrics.OutcomeNetwork
}
