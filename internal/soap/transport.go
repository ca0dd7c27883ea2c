package soap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anacrolix/dms/upnp"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"go2tv.app/mcp-avctl/internal/domain"
)

const (
	DefaultBaseTimeout     = 5 * time.Second
	DefaultExtendedTimeout = 10 * time.Second
	DefaultProbeTimeout    = 2 * time.Second
	DefaultAttempts        = 3
	DefaultRetryDelay      = 500 * time.Millisecond

	maxResponseBytes = 4 << 20
)

type Call struct {
	Action      string
	ControlURL  string
	ServiceType string
	Args        []Arg
	// Extended doubles the per-attempt timeouts for calls that make the
	// device fetch a remote resource before answering.
	Extended bool
}

type Response struct {
	Action string
	Args   map[string]string
	Raw    []byte
}

func (r *Response) Arg(name string) string {
	if r == nil {
		return ""
	}
	return r.Args[name]
}

type Options struct {
	BaseTimeout     time.Duration
	ExtendedTimeout time.Duration
	ProbeTimeout    time.Duration
	Attempts        int
	RetryDelay      time.Duration
	Logger          *slog.Logger
	// RoundTripper replaces the pooled transports; probes and calls share it.
	RoundTripper http.RoundTripper
}

type Transport struct {
	standard *retryablehttp.Client
	extended *retryablehttp.Client
	probe    *http.Client
	logger   *slog.Logger
}

type retriesExhausted struct {
	attempts int
	cause    error
}

func (e *retriesExhausted) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.attempts, e.cause)
}

func (e *retriesExhausted) Unwrap() error { return e.cause }

func New(opts Options) *Transport {
	if opts.BaseTimeout <= 0 {
		opts.BaseTimeout = DefaultBaseTimeout
	}
	if opts.ExtendedTimeout <= 0 {
		opts.ExtendedTimeout = DefaultExtendedTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	t := &Transport{logger: opts.Logger}
	t.standard = t.newRetryClient(opts, opts.BaseTimeout)
	t.extended = t.newRetryClient(opts, opts.ExtendedTimeout)
	t.probe = &http.Client{
		Transport: roundTripperFor(opts, opts.ProbeTimeout),
		Timeout:   opts.ProbeTimeout,
	}
	return t
}

// roundTripperFor gives each timeout tier its own pool: connect bounded by
// timeout, response headers by twice that.
func roundTripperFor(opts Options, timeout time.Duration) http.RoundTripper {
	if opts.RoundTripper != nil {
		return opts.RoundTripper
	}
	transport := cleanhttp.DefaultPooledTransport()
	transport.DialContext = (&net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = 2 * timeout
	return transport
}

func (t *Transport) newRetryClient(opts Options, timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: roundTripperFor(opts, timeout),
		Timeout:   3 * timeout,
	}
	client.Logger = opts.Logger
	client.RetryMax = opts.Attempts - 1
	client.RetryWaitMin = opts.RetryDelay
	client.RetryWaitMax = opts.RetryDelay * time.Duration(opts.Attempts)
	client.CheckRetry = retryOnRequestError
	client.Backoff = linearBackoff(opts.RetryDelay)
	client.ErrorHandler = func(resp *http.Response, err error, numTries int) (*http.Response, error) {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, &retriesExhausted{attempts: numTries, cause: err}
	}
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		t.logger.Debug(
			"soap_attempt",
			slog.String("url", req.URL.String()),
			slog.String("soap_action", req.Header.Get("SOAPACTION")),
			slog.Int("attempt", attempt+1),
		)
	}
	return client
}

// retryOnRequestError retries only when no response came back. Any HTTP
// response, including 4xx/5xx, ends the loop.
func retryOnRequestError(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return err != nil, nil
}

func linearBackoff(delay time.Duration) retryablehttp.Backoff {
	return func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return delay * time.Duration(attemptNum+1)
	}
}

func (t *Transport) Invoke(ctx context.Context, call Call) (*Response, error) {
	if !validActionName(call.Action) {
		return nil, domain.InvalidInput("soap", "invalid action name %q", call.Action)
	}
	urn, err := upnp.ParseServiceType(call.ServiceType)
	if err != nil {
		return nil, domain.InvalidInput(call.Action, "invalid service type %q", call.ServiceType)
	}
	endpoint, err := url.Parse(call.ControlURL)
	if err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
		return nil, domain.InvalidInput(call.Action, "invalid control URL %q", call.ControlURL)
	}

	payload, err := buildEnvelope(call.Action, urn, call.Args)
	if err != nil {
		return nil, domain.InvalidInput(call.Action, "%v", err)
	}

	if err := t.checkAlive(ctx, endpoint); err != nil {
		t.logger.Warn(
			"soap_endpoint_unreachable",
			slog.String("action", call.Action),
			slog.String("host", endpoint.Host),
			slog.String("error", err.Error()),
		)
		return nil, domain.NewDeviceError(domain.KindUnreachable, call.Action, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), payload)
	if err != nil {
		return nil, domain.InvalidInput(call.Action, "%v", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", soapActionHeader(urn, call.Action))

	client := t.standard
	if call.Extended {
		client = t.extended
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, t.classifyFailure(ctx, call.Action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.NewDeviceError(classifyCause(err), call.Action, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rejected := &domain.DeviceError{Kind: domain.KindDeviceRejected, Op: call.Action, Status: resp.StatusCode}
		if fault, ok := decodeFault(body); ok {
			rejected.Msg = fmt.Sprintf("UPnP error %d: %s", fault.Code, strings.TrimSpace(fault.Description))
		}
		return nil, rejected
	}

	name, args, err := decodeResponse(body)
	if err != nil {
		return nil, domain.ParseError(call.Action, err)
	}
	return &Response{Action: name, Args: args, Raw: body}, nil
}

// checkAlive issues a HEAD against the endpoint authority. Any HTTP answer,
// whatever the status, counts as alive.
func (t *Transport) checkAlive(ctx context.Context, endpoint *url.URL) error {
	root := url.URL{Scheme: endpoint.Scheme, Host: endpoint.Host, Path: "/"}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, root.String(), nil)
	if err != nil {
		return err
	}
	resp, err := t.probe.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.Body.Close()
}

func (t *Transport) classifyFailure(ctx context.Context, action string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", action, ctxErr)
	}

	var exhausted *retriesExhausted
	if errors.As(err, &exhausted) {
		t.logger.Warn(
			"soap_retries_exhausted",
			slog.String("action", action),
			slog.Int("attempts", exhausted.attempts),
			slog.String("error", fmt.Sprint(exhausted.cause)),
		)
		return &domain.DeviceError{
			Kind:     domain.KindAllRetriesFailed,
			Op:       action,
			Attempts: exhausted.attempts,
			Err:      domain.NewDeviceError(classifyCause(exhausted.cause), action, exhausted.cause),
		}
	}
	return domain.NewDeviceError(classifyCause(err), action, err)
}

func classifyCause(err error) domain.ErrorKind {
	if err == nil {
		return domain.KindConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.KindTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return domain.KindTimeout
	}
	return domain.KindConnection
}
