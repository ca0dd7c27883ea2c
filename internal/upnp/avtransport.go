package upnp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"go2tv.app/mcp-avctl/internal/domain"
	"go2tv.app/mcp-avctl/internal/soap"
)

const (
	instanceID          = "0"
	uriProbeTimeout     = 2 * time.Second
	longURIThreshold    = 255
	longURISettleDelay  = time.Second
	shortURISettleDelay = 500 * time.Millisecond
)

var seekTargetPattern = regexp.MustCompile(`^(\d+):([0-5]\d):([0-5]\d)(\.\d+)?$`)

// Invoker is the SOAP call surface the service clients need.
type Invoker interface {
	Invoke(ctx context.Context, call soap.Call) (*soap.Response, error)
}

type AVTransportClient struct {
	invoker  Invoker
	endpoint domain.ServiceEndpoint
	logger   *slog.Logger
	probe    func(ctx context.Context, uri string) error
	sleep    func(ctx context.Context, d time.Duration)
}

type AVOption func(*AVTransportClient)

func WithURIProbe(probe func(ctx context.Context, uri string) error) AVOption {
	return func(c *AVTransportClient) {
		if probe != nil {
			c.probe = probe
		}
	}
}

func WithSettle(sleep func(ctx context.Context, d time.Duration)) AVOption {
	return func(c *AVTransportClient) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func WithAVLogger(logger *slog.Logger) AVOption {
	return func(c *AVTransportClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewAVTransportClient(invoker Invoker, endpoint domain.ServiceEndpoint, opts ...AVOption) *AVTransportClient {
	if endpoint.ServiceType == "" {
		endpoint.ServiceType = AVTransportURN
	}
	c := &AVTransportClient{
		invoker:  invoker,
		endpoint: endpoint,
		logger:   slog.New(slog.DiscardHandler),
		probe:    headProbe,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *AVTransportClient) Endpoint() domain.ServiceEndpoint {
	return c.endpoint
}

func (c *AVTransportClient) SetAVTransportURI(ctx context.Context, uri, metadata string) error {
	uri = strings.TrimSpace(uri)
	parsed, err := url.Parse(uri)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return domain.InvalidInput("SetAVTransportURI", "media URI must be http or https: %q", uri)
	}

	if probeErr := c.probe(ctx, uri); probeErr != nil {
		c.logger.Warn("media_uri_probe_failed", slog.String("uri", uri), slog.String("error", probeErr.Error()))
	} else {
		c.logger.Debug("media_uri_probe_ok", slog.String("uri", uri))
	}

	_, err = c.invoke(ctx, "SetAVTransportURI", true,
		soap.Arg{Name: "InstanceID", Value: instanceID},
		soap.Arg{Name: "CurrentURI", Value: uri},
		soap.Arg{Name: "CurrentURIMetaData", Value: metadata},
	)
	if err != nil {
		return err
	}

	settle := shortURISettleDelay
	if len(uri) > longURIThreshold {
		settle = longURISettleDelay
	}
	c.sleep(ctx, settle)
	return nil
}

func (c *AVTransportClient) Play(ctx context.Context, speed string) error {
	if strings.TrimSpace(speed) == "" {
		speed = "1"
	}
	_, err := c.invoke(ctx, "Play", false,
		soap.Arg{Name: "InstanceID", Value: instanceID},
		soap.Arg{Name: "Speed", Value: speed},
	)
	return err
}

func (c *AVTransportClient) Pause(ctx context.Context) error {
	_, err := c.invoke(ctx, "Pause", false, soap.Arg{Name: "InstanceID", Value: instanceID})
	return err
}

func (c *AVTransportClient) Stop(ctx context.Context) error {
	_, err := c.invoke(ctx, "Stop", false, soap.Arg{Name: "InstanceID", Value: instanceID})
	return err
}

func (c *AVTransportClient) Seek(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if _, err := ParseClock(target); err != nil {
		return domain.InvalidInput("Seek", "%v", err)
	}
	_, err := c.invoke(ctx, "Seek", false,
		soap.Arg{Name: "InstanceID", Value: instanceID},
		soap.Arg{Name: "Unit", Value: "REL_TIME"},
		soap.Arg{Name: "Target", Value: target},
	)
	return err
}

// GetTransportInfo reports transport failures as errors; an unparseable
// reply yields the STOPPED placeholder instead.
func (c *AVTransportClient) GetTransportInfo(ctx context.Context) (domain.TransportInfo, error) {
	resp, err := c.invoke(ctx, "GetTransportInfo", false, soap.Arg{Name: "InstanceID", Value: instanceID})
	if err != nil {
		if errors.Is(err, domain.ErrParse) {
			return domain.StoppedTransportInfo(), nil
		}
		return domain.TransportInfo{}, err
	}
	state := resp.Arg("CurrentTransportState")
	if state == "" {
		return domain.StoppedTransportInfo(), nil
	}
	return domain.TransportInfo{
		State:  domain.ParseTransportState(state),
		Status: resp.Arg("CurrentTransportStatus"),
		Speed:  resp.Arg("CurrentSpeed"),
	}, nil
}

func (c *AVTransportClient) GetPositionInfo(ctx context.Context) (domain.PositionInfo, error) {
	resp, err := c.invoke(ctx, "GetPositionInfo", false, soap.Arg{Name: "InstanceID", Value: instanceID})
	if err != nil {
		if errors.Is(err, domain.ErrParse) {
			return domain.ZeroPositionInfo(), nil
		}
		return domain.PositionInfo{}, err
	}

	info := domain.ZeroPositionInfo()
	if track, convErr := strconv.Atoi(strings.TrimSpace(resp.Arg("Track"))); convErr == nil {
		info.Track = track
	}
	if v := clockOrEmpty(resp.Arg("TrackDuration")); v != "" {
		info.TrackDuration = v
	}
	if v := clockOrEmpty(resp.Arg("RelTime")); v != "" {
		info.RelTime = v
	}
	if v := clockOrEmpty(resp.Arg("AbsTime")); v != "" {
		info.AbsTime = v
	}
	info.TrackURI = strings.TrimSpace(resp.Arg("TrackURI"))
	return info, nil
}

func (c *AVTransportClient) invoke(ctx context.Context, action string, extended bool, args ...soap.Arg) (*soap.Response, error) {
	return c.invoker.Invoke(ctx, soap.Call{
		Action:      action,
		ControlURL:  c.endpoint.ControlURL,
		ServiceType: c.endpoint.ServiceType,
		Args:        args,
		Extended:    extended,
	})
}

// ParseClock converts H+:MM:SS[.fff] into whole seconds.
func ParseClock(value string) (int, error) {
	matches := seekTargetPattern.FindStringSubmatch(strings.TrimSpace(value))
	if matches == nil {
		return 0, fmt.Errorf("time %q is not in HH:MM:SS format", value)
	}
	hours, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, fmt.Errorf("time %q: %w", value, err)
	}
	minutes, _ := strconv.Atoi(matches[2])
	seconds, _ := strconv.Atoi(matches[3])
	return hours*3600 + minutes*60 + seconds, nil
}

// clockOrEmpty drops device placeholders such as NOT_IMPLEMENTED.
func clockOrEmpty(value string) string {
	value = strings.TrimSpace(value)
	if _, err := ParseClock(value); err != nil {
		return ""
	}
	return value
}

var probeClient = func() *http.Client {
	client := cleanhttp.DefaultClient()
	client.Timeout = uriProbeTimeout
	return client
}()

func headProbe(ctx context.Context, uri string) error {
	ctx, cancel := context.WithTimeout(ctx, uriProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return err
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("media URI answered %d", resp.StatusCode)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
