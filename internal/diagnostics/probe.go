package diagnostics

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	probing "github.com/prometheus-community/pro-bing"

	"go2tv.app/mcp-avctl/internal/upnp"
)

const (
	pingCount   = 3
	pingTimeout = 3 * time.Second
	headTimeout = 2 * time.Second
)

type PingResult struct {
	Sent         int     `json:"sent"`
	Received     int     `json:"received"`
	AvgRTTMillis float64 `json:"avg_rtt_ms"`
	Error        string  `json:"error,omitempty"`
}

type HTTPResult struct {
	Reachable     bool    `json:"reachable"`
	Status        int     `json:"status,omitempty"`
	LatencyMillis float64 `json:"latency_ms"`
	Error         string  `json:"error,omitempty"`
}

type DescriptionResult struct {
	Fetched      bool     `json:"fetched"`
	FriendlyName string   `json:"friendly_name,omitempty"`
	DeviceType   string   `json:"device_type,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Services     []string `json:"services,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type Report struct {
	Location    string            `json:"location"`
	Host        string            `json:"host"`
	ICMP        PingResult        `json:"icmp"`
	HTTP        HTTPResult        `json:"http"`
	Description DescriptionResult `json:"description"`
}

var ping = func(host string) (PingResult, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return PingResult{}, err
	}
	pinger.Count = pingCount
	pinger.Timeout = pingTimeout
	pinger.SetPrivileged(false)
	if err := pinger.Run(); err != nil {
		return PingResult{}, err
	}
	stats := pinger.Statistics()
	return PingResult{
		Sent:         stats.PacketsSent,
		Received:     stats.PacketsRecv,
		AvgRTTMillis: float64(stats.AvgRtt.Microseconds()) / 1000,
	}, nil
}

var headClient = func() *http.Client {
	client := cleanhttp.DefaultClient()
	client.Timeout = headTimeout
	return client
}()

var fetchDescription = func(ctx context.Context, location string) (*upnp.Description, error) {
	return upnp.NewFetcher(0).Fetch(ctx, location)
}

// ProbeDevice checks ICMP and HTTP reachability of a device location and
// summarizes its description. Every failure is recorded in the report.
func ProbeDevice(ctx context.Context, location string) Report {
	report := Report{Location: strings.TrimSpace(location)}
	parsed, err := url.Parse(report.Location)
	if err != nil || parsed.Hostname() == "" {
		msg := "location has no host"
		if err != nil {
			msg = err.Error()
		}
		report.ICMP.Error = msg
		report.HTTP.Error = msg
		report.Description.Error = msg
		return report
	}
	report.Host = parsed.Hostname()

	if result, err := ping(report.Host); err != nil {
		report.ICMP.Error = err.Error()
	} else {
		report.ICMP = result
	}

	report.HTTP = probeHTTP(ctx, parsed.Scheme+"://"+parsed.Host+"/")

	desc, err := fetchDescription(ctx, report.Location)
	if err != nil {
		report.Description.Error = err.Error()
		return report
	}
	report.Description = DescriptionResult{
		Fetched:      true,
		FriendlyName: desc.Device.FriendlyName,
		DeviceType:   desc.Device.DeviceType,
		Manufacturer: desc.Device.Manufacturer,
	}
	for _, node := range desc.AllDevices() {
		for _, svc := range node.Services {
			report.Description.Services = append(report.Description.Services, svc.ServiceType)
		}
	}
	return report
}

func probeHTTP(ctx context.Context, target string) HTTPResult {
	ctx, cancel := context.WithTimeout(ctx, headTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return HTTPResult{Error: err.Error()}
	}
	start := time.Now()
	resp, err := headClient.Do(req)
	latency := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return HTTPResult{LatencyMillis: latency, Error: err.Error()}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return HTTPResult{Reachable: true, Status: resp.StatusCode, LatencyMillis: latency}
}
