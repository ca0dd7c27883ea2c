package upnp

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const (
	DefaultDescriptionTimeout = 5 * time.Second
	maxDescriptionBytes       = 1 << 20
)

type Description struct {
	URLBase string     `xml:"URLBase"`
	Device  DeviceNode `xml:"device"`
}

type DeviceNode struct {
	DeviceType   string       `xml:"deviceType"`
	FriendlyName string       `xml:"friendlyName"`
	Manufacturer string       `xml:"manufacturer"`
	ModelName    string       `xml:"modelName"`
	UDN          string       `xml:"UDN"`
	Services     []Service    `xml:"serviceList>service"`
	Devices      []DeviceNode `xml:"deviceList>device"`
}

type Service struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
	SCPDURL     string `xml:"SCPDURL"`
}

func ParseDescription(data []byte) (*Description, error) {
	var desc Description
	if err := xml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse device description: %w", err)
	}
	if strings.TrimSpace(desc.Device.DeviceType) == "" && len(desc.Device.Services) == 0 && len(desc.Device.Devices) == 0 {
		return nil, fmt.Errorf("parse device description: no device element")
	}
	return &desc, nil
}

// AllDevices flattens the device tree, root first, depth first.
func (d *Description) AllDevices() []DeviceNode {
	if d == nil {
		return nil
	}
	var out []DeviceNode
	var walk func(node DeviceNode)
	walk = func(node DeviceNode) {
		out = append(out, node)
		for _, child := range node.Devices {
			walk(child)
		}
	}
	walk(d.Device)
	return out
}

// FindService returns the first service whose type contains fragment,
// case-insensitively, searching embedded devices too.
func (d *Description) FindService(fragment string) (Service, bool) {
	fragment = strings.ToLower(fragment)
	for _, node := range d.AllDevices() {
		for _, svc := range node.Services {
			if strings.Contains(strings.ToLower(svc.ServiceType), fragment) {
				return svc, true
			}
		}
	}
	return Service{}, false
}

// FindDevice returns the first device whose type contains fragment.
func (d *Description) FindDevice(fragment string) (DeviceNode, bool) {
	fragment = strings.ToLower(fragment)
	for _, node := range d.AllDevices() {
		if strings.Contains(strings.ToLower(node.DeviceType), fragment) {
			return node, true
		}
	}
	return DeviceNode{}, false
}

type Fetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultDescriptionTimeout
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &Fetcher{client: client}
}

func NewFetcherWithClient(client *http.Client) *Fetcher {
	if client == nil {
		return NewFetcher(0)
	}
	return &Fetcher{client: client}
}

func (f *Fetcher) Fetch(ctx context.Context, location string) (*Description, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", location, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptionBytes))
	if err != nil {
		return nil, err
	}
	return ParseDescription(body)
}
