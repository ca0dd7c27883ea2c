package receiver

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go2tv.app/mcp-avctl/internal/domain"
)

type Deps struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Constructor func(desc domain.DeviceDescriptor, deps Deps) (Controller, error)

// Vendor binds a detection predicate to the controller that drives it.
type Vendor struct {
	Name  string
	Match func(desc domain.DeviceDescriptor) bool
	New   Constructor
}

type Registry struct {
	mu      sync.RWMutex
	vendors []Vendor
}

func NewRegistry(vendors ...Vendor) *Registry {
	r := &Registry{}
	for _, v := range vendors {
		r.Register(v)
	}
	return r
}

func (r *Registry) Register(v Vendor) {
	if v.Match == nil || v.New == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vendors = append(r.vendors, v)
}

// Lookup returns the first registered vendor whose predicate matches.
func (r *Registry) Lookup(desc domain.DeviceDescriptor) (Vendor, bool) {
	if r == nil {
		return Vendor{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.vendors {
		if v.Match(desc) {
			return v, true
		}
	}
	return Vendor{}, false
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.vendors))
	for _, v := range r.vendors {
		names = append(names, v.Name)
	}
	return names
}

func ManufacturerContains(fragments ...string) func(desc domain.DeviceDescriptor) bool {
	lowered := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			lowered = append(lowered, f)
		}
	}
	return func(desc domain.DeviceDescriptor) bool {
		manufacturer := strings.ToLower(desc.Manufacturer)
		for _, f := range lowered {
			if strings.Contains(manufacturer, f) {
				return true
			}
		}
		return false
	}
}

// YamahaVendor matches on manufacturer; with no fragments it uses "yamaha".
func YamahaVendor(fragments ...string) Vendor {
	if len(fragments) == 0 {
		fragments = []string{"yamaha"}
	}
	return Vendor{
		Name:  "yamaha",
		Match: ManufacturerContains(fragments...),
		New: func(desc domain.DeviceDescriptor, deps Deps) (Controller, error) {
			host, err := hostOf(desc.Location)
			if err != nil {
				return nil, err
			}
			return NewYamaha(host, deps.HTTPClient, deps.Logger), nil
		},
	}
}

func hostOf(location string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return "", fmt.Errorf("parse location %q: %w", location, err)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("location %q has no host", location)
	}
	return parsed.Hostname(), nil
}
