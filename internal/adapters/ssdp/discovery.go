package ssdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/FloatTech/ttl"
	gossdp "github.com/alexballas/go-ssdp"
	"go2tv.app/go2tv/v2/devices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"go2tv.app/mcp-avctl/internal/adapters"
	"go2tv.app/mcp-avctl/internal/domain"
	"go2tv.app/mcp-avctl/internal/upnp"
)

const (
	DefaultCacheTTL         = 2 * time.Minute
	DefaultFetchRate        = 20
	DefaultFetchConcurrency = 8

	defaultWaitSeconds = 2
	scannerDeviceType  = "urn:schemas-upnp-org:device:MediaRenderer:1"
)

var searchSSDP = func(waitSeconds int) ([]gossdp.Service, error) {
	return gossdp.Search(gossdp.All, waitSeconds, "")
}

type Options struct {
	DescriptionTimeout time.Duration
	CacheTTL           time.Duration
	// FetchRate caps description fetches per second.
	FetchRate        float64
	FetchConcurrency int
	HTTPClient       *http.Client
	Scanner          adapters.RendererScanner
	Logger           *slog.Logger
}

// Discovery merges an SSDP sweep with the optional go2tv renderer scan and
// enriches every location from its device description.
type Discovery struct {
	fetcher     *upnp.Fetcher
	cache       *ttl.Cache[string, *upnp.Description]
	limiter     *rate.Limiter
	scanner     adapters.RendererScanner
	concurrency int
	logger      *slog.Logger
}

func New(opts Options) *Discovery {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.FetchRate <= 0 {
		opts.FetchRate = DefaultFetchRate
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = DefaultFetchConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	fetcher := upnp.NewFetcher(opts.DescriptionTimeout)
	if opts.HTTPClient != nil {
		fetcher = upnp.NewFetcherWithClient(opts.HTTPClient)
	}

	return &Discovery{
		fetcher:     fetcher,
		cache:       ttl.NewCache[string, *upnp.Description](opts.CacheTTL),
		limiter:     rate.NewLimiter(rate.Limit(opts.FetchRate), opts.FetchConcurrency),
		scanner:     opts.Scanner,
		concurrency: opts.FetchConcurrency,
		logger:      logger,
	}
}

type sighting struct {
	location string
	types    []string
	name     string
}

type sightings struct {
	mu    sync.Mutex
	order []string
	byLoc map[string]*sighting
}

func (s *sightings) add(location, deviceType, name string) {
	location = strings.TrimSpace(location)
	if location == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byLoc == nil {
		s.byLoc = map[string]*sighting{}
	}
	entry, ok := s.byLoc[location]
	if !ok {
		entry = &sighting{location: location}
		s.byLoc[location] = entry
		s.order = append(s.order, location)
	}
	if deviceType = strings.TrimSpace(deviceType); deviceType != "" {
		entry.types = append(entry.types, deviceType)
	}
	if entry.name == "" {
		entry.name = strings.TrimSpace(name)
	}
}

// Search returns one descriptor per device node found at every location
// seen during the sweep, in first-seen order. It fails only when every
// source failed.
func (d *Discovery) Search(ctx context.Context, waitSeconds int) ([]domain.DeviceDescriptor, error) {
	if waitSeconds <= 0 {
		waitSeconds = defaultWaitSeconds
	}

	var seen sightings
	var ssdpErr, scanErr error

	var g errgroup.Group
	g.Go(func() error {
		services, err := searchSSDP(waitSeconds)
		if err != nil {
			ssdpErr = fmt.Errorf("ssdp search: %w", err)
			d.logger.Warn("ssdp_search_failed", slog.String("error", err.Error()))
			return nil
		}
		for _, svc := range services {
			seen.add(svc.Location, svc.Type, "")
		}
		return nil
	})
	if d.scanner != nil {
		g.Go(func() error {
			found, err := d.scanner.LoadAllDevices(waitSeconds)
			if err != nil {
				if !errors.Is(err, devices.ErrNoDeviceAvailable) {
					scanErr = fmt.Errorf("renderer scan: %w", err)
					d.logger.Warn("renderer_scan_failed", slog.String("error", err.Error()))
				}
				return nil
			}
			for _, dev := range found {
				if !strings.EqualFold(strings.TrimSpace(dev.Type), "dlna") {
					continue
				}
				seen.add(dev.Addr, "", dev.Name)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(seen.order) == 0 {
		if ssdpErr != nil && (d.scanner == nil || scanErr != nil) {
			return nil, errors.Join(ssdpErr, scanErr)
		}
		return []domain.DeviceDescriptor{}, nil
	}

	perLocation := make([][]domain.DeviceDescriptor, len(seen.order))
	fetches, fetchCtx := errgroup.WithContext(ctx)
	fetches.SetLimit(d.concurrency)
	for i, location := range seen.order {
		entry := seen.byLoc[location]
		fetches.Go(func() error {
			perLocation[i] = d.describeSighting(fetchCtx, entry)
			return nil
		})
	}
	_ = fetches.Wait()

	out := []domain.DeviceDescriptor{}
	for _, descriptors := range perLocation {
		out = append(out, descriptors...)
	}
	d.logger.Debug("discovery_sweep_done", slog.Int("locations", len(seen.order)), slog.Int("descriptors", len(out)))
	return out, nil
}

func (d *Discovery) describeSighting(ctx context.Context, entry *sighting) []domain.DeviceDescriptor {
	desc, err := d.Describe(ctx, entry.location)
	if err == nil {
		nodes := desc.AllDevices()
		out := make([]domain.DeviceDescriptor, 0, len(nodes))
		for _, node := range nodes {
			out = append(out, domain.DeviceDescriptor{
				FriendlyName: firstNonEmpty(node.FriendlyName, entry.name, hostLabel(entry.location)),
				Location:     entry.location,
				DeviceType:   strings.TrimSpace(node.DeviceType),
				Manufacturer: strings.TrimSpace(node.Manufacturer),
			})
		}
		return out
	}

	d.logger.Debug("description_fetch_failed", slog.String("location", entry.location), slog.String("error", err.Error()))
	name := firstNonEmpty(entry.name, hostLabel(entry.location))
	var out []domain.DeviceDescriptor
	seenTypes := map[string]bool{}
	for _, t := range entry.types {
		if !strings.Contains(t, ":device:") || seenTypes[t] {
			continue
		}
		seenTypes[t] = true
		out = append(out, domain.DeviceDescriptor{FriendlyName: name, Location: entry.location, DeviceType: t})
	}
	if len(out) == 0 && entry.name != "" {
		out = append(out, domain.DeviceDescriptor{FriendlyName: name, Location: entry.location, DeviceType: scannerDeviceType})
	}
	return out
}

// Describe returns the parsed description at location, served from the
// TTL cache when fresh.
func (d *Discovery) Describe(ctx context.Context, location string) (*upnp.Description, error) {
	if cached := d.cache.Get(location); cached != nil {
		return cached, nil
	}
	return d.Refresh(ctx, location)
}

// Refresh fetches the description at location regardless of the cache and
// stores the fresh copy.
func (d *Discovery) Refresh(ctx context.Context, location string) (*upnp.Description, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	desc, err := d.fetcher.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	d.cache.Set(location, desc)
	return desc, nil
}

func hostLabel(location string) string {
	parsed, err := url.Parse(location)
	if err != nil || parsed.Hostname() == "" {
		return location
	}
	return parsed.Hostname()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
