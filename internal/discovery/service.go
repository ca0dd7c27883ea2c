package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"go2tv.app/mcp-avctl/internal/adapters"
	"go2tv.app/mcp-avctl/internal/domain"
)

const (
	defaultWaitSeconds = 2
	// sweepSlack covers description fetches after the SSDP wait window.
	sweepSlack       = 8 * time.Second
	reachabilityWait = 400 * time.Millisecond
)

var isReachableAddress = defaultReachableAddress

type Role int

const (
	RoleNone Role = iota
	RoleServer
	RoleRenderer
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleRenderer:
		return "renderer"
	default:
		return "none"
	}
}

// Classify matches the device-type URN against mediarenderer and
// mediaserver, case-insensitively.
func Classify(deviceType string) Role {
	lower := strings.ToLower(deviceType)
	switch {
	case strings.Contains(lower, "mediarenderer"):
		return RoleRenderer
	case strings.Contains(lower, "mediaserver"):
		return RoleServer
	default:
		return RoleNone
	}
}

// Registry keeps the outcome of the most recent discovery sweep.
type Registry struct {
	adapter     adapters.Discovery
	waitSeconds int
	logger      *slog.Logger

	mu        sync.RWMutex
	servers   []domain.DeviceDescriptor
	renderers []domain.DeviceDescriptor
}

func NewRegistry(adapter adapters.Discovery, waitSeconds int, logger *slog.Logger) *Registry {
	if waitSeconds <= 0 {
		waitSeconds = defaultWaitSeconds
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		adapter:     adapter,
		waitSeconds: waitSeconds,
		logger:      logger,
	}
}

// Discover runs one sweep and replaces the stored lists. A failed or timed
// out sweep yields empty lists and leaves the stored ones untouched.
func (r *Registry) Discover(ctx context.Context) ([]domain.DeviceDescriptor, []domain.DeviceDescriptor) {
	raw, ok := r.sweep(ctx)
	if !ok {
		return []domain.DeviceDescriptor{}, []domain.DeviceDescriptor{}
	}

	servers := []domain.DeviceDescriptor{}
	renderers := []domain.DeviceDescriptor{}
	seenServers := map[string]bool{}
	for _, desc := range raw {
		desc.Location = strings.TrimSpace(desc.Location)
		role := Classify(desc.DeviceType)
		switch role {
		case RoleServer:
			if seenServers[desc.Location] {
				continue
			}
			seenServers[desc.Location] = true
			desc.ID = stableID(role, desc.Location)
			servers = append(servers, desc)
		case RoleRenderer:
			desc.ID = stableID(role, desc.Location)
			renderers = append(renderers, desc)
		}
	}

	r.mu.Lock()
	r.servers = servers
	r.renderers = renderers
	r.mu.Unlock()

	r.logger.Info("discovery_completed", slog.Int("servers", len(servers)), slog.Int("renderers", len(renderers)))
	return cloneDescriptors(servers), cloneDescriptors(renderers)
}

func (r *Registry) sweep(ctx context.Context) ([]domain.DeviceDescriptor, bool) {
	if r.adapter == nil {
		r.logger.Warn("discovery_failed", slog.String("error", "discovery adapter is not configured"))
		return nil, false
	}

	resultCh := make(chan struct {
		devices []domain.DeviceDescriptor
		err     error
	}, 1)

	go func() {
		found, err := r.adapter.Search(ctx, r.waitSeconds)
		resultCh <- struct {
			devices []domain.DeviceDescriptor
			err     error
		}{devices: found, err: err}
	}()

	timeout := time.NewTimer(time.Duration(r.waitSeconds)*time.Second + sweepSlack)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		r.logger.Warn("discovery_failed", slog.String("error", ctx.Err().Error()))
		return nil, false
	case <-timeout.C:
		r.logger.Warn("discovery_failed", slog.String("error", "sweep timed out"))
		return nil, false
	case result := <-resultCh:
		if result.err != nil {
			r.logger.Warn("discovery_failed", slog.String("error", result.err.Error()))
			return nil, false
		}
		return result.devices, true
	}
}

func (r *Registry) Servers() []domain.DeviceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneDescriptors(r.servers)
}

func (r *Registry) Renderers() []domain.DeviceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneDescriptors(r.renderers)
}

// FindServer resolves target against the last sweep by id, exact name,
// case-insensitive name, or name without a trailing "(...)" suffix.
func (r *Registry) FindServer(target string) (domain.DeviceDescriptor, bool) {
	return matchTarget(r.Servers(), target)
}

func (r *Registry) FindRenderer(target string) (domain.DeviceDescriptor, bool) {
	return matchTarget(r.Renderers(), target)
}

// FilterReachable keeps descriptors whose location accepts a TCP
// connection.
func FilterReachable(all []domain.DeviceDescriptor) []domain.DeviceDescriptor {
	filtered := make([]domain.DeviceDescriptor, 0, len(all))
	for _, desc := range all {
		if isReachableAddress(desc.Location, reachabilityWait) {
			filtered = append(filtered, desc)
		}
	}
	return filtered
}

func matchTarget(list []domain.DeviceDescriptor, target string) (domain.DeviceDescriptor, bool) {
	target = strings.TrimSpace(target)
	if target == "" {
		return domain.DeviceDescriptor{}, false
	}
	normalizedTarget := normalizeTarget(target)

	for _, desc := range list {
		if desc.ID == target || desc.Location == target {
			return desc, true
		}
	}
	for _, desc := range list {
		if strings.TrimSpace(desc.FriendlyName) == target {
			return desc, true
		}
	}
	for _, desc := range list {
		if strings.EqualFold(strings.TrimSpace(desc.FriendlyName), target) {
			return desc, true
		}
		if normalizeTarget(desc.FriendlyName) == normalizedTarget {
			return desc, true
		}
	}
	return domain.DeviceDescriptor{}, false
}

func normalizeTarget(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if idx := strings.LastIndex(normalized, " ("); idx > 0 && strings.HasSuffix(normalized, ")") {
		normalized = strings.TrimSpace(normalized[:idx])
	}
	return normalized
}

func cloneDescriptors(in []domain.DeviceDescriptor) []domain.DeviceDescriptor {
	out := make([]domain.DeviceDescriptor, len(in))
	copy(out, in)
	return out
}

func stableID(role Role, location string) string {
	canonical := fmt.Sprintf("%s|%s", role, canonicalAddress(location))
	sum := sha1.Sum([]byte(canonical))
	return "dev_" + hex.EncodeToString(sum[:8])
}

func canonicalAddress(address string) string {
	parsed, err := url.Parse(address)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(address))
	}

	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if port == "" {
		if strings.EqualFold(parsed.Scheme, "https") {
			port = "443"
		} else {
			port = "80"
		}
	}

	path := strings.TrimSpace(strings.ToLower(parsed.EscapedPath()))
	if path == "" {
		path = "/"
	}

	return fmt.Sprintf("%s://%s:%s%s", strings.ToLower(parsed.Scheme), host, port, path)
}

func defaultReachableAddress(address string, timeout time.Duration) bool {
	parsed, err := url.Parse(address)
	if err != nil {
		return false
	}

	hostPort := parsed.Host
	if hostPort == "" {
		return false
	}
	if parsed.Port() == "" {
		if strings.EqualFold(parsed.Scheme, "https") {
			hostPort = net.JoinHostPort(parsed.Hostname(), "443")
		} else {
			hostPort = net.JoinHostPort(parsed.Hostname(), "80")
		}
	}

	conn, err := net.DialTimeout("tcp", hostPort, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
