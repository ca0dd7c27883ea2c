package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"go2tv.app/mcp-avctl/internal/adapters"
	"go2tv.app/mcp-avctl/internal/browser"
	"go2tv.app/mcp-avctl/internal/domain"
	"go2tv.app/mcp-avctl/internal/receiver"
	"go2tv.app/mcp-avctl/internal/upnp"
)

var (
	ErrNoRendererSelected = errors.New("no renderer selected")
	ErrNoServerSelected   = errors.New("no server selected")
)

// Devices is the discovery surface the session drives.
type Devices interface {
	Discover(ctx context.Context) ([]domain.DeviceDescriptor, []domain.DeviceDescriptor)
	Servers() []domain.DeviceDescriptor
	Renderers() []domain.DeviceDescriptor
}

type Options struct {
	Devices        Devices
	Invoker        upnp.Invoker
	Describer      adapters.Describer
	Vendors        *receiver.Registry
	VendorDeps     receiver.Deps
	RequestedCount int
	AVOptions      []upnp.AVOption
	Logger         *slog.Logger
}

type rendererBinding struct {
	descriptor domain.DeviceDescriptor
	vendor     string
	controller receiver.Controller
	// av and rc stay nil when a vendor controller owns the device.
	av *upnp.AVTransportClient
	rc *upnp.RenderingControlClient
}

type serverBinding struct {
	descriptor domain.DeviceDescriptor
	directory  *upnp.ContentDirectoryClient
	browser    *browser.Browser
}

type selection struct {
	id       string
	renderer *rendererBinding
	server   *serverBinding
}

// Snapshot is a consistent read of the current selection.
type Snapshot struct {
	SelectionID      string                   `json:"selection_id,omitempty"`
	Renderer         *domain.DeviceDescriptor `json:"renderer,omitempty"`
	RendererVendor   string                   `json:"renderer_vendor,omitempty"`
	AVTransport      *domain.ServiceEndpoint  `json:"av_transport,omitempty"`
	RenderingControl *domain.ServiceEndpoint  `json:"rendering_control,omitempty"`
	Server           *domain.DeviceDescriptor `json:"server,omitempty"`
	ContentDirectory *domain.ServiceEndpoint  `json:"content_directory,omitempty"`
}

// MediaSession owns the current renderer and server selection. A new
// selection replaces the previous one as a whole; readers always see a
// complete binding.
type MediaSession struct {
	devices        Devices
	invoker        upnp.Invoker
	describer      adapters.Describer
	vendors        *receiver.Registry
	vendorDeps     receiver.Deps
	requestedCount int
	avOptions      []upnp.AVOption
	logger         *slog.Logger

	mu      sync.RWMutex
	current selection
}

func New(opts Options) *MediaSession {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	vendors := opts.Vendors
	if vendors == nil {
		vendors = receiver.NewRegistry()
	}
	deps := opts.VendorDeps
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &MediaSession{
		devices:        opts.Devices,
		invoker:        opts.Invoker,
		describer:      opts.Describer,
		vendors:        vendors,
		vendorDeps:     deps,
		requestedCount: opts.RequestedCount,
		avOptions:      append([]upnp.AVOption{upnp.WithAVLogger(logger)}, opts.AVOptions...),
		logger:         logger,
	}
}

func (s *MediaSession) snapshot() selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *MediaSession) swap(update func(next *selection)) selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	update(&next)
	next.id = uuid.NewString()
	s.current = next
	return next
}

func (s *MediaSession) Snapshot() Snapshot {
	cur := s.snapshot()
	out := Snapshot{SelectionID: cur.id}
	if r := cur.renderer; r != nil {
		desc := r.descriptor
		out.Renderer = &desc
		out.RendererVendor = r.vendor
		if r.av != nil {
			ep := r.av.Endpoint()
			out.AVTransport = &ep
		}
		if r.rc != nil {
			ep := r.rc.Endpoint()
			out.RenderingControl = &ep
		}
	}
	if srv := cur.server; srv != nil {
		desc := srv.descriptor
		ep := srv.directory.Endpoint()
		out.Server = &desc
		out.ContentDirectory = &ep
	}
	return out
}

func (s *MediaSession) Discover(ctx context.Context) ([]domain.DeviceDescriptor, []domain.DeviceDescriptor) {
	if s.devices == nil {
		return []domain.DeviceDescriptor{}, []domain.DeviceDescriptor{}
	}
	return s.devices.Discover(ctx)
}

func (s *MediaSession) ListServers() []domain.DeviceDescriptor {
	if s.devices == nil {
		return []domain.DeviceDescriptor{}
	}
	return s.devices.Servers()
}

func (s *MediaSession) ListRenderers() []domain.DeviceDescriptor {
	if s.devices == nil {
		return []domain.DeviceDescriptor{}
	}
	return s.devices.Renderers()
}

// SelectRenderer binds desc as the current renderer. The description is
// fetched fresh first so a descriptor known only by its location still
// reaches the right vendor. A matching vendor controller takes precedence
// over the generic AVTransport and RenderingControl pair. On failure the
// previous selection is kept.
func (s *MediaSession) SelectRenderer(ctx context.Context, desc domain.DeviceDescriptor) (bool, error) {
	desc.Location = strings.TrimSpace(desc.Location)
	if desc.Location == "" {
		return false, domain.InvalidInput("select_renderer", "renderer location is empty")
	}

	description := s.describe(ctx, desc.Location)
	desc = enrich(desc, description, "mediarenderer")
	logger := s.logger.With(slog.String("renderer", desc.FriendlyName), slog.String("location", desc.Location))

	binding, err := s.bindRenderer(desc, description)
	if err != nil {
		logger.Warn("select_renderer_failed", slog.String("error", err.Error()))
		return false, nil
	}

	next := s.swap(func(next *selection) { next.renderer = binding })
	logger.Info("renderer_selected", slog.String("vendor", binding.vendor), slog.String("selection_id", next.id))
	return true, nil
}

func (s *MediaSession) bindRenderer(desc domain.DeviceDescriptor, description *upnp.Description) (*rendererBinding, error) {
	if vendor, ok := s.vendors.Lookup(desc); ok {
		controller, err := vendor.New(desc, s.vendorDeps)
		if err != nil {
			return nil, err
		}
		return &rendererBinding{descriptor: desc, vendor: vendor.Name, controller: controller}, nil
	}

	avEndpoint, rcEndpoint, err := upnp.RendererEndpoints(desc.Location, description)
	if err != nil {
		return nil, err
	}
	av := upnp.NewAVTransportClient(s.invoker, avEndpoint, s.avOptions...)
	rc := upnp.NewRenderingControlClient(s.invoker, rcEndpoint)
	return &rendererBinding{
		descriptor: desc,
		vendor:     "dlna",
		controller: receiver.NewDLNA(av, rc, s.logger),
		av:         av,
		rc:         rc,
	}, nil
}

// enrich fills the fields a bare location leaves empty from the device
// node whose type contains fragment, or from the root device.
func enrich(desc domain.DeviceDescriptor, description *upnp.Description, fragment string) domain.DeviceDescriptor {
	if description == nil {
		return desc
	}
	node, ok := description.FindDevice(fragment)
	if !ok {
		node = description.Device
	}
	if name := strings.TrimSpace(node.FriendlyName); name != "" && (strings.TrimSpace(desc.FriendlyName) == "" || desc.FriendlyName == desc.Location) {
		desc.FriendlyName = name
	}
	if strings.TrimSpace(desc.Manufacturer) == "" {
		desc.Manufacturer = strings.TrimSpace(node.Manufacturer)
	}
	if strings.TrimSpace(desc.DeviceType) == "" {
		desc.DeviceType = strings.TrimSpace(node.DeviceType)
	}
	return desc
}

// SelectServer binds desc as the current content server. Only media
// servers and content directories are accepted.
func (s *MediaSession) SelectServer(ctx context.Context, desc domain.DeviceDescriptor) (bool, error) {
	desc.Location = strings.TrimSpace(desc.Location)
	if desc.Location == "" {
		return false, domain.InvalidInput("select_server", "server location is empty")
	}

	description := s.describe(ctx, desc.Location)
	if !isContentServer(desc, description) {
		return false, domain.InvalidInput("select_server", "device type %q is not a media server", desc.DeviceType)
	}
	desc = enrich(desc, description, "mediaserver")
	logger := s.logger.With(slog.String("server", desc.FriendlyName), slog.String("location", desc.Location))

	endpoint, err := upnp.ContentDirectoryEndpoint(desc.Location, description)
	if err != nil {
		logger.Warn("select_server_failed", slog.String("error", err.Error()))
		return false, nil
	}
	directory := upnp.NewContentDirectoryClient(s.invoker, endpoint, s.logger)
	opts := []browser.Option{browser.WithLogger(s.logger)}
	if s.requestedCount > 0 {
		opts = append(opts, browser.WithRequestedCount(s.requestedCount))
	}
	binding := &serverBinding{
		descriptor: desc,
		directory:  directory,
		browser:    browser.New(directory, opts...),
	}

	next := s.swap(func(next *selection) { next.server = binding })
	logger.Info("server_selected", slog.String("control_url", endpoint.ControlURL), slog.String("selection_id", next.id))
	return true, nil
}

func isContentServer(desc domain.DeviceDescriptor, description *upnp.Description) bool {
	if typeNamesServer(desc.DeviceType) {
		return true
	}
	if strings.TrimSpace(desc.DeviceType) != "" || description == nil {
		return false
	}
	if _, ok := description.FindDevice("mediaserver"); ok {
		return true
	}
	_, ok := description.FindService("contentdirectory")
	return ok
}

func typeNamesServer(deviceType string) bool {
	lower := strings.ToLower(deviceType)
	return strings.Contains(lower, "mediaserver") || strings.Contains(lower, "contentdirectory")
}

func (s *MediaSession) describe(ctx context.Context, location string) *upnp.Description {
	if s.describer == nil {
		return nil
	}
	description, err := s.describer.Refresh(ctx, location)
	if err != nil {
		s.logger.Debug("description_unavailable", slog.String("location", location), slog.String("error", err.Error()))
		return nil
	}
	return description
}

// Browse lists containerID on the selected server.
func (s *MediaSession) Browse(ctx context.Context, containerID string) ([]domain.ContentNode, error) {
	srv := s.snapshot().server
	if srv == nil {
		return nil, ErrNoServerSelected
	}
	return srv.browser.List(ctx, containerID), nil
}

func (s *MediaSession) renderer() (*rendererBinding, error) {
	r := s.snapshot().renderer
	if r == nil {
		return nil, ErrNoRendererSelected
	}
	return r, nil
}

// transport returns the AVTransport client, or nil when a vendor
// controller owns the renderer.
func (s *MediaSession) transport(op string) (*upnp.AVTransportClient, error) {
	r, err := s.renderer()
	if err != nil {
		return nil, err
	}
	if r.av == nil {
		s.logger.Warn("transport_unsupported", slog.String("op", op), slog.String("vendor", r.vendor))
	}
	return r.av, nil
}

// Play starts playback. A non-empty uri is loaded first.
func (s *MediaSession) Play(ctx context.Context, uri string) (bool, error) {
	av, err := s.transport("play")
	if err != nil || av == nil {
		return false, err
	}
	if uri = strings.TrimSpace(uri); uri != "" {
		if err := av.SetAVTransportURI(ctx, uri, ""); err != nil {
			return s.collapse("play", err)
		}
	}
	return s.collapse("play", av.Play(ctx, ""))
}

func (s *MediaSession) Pause(ctx context.Context) (bool, error) {
	av, err := s.transport("pause")
	if err != nil || av == nil {
		return false, err
	}
	return s.collapse("pause", av.Pause(ctx))
}

func (s *MediaSession) Stop(ctx context.Context) (bool, error) {
	av, err := s.transport("stop")
	if err != nil || av == nil {
		return false, err
	}
	return s.collapse("stop", av.Stop(ctx))
}

// Seek moves to an absolute HH:MM:SS position. Targets past a known track
// duration are rejected before reaching the device.
func (s *MediaSession) Seek(ctx context.Context, target string) (bool, error) {
	target = strings.TrimSpace(target)
	targetSeconds, err := upnp.ParseClock(target)
	if err != nil {
		return false, domain.InvalidInput("seek", "%v", err)
	}
	av, err := s.transport("seek")
	if err != nil || av == nil {
		return false, err
	}

	if position, posErr := av.GetPositionInfo(ctx); posErr == nil {
		if duration, durErr := upnp.ParseClock(position.TrackDuration); durErr == nil && duration > 0 && targetSeconds > duration {
			return false, domain.InvalidInput("seek", "target %s is past the track duration %s", target, position.TrackDuration)
		}
	}
	return s.collapse("seek", av.Seek(ctx, target))
}

// TransportInfo reports the renderer's transport state. Vendor receivers
// have no transport service; they read as playing their current input
// while powered on.
func (s *MediaSession) TransportInfo(ctx context.Context) (domain.TransportInfo, error) {
	r, err := s.renderer()
	if err != nil {
		return domain.TransportInfo{}, err
	}
	if r.av == nil {
		return receiverTransportInfo(r.controller.GetStatus(ctx)), nil
	}
	info, err := r.av.GetTransportInfo(ctx)
	if err != nil {
		s.logFailure("transport_info", err)
		return domain.StoppedTransportInfo(), nil
	}
	return info, nil
}

func receiverTransportInfo(status domain.ReceiverStatus) domain.TransportInfo {
	info := domain.StoppedTransportInfo()
	if status.Power {
		info.State = domain.StatePlaying
		info.Title = status.Input
	}
	return info
}

func (s *MediaSession) PositionInfo(ctx context.Context) (domain.PositionInfo, error) {
	av, err := s.transport("position_info")
	if err != nil {
		return domain.PositionInfo{}, err
	}
	if av == nil {
		return domain.ZeroPositionInfo(), nil
	}
	info, err := av.GetPositionInfo(ctx)
	if err != nil {
		s.logFailure("position_info", err)
		return domain.ZeroPositionInfo(), nil
	}
	return info, nil
}

func (s *MediaSession) SetVolume(ctx context.Context, percent int) (bool, error) {
	r, err := s.renderer()
	if err != nil {
		return false, err
	}
	return r.controller.SetVolume(ctx, upnp.ClampPercent(percent)), nil
}

func (s *MediaSession) SetMute(ctx context.Context, on bool) (bool, error) {
	r, err := s.renderer()
	if err != nil {
		return false, err
	}
	return r.controller.SetMute(ctx, on), nil
}

func (s *MediaSession) SetPower(ctx context.Context, on bool) (bool, error) {
	r, err := s.renderer()
	if err != nil {
		return false, err
	}
	return r.controller.SetPower(ctx, on), nil
}

func (s *MediaSession) GetStatus(ctx context.Context) (domain.ReceiverStatus, error) {
	r, err := s.renderer()
	if err != nil {
		return domain.ReceiverStatus{}, err
	}
	return r.controller.GetStatus(ctx), nil
}

func (s *MediaSession) SetInput(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, domain.InvalidInput("set_input", "input name is empty")
	}
	r, err := s.renderer()
	if err != nil {
		return false, err
	}
	return r.controller.SetInput(ctx, name), nil
}

func (s *MediaSession) ListInputs(ctx context.Context) ([]string, error) {
	r, err := s.renderer()
	if err != nil {
		return nil, err
	}
	inputs := r.controller.ListInputs(ctx)
	if inputs == nil {
		inputs = []string{}
	}
	return inputs, nil
}

// collapse keeps InvalidInput as an error and reduces every device-side
// failure to false.
func (s *MediaSession) collapse(op string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if domain.IsInvalidInput(err) {
		return false, err
	}
	s.logFailure(op, err)
	return false, nil
}

func (s *MediaSession) logFailure(op string, err error) {
	s.logger.Warn("session_op_failed", slog.String("op", op), slog.String("kind", domain.KindOf(err).String()), slog.String("error", err.Error()))
}
