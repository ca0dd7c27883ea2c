package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go2tv.app/mcp-avctl/internal/domain"
	"go2tv.app/mcp-avctl/internal/receiver"
	"go2tv.app/mcp-avctl/internal/soap"
	"go2tv.app/mcp-avctl/internal/upnp"
)

type actionInvoker struct {
	mu        sync.Mutex
	calls     []soap.Call
	responses map[string]map[string]string
	errs      map[string]error
}

func (f *actionInvoker) Invoke(ctx context.Context, call soap.Call) (*soap.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if err := f.errs[call.Action]; err != nil {
		return nil, err
	}
	return &soap.Response{Action: call.Action + "Response", Args: f.responses[call.Action]}, nil
}

func (f *actionInvoker) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Action)
	}
	return out
}

type fakeDescriber struct {
	descriptions map[string]*upnp.Description
}

func (f fakeDescriber) Refresh(ctx context.Context, location string) (*upnp.Description, error) {
	if desc, ok := f.descriptions[location]; ok {
		return desc, nil
	}
	return nil, errors.New("description unavailable")
}

type fakeController struct {
	volume int
	power  bool
	input  string
}

func (f *fakeController) GetStatus(ctx context.Context) domain.ReceiverStatus {
	return domain.ReceiverStatus{Power: f.power, VolumePercent: f.volume, Input: f.input}
}

func (f *fakeController) SetPower(ctx context.Context, on bool) bool {
	f.power = on
	return true
}

func (f *fakeController) SetVolume(ctx context.Context, percent int) bool {
	f.volume = percent
	return true
}

func (f *fakeController) SetInput(ctx context.Context, name string) bool {
	f.input = name
	return true
}

func (f *fakeController) SetMute(ctx context.Context, on bool) bool { return true }

func (f *fakeController) ListInputs(ctx context.Context) []string { return []string{"HDMI1", "TUNER"} }

const (
	rendererLocation = "http://192.168.1.10:1400/desc.xml"
	serverLocation   = "http://192.168.1.5:8200/rootDesc.xml"
)

var (
	tvDescriptor = domain.DeviceDescriptor{
		FriendlyName: "Bedroom TV",
		Location:     rendererLocation,
		DeviceType:   "urn:schemas-upnp-org:device:MediaRenderer:1",
		Manufacturer: "Samsung",
	}
	nasDescriptor = domain.DeviceDescriptor{
		FriendlyName: "NAS",
		Location:     serverLocation,
		DeviceType:   "urn:schemas-upnp-org:device:MediaServer:1",
	}
)

func rendererDescription() *upnp.Description {
	return &upnp.Description{Device: upnp.DeviceNode{
		DeviceType: "urn:schemas-upnp-org:device:MediaRenderer:1",
		Services: []upnp.Service{
			{ServiceType: "urn:schemas-upnp-org:service:AVTransport:1", ControlURL: "/upnp/control/AVTransport1"},
			{ServiceType: "urn:schemas-upnp-org:service:RenderingControl:1", ControlURL: "/upnp/control/RenderingControl1"},
		},
	}}
}

func newTestSession(invoker *actionInvoker, describer fakeDescriber, vendors *receiver.Registry) *MediaSession {
	return New(Options{
		Invoker:   invoker,
		Describer: describer,
		Vendors:   vendors,
		AVOptions: []upnp.AVOption{
			upnp.WithURIProbe(func(ctx context.Context, uri string) error { return nil }),
			upnp.WithSettle(func(ctx context.Context, d time.Duration) {}),
		},
	})
}

func TestOperationsRequireSelection(t *testing.T) {
	s := newTestSession(&actionInvoker{}, fakeDescriber{}, nil)
	ctx := context.Background()

	if _, err := s.Play(ctx, ""); !errors.Is(err, ErrNoRendererSelected) {
		t.Fatalf("expected no renderer error, got %v", err)
	}
	if _, err := s.GetStatus(ctx); !errors.Is(err, ErrNoRendererSelected) {
		t.Fatalf("expected no renderer error, got %v", err)
	}
	if _, err := s.Browse(ctx, "0"); !errors.Is(err, ErrNoServerSelected) {
		t.Fatalf("expected no server error, got %v", err)
	}
	if snap := s.Snapshot(); snap.Renderer != nil || snap.Server != nil || snap.SelectionID != "" {
		t.Fatalf("expected empty snapshot, got %#v", snap)
	}
}

func TestSelectRendererFromDescription(t *testing.T) {
	invoker := &actionInvoker{}
	s := newTestSession(invoker, fakeDescriber{descriptions: map[string]*upnp.Description{
		rendererLocation: rendererDescription(),
	}}, nil)
	ctx := context.Background()

	ok, err := s.SelectRenderer(ctx, tvDescriptor)
	if err != nil || !ok {
		t.Fatalf("select renderer: %t %v", ok, err)
	}
	snap := s.Snapshot()
	if snap.AVTransport == nil || snap.AVTransport.ControlURL != "http://192.168.1.10:1400/upnp/control/AVTransport1" {
		t.Fatalf("unexpected AVTransport endpoint: %#v", snap.AVTransport)
	}
	if snap.RenderingControl == nil || snap.RenderingControl.ControlURL != "http://192.168.1.10:1400/upnp/control/RenderingControl1" {
		t.Fatalf("unexpected RenderingControl endpoint: %#v", snap.RenderingControl)
	}
	if snap.RendererVendor != "dlna" || snap.SelectionID == "" {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}

	if ok, err := s.Play(ctx, "http://192.168.1.5:8200/MediaItems/1.mp3"); !ok || err != nil {
		t.Fatalf("play: %t %v", ok, err)
	}
	if got := strings.Join(invoker.actions(), ","); got != "SetAVTransportURI,Play" {
		t.Fatalf("unexpected call order: %s", got)
	}
	if ok, err := s.SetVolume(ctx, 150); !ok || err != nil {
		t.Fatalf("set volume: %t %v", ok, err)
	}
	last := invoker.calls[len(invoker.calls)-1]
	if last.Action != "SetVolume" || last.Args[2].Value != "100" {
		t.Fatalf("expected clamped volume, got %#v", last)
	}
}

func TestSelectRendererFallsBackWithoutDescription(t *testing.T) {
	s := newTestSession(&actionInvoker{}, fakeDescriber{}, nil)

	ok, err := s.SelectRenderer(context.Background(), tvDescriptor)
	if err != nil || !ok {
		t.Fatalf("select renderer: %t %v", ok, err)
	}
	snap := s.Snapshot()
	if snap.AVTransport.ControlURL != "http://192.168.1.10:1400/MediaRenderer/AVTransport/Control" {
		t.Fatalf("unexpected fallback: %s", snap.AVTransport.ControlURL)
	}
	if snap.RenderingControl.ControlURL != "http://192.168.1.10:1400/MediaRenderer/RenderingControl/Control" {
		t.Fatalf("unexpected fallback: %s", snap.RenderingControl.ControlURL)
	}
}

func TestSelectRendererIncompleteDescriptionKeepsPrevious(t *testing.T) {
	incomplete := &upnp.Description{Device: upnp.DeviceNode{
		Services: []upnp.Service{{ServiceType: "urn:schemas-upnp-org:service:AVTransport:1", ControlURL: "/av"}},
	}}
	broken := domain.DeviceDescriptor{FriendlyName: "Half TV", Location: "http://192.168.1.11/desc.xml", DeviceType: tvDescriptor.DeviceType}
	s := newTestSession(&actionInvoker{}, fakeDescriber{descriptions: map[string]*upnp.Description{
		rendererLocation: rendererDescription(),
		broken.Location:  incomplete,
	}}, nil)
	ctx := context.Background()

	if ok, _ := s.SelectRenderer(ctx, tvDescriptor); !ok {
		t.Fatal("expected first selection to succeed")
	}
	before := s.Snapshot()

	ok, err := s.SelectRenderer(ctx, broken)
	if ok || err != nil {
		t.Fatalf("expected silent failure, got %t %v", ok, err)
	}
	after := s.Snapshot()
	if after.SelectionID != before.SelectionID || after.Renderer.Location != rendererLocation {
		t.Fatalf("failed selection must keep the previous renderer: %#v", after)
	}
	if after.AVTransport.ControlURL != before.AVTransport.ControlURL || after.RenderingControl.ControlURL != before.RenderingControl.ControlURL {
		t.Fatal("endpoints must not be mixed across selections")
	}
}

func TestSelectRendererVendorPrecedence(t *testing.T) {
	invoker := &actionInvoker{}
	controller := &fakeController{}
	vendors := receiver.NewRegistry(receiver.Vendor{
		Name:  "yamaha",
		Match: receiver.ManufacturerContains("yamaha"),
		New: func(desc domain.DeviceDescriptor, deps receiver.Deps) (receiver.Controller, error) {
			return controller, nil
		},
	})
	s := newTestSession(invoker, fakeDescriber{descriptions: map[string]*upnp.Description{
		rendererLocation: rendererDescription(),
	}}, vendors)
	ctx := context.Background()

	avr := tvDescriptor
	avr.Manufacturer = "YAMAHA Corporation"
	if ok, err := s.SelectRenderer(ctx, avr); !ok || err != nil {
		t.Fatalf("select vendor renderer: %t %v", ok, err)
	}
	snap := s.Snapshot()
	if snap.RendererVendor != "yamaha" || snap.AVTransport != nil || snap.RenderingControl != nil {
		t.Fatalf("vendor selection must not build generic clients: %#v", snap)
	}

	if ok, _ := s.SetVolume(ctx, 30); !ok || controller.volume != 30 {
		t.Fatalf("volume not routed to vendor controller: %d", controller.volume)
	}
	if ok, _ := s.SetInput(ctx, "HDMI2"); !ok || controller.input != "HDMI2" {
		t.Fatal("input not routed to vendor controller")
	}
	if inputs, _ := s.ListInputs(ctx); len(inputs) != 2 {
		t.Fatalf("unexpected inputs: %#v", inputs)
	}
	if ok, err := s.Play(ctx, ""); ok || err != nil {
		t.Fatalf("vendor renderers have no transport: %t %v", ok, err)
	}
	if len(invoker.calls) != 0 {
		t.Fatalf("no SOAP calls expected, got %#v", invoker.actions())
	}
}

func TestSelectServer(t *testing.T) {
	invoker := &actionInvoker{responses: map[string]map[string]string{
		"Browse": {
			"Result":         `<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"><container id="1" parentID="0" childCount="2"><dc:title>Music</dc:title></container></DIDL-Lite>`,
			"NumberReturned": "1",
			"TotalMatches":   "1",
			"UpdateID":       "7",
		},
	}}
	s := newTestSession(invoker, fakeDescriber{}, nil)
	ctx := context.Background()

	if ok, err := s.SelectServer(ctx, nasDescriptor); !ok || err != nil {
		t.Fatalf("select server: %t %v", ok, err)
	}
	if got := s.Snapshot().ContentDirectory.ControlURL; got != "http://192.168.1.5:8200/MediaServer/ContentDirectory/Control" {
		t.Fatalf("unexpected generic control URL: %s", got)
	}

	nodes, err := s.Browse(ctx, "0")
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Title != "📁 Music (2)" {
		t.Fatalf("unexpected nodes: %#v", nodes)
	}

	rygel := domain.DeviceDescriptor{FriendlyName: "Rygel", Location: "http://192.168.1.6:48000/rygel/desc.xml", DeviceType: "urn:schemas-upnp-org:device:MediaServer:1"}
	if ok, _ := s.SelectServer(ctx, rygel); !ok {
		t.Fatal("expected rygel selection to succeed")
	}
	if got := s.Snapshot().ContentDirectory.ControlURL; got != "http://192.168.1.6:48000/Control/MediaExport/RygelContentDirectory" {
		t.Fatalf("unexpected rygel control URL: %s", got)
	}
}

func TestSelectServerRejectsNonServers(t *testing.T) {
	s := newTestSession(&actionInvoker{}, fakeDescriber{}, nil)

	ok, err := s.SelectServer(context.Background(), tvDescriptor)
	if ok || !domain.IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %t %v", ok, err)
	}
	if s.Snapshot().Server != nil {
		t.Fatal("rejected server must not be bound")
	}

	untyped := domain.DeviceDescriptor{FriendlyName: "Box", Location: "http://192.168.1.7/desc.xml"}
	s = newTestSession(&actionInvoker{}, fakeDescriber{descriptions: map[string]*upnp.Description{
		untyped.Location: {Device: upnp.DeviceNode{Services: []upnp.Service{
			{ServiceType: "urn:schemas-upnp-org:service:ContentDirectory:1", ControlURL: "/cd"},
		}}},
	}}, nil)
	if ok, err := s.SelectServer(context.Background(), untyped); !ok || err != nil {
		t.Fatalf("content directory service should qualify: %t %v", ok, err)
	}
	if got := s.Snapshot().ContentDirectory.ControlURL; got != "http://192.168.1.7/cd" {
		t.Fatalf("unexpected control URL: %s", got)
	}
}

func TestSeekValidation(t *testing.T) {
	invoker := &actionInvoker{responses: map[string]map[string]string{
		"GetPositionInfo": {"Track": "1", "TrackDuration": "00:03:30", "RelTime": "00:00:10"},
	}}
	s := newTestSession(invoker, fakeDescriber{}, nil)
	ctx := context.Background()

	if _, err := s.Seek(ctx, "1:2"); !domain.IsInvalidInput(err) {
		t.Fatalf("malformed target must be invalid input before selection checks, got %v", err)
	}
	if ok, _ := s.SelectRenderer(ctx, tvDescriptor); !ok {
		t.Fatal("select renderer failed")
	}

	if _, err := s.Seek(ctx, "00:04:00"); !domain.IsInvalidInput(err) {
		t.Fatalf("expected target past duration to be rejected, got %v", err)
	}
	if ok, err := s.Seek(ctx, "00:02:00"); !ok || err != nil {
		t.Fatalf("seek: %t %v", ok, err)
	}
	last := invoker.calls[len(invoker.calls)-1]
	if last.Action != "Seek" || last.Args[2].Value != "00:02:00" {
		t.Fatalf("unexpected seek call: %#v", last)
	}
}

func TestDeviceFailuresCollapseToFalse(t *testing.T) {
	invoker := &actionInvoker{errs: map[string]error{
		"Play":             domain.NewDeviceError(domain.KindAllRetriesFailed, "Play", errors.New("gone")),
		"GetTransportInfo": domain.NewDeviceError(domain.KindUnreachable, "GetTransportInfo", errors.New("down")),
	}}
	s := newTestSession(invoker, fakeDescriber{}, nil)
	ctx := context.Background()
	if ok, _ := s.SelectRenderer(ctx, tvDescriptor); !ok {
		t.Fatal("select renderer failed")
	}

	if ok, err := s.Play(ctx, ""); ok || err != nil {
		t.Fatalf("expected false without error, got %t %v", ok, err)
	}
	if _, err := s.Play(ctx, "ftp://x"); !domain.IsInvalidInput(err) {
		t.Fatalf("expected invalid URI to surface, got %v", err)
	}
	info, err := s.TransportInfo(ctx)
	if err != nil || info.State != domain.StateStopped {
		t.Fatalf("expected stopped placeholder, got %#v %v", info, err)
	}
	status, err := s.GetStatus(ctx)
	if err != nil || status != (domain.ReceiverStatus{}) {
		t.Fatalf("expected zero status for unreachable renderer, got %#v %v", status, err)
	}
	if _, err := s.SetInput(ctx, " "); !domain.IsInvalidInput(err) {
		t.Fatalf("expected empty input to be invalid, got %v", err)
	}
}

func TestSelectRendererByLocationDetectsVendor(t *testing.T) {
	location := "http://10.0.0.9:49154/desc.xml"
	s := newTestSession(&actionInvoker{}, fakeDescriber{descriptions: map[string]*upnp.Description{
		location: {Device: upnp.DeviceNode{
			DeviceType:   "urn:schemas-upnp-org:device:MediaRenderer:1",
			FriendlyName: "RX-V685",
			Manufacturer: "Yamaha Corporation",
			Services:     rendererDescription().Device.Services,
		}},
	}}, receiver.NewRegistry(receiver.YamahaVendor()))

	ok, err := s.SelectRenderer(context.Background(), domain.DeviceDescriptor{FriendlyName: location, Location: location})
	if !ok || err != nil {
		t.Fatalf("select renderer: %t %v", ok, err)
	}
	snap := s.Snapshot()
	if snap.RendererVendor != "yamaha" || snap.AVTransport != nil {
		t.Fatalf("expected the Yamaha controller to own the renderer: %#v", snap)
	}
	if snap.Renderer.FriendlyName != "RX-V685" || snap.Renderer.Manufacturer != "Yamaha Corporation" {
		t.Fatalf("expected descriptor filled from the description: %#v", snap.Renderer)
	}
}

func TestReceiverTransportInfo(t *testing.T) {
	controller := &fakeController{power: true, input: "HDMI1"}
	vendors := receiver.NewRegistry(receiver.Vendor{
		Name:  "yamaha",
		Match: receiver.ManufacturerContains("yamaha"),
		New: func(desc domain.DeviceDescriptor, deps receiver.Deps) (receiver.Controller, error) {
			return controller, nil
		},
	})
	s := newTestSession(&actionInvoker{}, fakeDescriber{}, vendors)
	ctx := context.Background()

	avr := tvDescriptor
	avr.Manufacturer = "Yamaha"
	if ok, _ := s.SelectRenderer(ctx, avr); !ok {
		t.Fatal("select renderer failed")
	}

	info, err := s.TransportInfo(ctx)
	if err != nil || info.State != domain.StatePlaying || info.Title != "HDMI1" {
		t.Fatalf("expected powered receiver to read as playing its input, got %#v %v", info, err)
	}

	controller.power = false
	info, err = s.TransportInfo(ctx)
	if err != nil || info.State != domain.StateStopped || info.Title != "" {
		t.Fatalf("expected standby receiver to read as stopped, got %#v %v", info, err)
	}
}

type mapFinder struct {
	servers   map[string]domain.DeviceDescriptor
	renderers map[string]domain.DeviceDescriptor
}

func (f mapFinder) FindServer(target string) (domain.DeviceDescriptor, bool) {
	desc, ok := f.servers[target]
	return desc, ok
}

func (f mapFinder) FindRenderer(target string) (domain.DeviceDescriptor, bool) {
	desc, ok := f.renderers[target]
	return desc, ok
}

func TestResolveTarget(t *testing.T) {
	finder := mapFinder{
		servers:   map[string]domain.DeviceDescriptor{"NAS": nasDescriptor},
		renderers: map[string]domain.DeviceDescriptor{"Bedroom TV": tvDescriptor},
	}

	if desc, ok := ResolveTarget(finder, RoleServer, "NAS"); !ok || desc.Location != serverLocation {
		t.Fatalf("expected server from the sweep, got %#v %t", desc, ok)
	}
	if _, ok := ResolveTarget(finder, RoleRenderer, "NAS"); ok {
		t.Fatal("servers must not resolve as renderers")
	}
	if desc, ok := ResolveTarget(finder, RoleRenderer, " Bedroom TV "); !ok || desc.Location != rendererLocation {
		t.Fatalf("expected renderer from the sweep, got %#v %t", desc, ok)
	}

	url := "HTTP://10.0.0.9:49154/desc.xml"
	desc, ok := ResolveTarget(nil, RoleRenderer, url)
	if !ok || desc.Location != url || desc.Manufacturer != "" {
		t.Fatalf("expected bare location descriptor, got %#v %t", desc, ok)
	}
	if _, ok := ResolveTarget(nil, RoleRenderer, "Garage"); ok {
		t.Fatal("unknown names must not resolve without a sweep")
	}
	if _, ok := ResolveTarget(finder, RoleServer, "  "); ok {
		t.Fatal("blank targets must not resolve")
	}
}
