package discovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go2tv.app/mcp-avctl/internal/domain"
)

type fakeAdapter struct {
	search func(ctx context.Context, waitSeconds int) ([]domain.DeviceDescriptor, error)
	calls  int
}

func (f *fakeAdapter) Search(ctx context.Context, waitSeconds int) ([]domain.DeviceDescriptor, error) {
	f.calls++
	if f.search == nil {
		return nil, errors.New("not configured")
	}
	return f.search(ctx, waitSeconds)
}

func TestDiscover_ClassifiesAndDedupsServers(t *testing.T) {
	adapter := &fakeAdapter{
		search: func(ctx context.Context, waitSeconds int) ([]domain.DeviceDescriptor, error) {
			return []domain.DeviceDescriptor{
				{FriendlyName: "NAS", Location: "http://192.168.1.5:8200/rootDesc.xml", DeviceType: "urn:schemas-upnp-org:device:MediaServer:1"},
				{FriendlyName: "Bedroom TV", Location: "http://192.168.1.10:1400/desc.xml", DeviceType: "urn:schemas-upnp-org:device:MediaRenderer:1"},
				{FriendlyName: "NAS (session 2)", Location: "http://192.168.1.5:8200/rootDesc.xml", DeviceType: "urn:schemas-upnp-org:device:MEDIASERVER:1"},
				{FriendlyName: "Gateway", Location: "http://192.168.1.1:5000/igd.xml", DeviceType: "urn:schemas-upnp-org:device:InternetGatewayDevice:1"},
				{FriendlyName: "AVR", Location: "http://192.168.1.40:49154/desc.xml", DeviceType: "urn:schemas-upnp-org:device:MediaRenderer:1", Manufacturer: "Yamaha"},
			}, nil
		},
	}

	reg := NewRegistry(adapter, 1, nil)
	servers, renderers := reg.Discover(context.Background())

	if len(servers) != 1 || servers[0].FriendlyName != "NAS" {
		t.Fatalf("expected first NAS entry only, got %#v", servers)
	}
	if len(renderers) != 2 || renderers[0].FriendlyName != "Bedroom TV" || renderers[1].FriendlyName != "AVR" {
		t.Fatalf("unexpected renderers: %#v", renderers)
	}
	for _, d := range append(servers, renderers...) {
		if !strings.HasPrefix(d.ID, "dev_") || len(d.ID) != len("dev_")+16 {
			t.Fatalf("unexpected id %q", d.ID)
		}
	}

	again, _ := reg.Discover(context.Background())
	if again[0].ID != servers[0].ID {
		t.Fatal("expected stable IDs across sweeps")
	}
	if adapter.calls != 2 {
		t.Fatalf("expected 2 sweeps, got %d", adapter.calls)
	}
}

func TestDiscover_FailureYieldsEmptyLists(t *testing.T) {
	adapter := &fakeAdapter{
		search: func(ctx context.Context, waitSeconds int) ([]domain.DeviceDescriptor, error) {
			return nil, errors.New("socket closed")
		},
	}

	servers, renderers := NewRegistry(adapter, 1, nil).Discover(context.Background())
	if servers == nil || renderers == nil || len(servers) != 0 || len(renderers) != 0 {
		t.Fatalf("expected empty lists, got %#v %#v", servers, renderers)
	}

	servers, renderers = NewRegistry(nil, 1, nil).Discover(context.Background())
	if len(servers) != 0 || len(renderers) != 0 {
		t.Fatal("expected empty lists without an adapter")
	}
}

func TestDiscover_CancelledContextReturnsEmpty(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	adapter := &fakeAdapter{
		search: func(ctx context.Context, waitSeconds int) ([]domain.DeviceDescriptor, error) {
			<-release
			return nil, nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	servers, renderers := NewRegistry(adapter, 1, nil).Discover(ctx)
	if len(servers) != 0 || len(renderers) != 0 {
		t.Fatal("expected empty lists")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected cancellation to bound the sweep, elapsed=%s", elapsed)
	}
}

func TestDiscover_ReplacesStoredLists(t *testing.T) {
	sweeps := [][]domain.DeviceDescriptor{
		{{FriendlyName: "TV", Location: "http://192.168.1.10/desc.xml", DeviceType: "urn:schemas-upnp-org:device:MediaRenderer:1"}},
		{},
	}
	adapter := &fakeAdapter{}
	adapter.search = func(ctx context.Context, waitSeconds int) ([]domain.DeviceDescriptor, error) {
		return sweeps[adapter.calls-1], nil
	}

	reg := NewRegistry(adapter, 1, nil)
	reg.Discover(context.Background())
	if len(reg.Renderers()) != 1 {
		t.Fatal("expected stored renderer after first sweep")
	}
	reg.Discover(context.Background())
	if len(reg.Renderers()) != 0 {
		t.Fatal("expected second sweep to replace the list")
	}
}

func TestDiscover_FailedSweepKeepsStoredLists(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.search = func(ctx context.Context, waitSeconds int) ([]domain.DeviceDescriptor, error) {
		if adapter.calls > 1 {
			return nil, errors.New("multicast unavailable")
		}
		return []domain.DeviceDescriptor{
			{FriendlyName: "TV", Location: "http://192.168.1.10/desc.xml", DeviceType: "urn:schemas-upnp-org:device:MediaRenderer:1"},
			{FriendlyName: "NAS", Location: "http://192.168.1.5/desc.xml", DeviceType: "urn:schemas-upnp-org:device:MediaServer:1"},
		}, nil
	}

	reg := NewRegistry(adapter, 1, nil)
	reg.Discover(context.Background())

	servers, renderers := reg.Discover(context.Background())
	if len(servers) != 0 || len(renderers) != 0 {
		t.Fatalf("failed sweep must report empty lists, got %#v %#v", servers, renderers)
	}
	if len(reg.Servers()) != 1 || len(reg.Renderers()) != 1 {
		t.Fatalf("failed sweep must keep the previous lists, got %#v %#v", reg.Servers(), reg.Renderers())
	}
	if _, ok := reg.FindRenderer("TV"); !ok {
		t.Fatal("expected lookups to keep working after a failed sweep")
	}
}

func TestFindRenderer(t *testing.T) {
	adapter := &fakeAdapter{
		search: func(ctx context.Context, waitSeconds int) ([]domain.DeviceDescriptor, error) {
			return []domain.DeviceDescriptor{
				{FriendlyName: "Living Room TV (DLNA)", Location: "http://192.168.1.20/desc.xml", DeviceType: "urn:schemas-upnp-org:device:MediaRenderer:1"},
				{FriendlyName: "Kitchen", Location: "http://192.168.1.21/desc.xml", DeviceType: "urn:schemas-upnp-org:device:MediaRenderer:1"},
			}, nil
		},
	}
	reg := NewRegistry(adapter, 1, nil)
	_, renderers := reg.Discover(context.Background())

	cases := map[string]string{
		renderers[1].ID:                "Kitchen",
		"Kitchen":                      "Kitchen",
		"kitchen":                      "Kitchen",
		"living room tv":               "Living Room TV (DLNA)",
		"http://192.168.1.20/desc.xml": "Living Room TV (DLNA)",
	}
	for target, want := range cases {
		got, ok := reg.FindRenderer(target)
		if !ok || got.FriendlyName != want {
			t.Fatalf("FindRenderer(%q) = %#v, %t; want %q", target, got, ok, want)
		}
	}
	if _, ok := reg.FindRenderer("garage"); ok {
		t.Fatal("unexpected match")
	}
	if _, ok := reg.FindServer("Kitchen"); ok {
		t.Fatal("renderers must not resolve as servers")
	}
}

func TestFilterReachable(t *testing.T) {
	origReachable := isReachableAddress
	t.Cleanup(func() {
		isReachableAddress = origReachable
	})
	isReachableAddress = func(address string, timeout time.Duration) bool {
		return address == "http://192.168.1.10:1400/desc.xml"
	}

	kept := FilterReachable([]domain.DeviceDescriptor{
		{Location: "http://192.168.1.10:1400/desc.xml"},
		{Location: "http://192.168.1.20:8009/desc.xml"},
	})
	if len(kept) != 1 || kept[0].Location != "http://192.168.1.10:1400/desc.xml" {
		t.Fatalf("unexpected kept devices: %#v", kept)
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]Role{
		"urn:schemas-upnp-org:device:MediaRenderer:1": RoleRenderer,
		"urn:schemas-upnp-org:device:MediaServer:2":   RoleServer,
		"urn:schemas-upnp-org:device:Basic:1":         RoleNone,
		"":                                            RoleNone,
	}
	for deviceType, want := range cases {
		if got := Classify(deviceType); got != want {
			t.Fatalf("Classify(%q) = %s, want %s", deviceType, got, want)
		}
	}
}

func TestCanonicalAddressDefaultsPort(t *testing.T) {
	if got := canonicalAddress("HTTP://Example.local/Desc.xml"); got != "http://example.local:80/desc.xml" {
		t.Fatalf("unexpected canonical address: %s", got)
	}
	if stableID(RoleServer, "http://a/desc.xml") == stableID(RoleRenderer, "http://a/desc.xml") {
		t.Fatal("role must be part of the id")
	}
}
