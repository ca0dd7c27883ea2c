package ssdp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	gossdp "github.com/alexballas/go-ssdp"
	"go2tv.app/go2tv/v2/devices"
)

const receiverDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Living Room AVR</friendlyName>
    <manufacturer>Yamaha Corporation</manufacturer>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
        <friendlyName>AVR Library</friendlyName>
        <manufacturer>Yamaha Corporation</manufacturer>
      </device>
    </deviceList>
  </device>
</root>`

type fakeScanner struct {
	found []devices.Device
	err   error
}

func (f fakeScanner) LoadAllDevices(delaySeconds int) ([]devices.Device, error) {
	return f.found, f.err
}

func stubSearch(t *testing.T, fn func(waitSeconds int) ([]gossdp.Service, error)) {
	t.Helper()
	orig := searchSSDP
	t.Cleanup(func() {
		searchSSDP = orig
	})
	searchSSDP = fn
}

func TestSearchEnrichesFromDescription(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write([]byte(receiverDescription))
	}))
	t.Cleanup(srv.Close)
	location := srv.URL + "/desc.xml"

	stubSearch(t, func(waitSeconds int) ([]gossdp.Service, error) {
		return []gossdp.Service{
			{Type: "upnp:rootdevice", Location: location},
			{Type: "urn:schemas-upnp-org:device:MediaRenderer:1", Location: location},
		}, nil
	})

	d := New(Options{})
	found, err := d.Search(context.Background(), 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected root and embedded device, got %#v", found)
	}
	if found[0].FriendlyName != "Living Room AVR" || found[0].Manufacturer != "Yamaha Corporation" || found[0].Location != location {
		t.Fatalf("unexpected root descriptor: %#v", found[0])
	}
	if found[1].DeviceType != "urn:schemas-upnp-org:device:MediaServer:1" {
		t.Fatalf("unexpected embedded descriptor: %#v", found[1])
	}

	if _, err := d.Search(context.Background(), 1); err != nil {
		t.Fatalf("second search: %v", err)
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("expected cached description, fetched %d times", got)
	}
}

func TestSearchFallsBackToAdvertisedTypes(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	location := srv.URL + "/missing.xml"

	stubSearch(t, func(waitSeconds int) ([]gossdp.Service, error) {
		return []gossdp.Service{
			{Type: "urn:schemas-upnp-org:service:ContentDirectory:1", Location: location},
			{Type: "urn:schemas-upnp-org:device:MediaServer:1", Location: location},
		}, nil
	})

	found, err := New(Options{}).Search(context.Background(), 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected one descriptor from the device type, got %#v", found)
	}
	if found[0].DeviceType != "urn:schemas-upnp-org:device:MediaServer:1" || found[0].FriendlyName != "127.0.0.1" {
		t.Fatalf("unexpected fallback descriptor: %#v", found[0])
	}
}

func TestSearchMergesScannerRenderers(t *testing.T) {
	stubSearch(t, func(waitSeconds int) ([]gossdp.Service, error) {
		return nil, errors.New("no multicast")
	})

	scanner := fakeScanner{found: []devices.Device{
		{Name: "Bedroom TV", Addr: "http://127.0.0.1:1/desc.xml", Type: "DLNA"},
		{Name: "Kitchen Speaker", Addr: "192.168.1.30:8009", Type: "Chromecast"},
	}}
	found, err := New(Options{Scanner: scanner}).Search(context.Background(), 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected only the DLNA renderer, got %#v", found)
	}
	if found[0].FriendlyName != "Bedroom TV" || found[0].DeviceType != scannerDeviceType {
		t.Fatalf("unexpected scanner descriptor: %#v", found[0])
	}
}

func TestSearchFailsOnlyWhenEverySourceFails(t *testing.T) {
	stubSearch(t, func(waitSeconds int) ([]gossdp.Service, error) {
		return nil, errors.New("no multicast")
	})

	if _, err := New(Options{}).Search(context.Background(), 1); err == nil {
		t.Fatal("expected error when the only source fails")
	}

	quiet := New(Options{Scanner: fakeScanner{err: devices.ErrNoDeviceAvailable}})
	found, err := quiet.Search(context.Background(), 1)
	if err != nil {
		t.Fatalf("no devices from the scanner is not a failure: %v", err)
	}
	if found == nil || len(found) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", found)
	}
}

func TestRefreshBypassesDescriptionCache(t *testing.T) {
	var fetches atomic.Int32
	var body atomic.Value
	body.Store(receiverDescription)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	t.Cleanup(srv.Close)
	location := srv.URL + "/desc.xml"

	d := New(Options{})
	if _, err := d.Describe(context.Background(), location); err != nil {
		t.Fatalf("describe: %v", err)
	}

	body.Store(strings.Replace(receiverDescription, "Living Room AVR", "Den AVR", 1))
	cached, err := d.Describe(context.Background(), location)
	if err != nil || cached.Device.FriendlyName != "Living Room AVR" {
		t.Fatalf("expected cached description, got %v %v", cached, err)
	}

	fresh, err := d.Refresh(context.Background(), location)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if fresh.Device.FriendlyName != "Den AVR" {
		t.Fatalf("expected fresh description, got %q", fresh.Device.FriendlyName)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("expected 2 fetches, got %d", got)
	}
	if again, _ := d.Describe(context.Background(), location); again.Device.FriendlyName != "Den AVR" {
		t.Fatalf("expected refresh to update the cache, got %q", again.Device.FriendlyName)
	}
}
