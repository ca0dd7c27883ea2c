package adapters

import (
	"context"

	"go2tv.app/go2tv/v2/devices"

	"go2tv.app/mcp-avctl/internal/domain"
	"go2tv.app/mcp-avctl/internal/upnp"
)

// Discovery runs one LAN sweep and returns the raw descriptors it saw.
type Discovery interface {
	Search(ctx context.Context, waitSeconds int) ([]domain.DeviceDescriptor, error)
}

// RendererScanner is the go2tv renderer scan merged into each sweep.
type RendererScanner interface {
	LoadAllDevices(delaySeconds int) ([]devices.Device, error)
}

// Describer fetches a device description straight from the device. Device
// selection goes through it so endpoints never come from a stale sweep.
type Describer interface {
	Refresh(ctx context.Context, location string) (*upnp.Description, error)
}
