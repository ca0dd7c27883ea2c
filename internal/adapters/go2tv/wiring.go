package go2tv

import (
	"go2tv.app/go2tv/v2/devices"

	"go2tv.app/mcp-avctl/internal/adapters"
	"go2tv.app/mcp-avctl/internal/adapters/ssdp"
)

// Bundle wires all external discovery adapters in one place.
type Bundle struct {
	Discovery *ssdp.Discovery
	Scanner   adapters.RendererScanner
}

// NewBundle builds the SSDP discovery. The go2tv renderer scan is merged
// in only when scan is true.
func NewBundle(opts ssdp.Options, scan bool) Bundle {
	var scanner adapters.RendererScanner
	if scan {
		scanner = ScannerAdapter{}
		opts.Scanner = scanner
	}
	return Bundle{
		Discovery: ssdp.New(opts),
		Scanner:   scanner,
	}
}

type ScannerAdapter struct{}

func (ScannerAdapter) LoadAllDevices(delaySeconds int) ([]devices.Device, error) {
	return devices.LoadAllDevices(delaySeconds)
}

var (
	_ adapters.RendererScanner = ScannerAdapter{}
	_ adapters.Discovery       = (*ssdp.Discovery)(nil)
	_ adapters.Describer       = (*ssdp.Discovery)(nil)
)
