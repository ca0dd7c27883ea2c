package receiver

import (
	"context"

	"go2tv.app/mcp-avctl/internal/domain"
)

// Controller is the vendor-neutral receiver surface. Device-side failures
// are logged by the implementation and reported as false or empty values.
type Controller interface {
	GetStatus(ctx context.Context) domain.ReceiverStatus
	SetPower(ctx context.Context, on bool) bool
	SetVolume(ctx context.Context, percent int) bool
	SetInput(ctx context.Context, name string) bool
	SetMute(ctx context.Context, on bool) bool
	ListInputs(ctx context.Context) []string
}
