package session

import (
	"context"
	"errors"
	"strings"

	"go2tv.app/mcp-avctl/internal/domain"
)

// Error codes reported to agents and HTTP clients.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodeNoRendererSelected = "NO_RENDERER_SELECTED"
	CodeNoServerSelected   = "NO_SERVER_SELECTED"
	CodeOperationFailed    = "OPERATION_FAILED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Control is the operation surface shared by the MCP and HTTP front ends.
type Control interface {
	Discover(ctx context.Context) ([]domain.DeviceDescriptor, []domain.DeviceDescriptor)
	ListServers() []domain.DeviceDescriptor
	ListRenderers() []domain.DeviceDescriptor
	SelectServer(ctx context.Context, desc domain.DeviceDescriptor) (bool, error)
	SelectRenderer(ctx context.Context, desc domain.DeviceDescriptor) (bool, error)
	Browse(ctx context.Context, containerID string) ([]domain.ContentNode, error)
	Play(ctx context.Context, uri string) (bool, error)
	Pause(ctx context.Context) (bool, error)
	Stop(ctx context.Context) (bool, error)
	Seek(ctx context.Context, target string) (bool, error)
	TransportInfo(ctx context.Context) (domain.TransportInfo, error)
	PositionInfo(ctx context.Context) (domain.PositionInfo, error)
	SetVolume(ctx context.Context, percent int) (bool, error)
	SetMute(ctx context.Context, on bool) (bool, error)
	SetPower(ctx context.Context, on bool) (bool, error)
	GetStatus(ctx context.Context) (domain.ReceiverStatus, error)
	SetInput(ctx context.Context, name string) (bool, error)
	ListInputs(ctx context.Context) ([]string, error)
	Snapshot() Snapshot
}

// Finder resolves a user-supplied target against the last sweep.
type Finder interface {
	FindServer(target string) (domain.DeviceDescriptor, bool)
	FindRenderer(target string) (domain.DeviceDescriptor, bool)
}

const (
	RoleServer   = "server"
	RoleRenderer = "renderer"
)

// ResolveTarget looks target up in the last sweep by role. A bare http(s)
// description URL is accepted without a sweep; selection fills in the rest
// from the device description.
func ResolveTarget(finder Finder, role, target string) (domain.DeviceDescriptor, bool) {
	target = strings.TrimSpace(target)
	if target == "" {
		return domain.DeviceDescriptor{}, false
	}
	if finder != nil {
		find := finder.FindRenderer
		if role == RoleServer {
			find = finder.FindServer
		}
		if desc, ok := find(target); ok {
			return desc, true
		}
	}
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return domain.DeviceDescriptor{FriendlyName: target, Location: target}, true
	}
	return domain.DeviceDescriptor{}, false
}

var _ Control = (*MediaSession)(nil)

// ErrorCode maps an error returned by a Control operation onto its code.
func ErrorCode(err error) string {
	var tErr *domain.ToolError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &tErr) && tErr != nil && tErr.Code != "":
		return tErr.Code
	case errors.Is(err, ErrNoRendererSelected):
		return CodeNoRendererSelected
	case errors.Is(err, ErrNoServerSelected):
		return CodeNoServerSelected
	case domain.IsInvalidInput(err):
		return CodeInvalidInput
	default:
		return CodeInternalError
	}
}
