package upnp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go2tv.app/mcp-avctl/internal/domain"
	"go2tv.app/mcp-avctl/internal/soap"
)

const masterChannel = "Master"

type RenderingControlClient struct {
	invoker  Invoker
	endpoint domain.ServiceEndpoint
}

func NewRenderingControlClient(invoker Invoker, endpoint domain.ServiceEndpoint) *RenderingControlClient {
	if endpoint.ServiceType == "" {
		endpoint.ServiceType = RenderingControlURN
	}
	return &RenderingControlClient{invoker: invoker, endpoint: endpoint}
}

func (c *RenderingControlClient) Endpoint() domain.ServiceEndpoint {
	return c.endpoint
}

func ClampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

func (c *RenderingControlClient) SetVolume(ctx context.Context, percent int) error {
	_, err := c.invoke(ctx, "SetVolume",
		soap.Arg{Name: "InstanceID", Value: instanceID},
		soap.Arg{Name: "Channel", Value: masterChannel},
		soap.Arg{Name: "DesiredVolume", Value: strconv.Itoa(ClampPercent(percent))},
	)
	return err
}

func (c *RenderingControlClient) GetVolume(ctx context.Context) (int, error) {
	resp, err := c.invoke(ctx, "GetVolume",
		soap.Arg{Name: "InstanceID", Value: instanceID},
		soap.Arg{Name: "Channel", Value: masterChannel},
	)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(resp.Arg("CurrentVolume"))
	volume, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.ParseError("GetVolume", fmt.Errorf("CurrentVolume %q: %w", raw, err))
	}
	return ClampPercent(volume), nil
}

func (c *RenderingControlClient) SetMute(ctx context.Context, muted bool) error {
	desired := "0"
	if muted {
		desired = "1"
	}
	_, err := c.invoke(ctx, "SetMute",
		soap.Arg{Name: "InstanceID", Value: instanceID},
		soap.Arg{Name: "Channel", Value: masterChannel},
		soap.Arg{Name: "DesiredMute", Value: desired},
	)
	return err
}

func (c *RenderingControlClient) GetMute(ctx context.Context) (bool, error) {
	resp, err := c.invoke(ctx, "GetMute",
		soap.Arg{Name: "InstanceID", Value: instanceID},
		soap.Arg{Name: "Channel", Value: masterChannel},
	)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(resp.Arg("CurrentMute"))) {
	case "1", "true", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (c *RenderingControlClient) invoke(ctx context.Context, action string, args ...soap.Arg) (*soap.Response, error) {
	return c.invoker.Invoke(ctx, soap.Call{
		Action:      action,
		ControlURL:  c.endpoint.ControlURL,
		ServiceType: c.endpoint.ServiceType,
		Args:        args,
	})
}
