package receiver

import (
	"context"
	"log/slog"

	"go2tv.app/mcp-avctl/internal/domain"
)

type Transport interface {
	Stop(ctx context.Context) error
	GetTransportInfo(ctx context.Context) (domain.TransportInfo, error)
}

type Rendering interface {
	SetVolume(ctx context.Context, percent int) error
	GetVolume(ctx context.Context) (int, error)
	SetMute(ctx context.Context, muted bool) error
	GetMute(ctx context.Context) (bool, error)
}

// DLNA drives a plain media renderer as a receiver. It has no input
// selection and no real standby, so power-off stops playback.
type DLNA struct {
	transport Transport
	rendering Rendering
	logger    *slog.Logger
}

func NewDLNA(transport Transport, rendering Rendering, logger *slog.Logger) *DLNA {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DLNA{
		transport: transport,
		rendering: rendering,
		logger:    logger.With(slog.String("receiver", "dlna")),
	}
}

func (d *DLNA) GetStatus(ctx context.Context) domain.ReceiverStatus {
	var status domain.ReceiverStatus
	if _, err := d.transport.GetTransportInfo(ctx); err != nil {
		d.logFailure("get_status", err)
		return status
	}
	status.Power = true

	if volume, err := d.rendering.GetVolume(ctx); err != nil {
		d.logFailure("get_volume", err)
	} else {
		status.VolumePercent = volume
	}
	if muted, err := d.rendering.GetMute(ctx); err != nil {
		d.logFailure("get_mute", err)
	} else {
		status.Muted = muted
	}
	return status
}

func (d *DLNA) SetPower(ctx context.Context, on bool) bool {
	if !on {
		if err := d.transport.Stop(ctx); err != nil {
			d.logFailure("set_power", err)
			return false
		}
		return true
	}
	if _, err := d.transport.GetTransportInfo(ctx); err != nil {
		d.logFailure("set_power", err)
		return false
	}
	return true
}

func (d *DLNA) SetVolume(ctx context.Context, percent int) bool {
	if err := d.rendering.SetVolume(ctx, percent); err != nil {
		d.logFailure("set_volume", err)
		return false
	}
	return true
}

func (d *DLNA) SetInput(ctx context.Context, name string) bool {
	d.logger.Debug("receiver_input_unsupported", slog.String("input", name))
	return false
}

func (d *DLNA) SetMute(ctx context.Context, on bool) bool {
	if err := d.rendering.SetMute(ctx, on); err != nil {
		d.logFailure("set_mute", err)
		return false
	}
	return true
}

func (d *DLNA) ListInputs(ctx context.Context) []string {
	return []string{}
}

func (d *DLNA) logFailure(op string, err error) {
	d.logger.Warn("receiver_call_failed", slog.String("op", op), slog.String("kind", domain.KindOf(err).String()), slog.String("error", err.Error()))
}
