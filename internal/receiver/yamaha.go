package receiver

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"go2tv.app/mcp-avctl/internal/domain"
)

const (
	yamahaControlPath = "/YamahaRemoteControl/ctrl"

	yamahaStatusTimeout  = 1 * time.Second
	yamahaListTimeout    = 2 * time.Second
	yamahaCommandTimeout = 3 * time.Second
	yamahaSwitchTimeout  = 5 * time.Second

	yamahaMinNative  = -800
	yamahaMaxNative  = 0
	yamahaNativeStep = 5

	maxYamahaReplyBytes = 1 << 20
)

var yamahaFallbackInputs = []string{
	"HDMI1", "HDMI2", "HDMI3", "HDMI4", "HDMI5",
	"AV1", "AV2", "AV3", "AV4", "AV5", "AV6",
	"AUDIO1", "AUDIO2", "AUDIO3",
	"TUNER", "PHONO", "CD",
	"NET RADIO", "SERVER", "NAPSTER",
	"SPOTIFY", "BLUETOOTH", "USB",
	"AirPlay",
}

type yamahaReply struct {
	XMLName  xml.Name `xml:"YAMAHA_AV"`
	RC       string   `xml:"RC,attr"`
	MainZone struct {
		BasicStatus struct {
			Power  string `xml:"Power_Control>Power"`
			Volume struct {
				Val  string `xml:"Lvl>Val"`
				Mute string `xml:"Mute"`
			} `xml:"Volume"`
			Input string `xml:"Input>Input_Sel"`
		} `xml:"Basic_Status"`
		InputItems struct {
			Items []yamahaInputItem `xml:",any"`
		} `xml:"Input>Input_Sel_Item"`
	} `xml:"Main_Zone"`
}

type yamahaInputItem struct {
	XMLName xml.Name
	Param   string `xml:"Param"`
	Text    string `xml:",chardata"`
}

// Yamaha drives receivers speaking the YAMAHA_AV XML dialect. Calls are
// single POSTs without retry.
type Yamaha struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewYamaha(host string, client *http.Client, logger *slog.Logger) *Yamaha {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	return &Yamaha{
		endpoint: "http://" + host + yamahaControlPath,
		client:   client,
		logger:   logger.With(slog.String("receiver", "yamaha"), slog.String("host", host)),
	}
}

func (y *Yamaha) GetStatus(ctx context.Context) domain.ReceiverStatus {
	reply, err := y.send(ctx, yamahaStatusTimeout, "GET", "<Main_Zone><Basic_Status>GetParam</Basic_Status></Main_Zone>")
	if err != nil {
		y.logFailure("get_status", err)
		return domain.ReceiverStatus{}
	}

	basic := reply.MainZone.BasicStatus
	status := domain.ReceiverStatus{
		Power: strings.EqualFold(strings.TrimSpace(basic.Power), "On"),
		Muted: strings.EqualFold(strings.TrimSpace(basic.Volume.Mute), "On"),
		Input: strings.TrimSpace(basic.Input),
	}
	if raw := strings.TrimSpace(basic.Volume.Val); raw != "" {
		native, convErr := strconv.Atoi(raw)
		if convErr != nil {
			y.logFailure("get_status", domain.ParseError("Basic_Status", fmt.Errorf("volume %q: %w", raw, convErr)))
		} else {
			status.VolumePercent = nativeToPercent(native)
		}
	}
	return status
}

func (y *Yamaha) SetPower(ctx context.Context, on bool) bool {
	state := "Standby"
	if on {
		state = "On"
	}
	return y.put(ctx, "set_power", yamahaSwitchTimeout,
		"<Main_Zone><Power_Control><Power>"+state+"</Power></Power_Control></Main_Zone>")
}

func (y *Yamaha) SetVolume(ctx context.Context, percent int) bool {
	native := percentToNative(percent)
	return y.put(ctx, "set_volume", yamahaCommandTimeout, fmt.Sprintf(
		"<Main_Zone><Volume><Lvl><Val>%d</Val><Exp>1</Exp><Unit>dB</Unit></Lvl></Volume></Main_Zone>", native))
}

func (y *Yamaha) SetInput(ctx context.Context, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		y.logFailure("set_input", domain.InvalidInput("set_input", "input name is empty"))
		return false
	}
	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(name)); err != nil {
		y.logFailure("set_input", err)
		return false
	}
	return y.put(ctx, "set_input", yamahaSwitchTimeout,
		"<Main_Zone><Input><Input_Sel>"+escaped.String()+"</Input_Sel></Input></Main_Zone>")
}

func (y *Yamaha) SetMute(ctx context.Context, on bool) bool {
	state := "Off"
	if on {
		state = "On"
	}
	return y.put(ctx, "set_mute", yamahaCommandTimeout,
		"<Main_Zone><Volume><Mute>"+state+"</Mute></Volume></Main_Zone>")
}

// ListInputs falls back to a static catalogue when the firmware cannot
// enumerate its inputs.
func (y *Yamaha) ListInputs(ctx context.Context) []string {
	reply, err := y.send(ctx, yamahaListTimeout, "GET", "<Main_Zone><Input><Input_Sel_Item>GetParam</Input_Sel_Item></Input></Main_Zone>")
	if err != nil {
		y.logFailure("list_inputs", err)
		return append([]string(nil), yamahaFallbackInputs...)
	}

	var inputs []string
	for _, item := range reply.MainZone.InputItems.Items {
		if !strings.HasPrefix(item.XMLName.Local, "Item") {
			continue
		}
		name := strings.TrimSpace(item.Param)
		if name == "" {
			name = strings.TrimSpace(item.Text)
		}
		if name != "" {
			inputs = append(inputs, name)
		}
	}
	if len(inputs) == 0 {
		y.logger.Debug("yamaha_input_list_empty")
		return append([]string(nil), yamahaFallbackInputs...)
	}
	return inputs
}

func (y *Yamaha) put(ctx context.Context, op string, timeout time.Duration, body string) bool {
	if _, err := y.send(ctx, timeout, "PUT", body); err != nil {
		y.logFailure(op, err)
		return false
	}
	return true
}

func (y *Yamaha) send(ctx context.Context, timeout time.Duration, cmd, inner string) (*yamahaReply, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := `<?xml version="1.0" encoding="utf-8"?><YAMAHA_AV cmd="` + cmd + `">` + inner + `</YAMAHA_AV>`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, y.endpoint, strings.NewReader(payload))
	if err != nil {
		return nil, domain.InvalidInput("yamaha", "%v", err)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := y.client.Do(req)
	if err != nil {
		kind := domain.KindConnection
		if ctx.Err() != nil {
			kind = domain.KindTimeout
		}
		return nil, domain.NewDeviceError(kind, "yamaha "+cmd, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxYamahaReplyBytes))
	if err != nil {
		return nil, domain.NewDeviceError(domain.KindConnection, "yamaha "+cmd, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.DeviceError{Kind: domain.KindDeviceRejected, Op: "yamaha " + cmd, Status: resp.StatusCode}
	}

	var reply yamahaReply
	if err := xml.Unmarshal(body, &reply); err != nil {
		return nil, domain.ParseError("yamaha "+cmd, err)
	}
	if rc := strings.TrimSpace(reply.RC); rc != "" && rc != "0" {
		return nil, &domain.DeviceError{Kind: domain.KindDeviceRejected, Op: "yamaha " + cmd, Status: resp.StatusCode, Msg: "RC=" + rc}
	}
	return &reply, nil
}

func (y *Yamaha) logFailure(op string, err error) {
	y.logger.Warn("receiver_call_failed", slog.String("op", op), slog.String("kind", domain.KindOf(err).String()), slog.String("error", err.Error()))
}

// percentToNative maps 0..100 onto -800..0, rounding half to even and
// snapping to the receiver's 0.5 dB step.
func percentToNative(percent int) int {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	raw := float64(percent)*float64(-yamahaMinNative)/100 + yamahaMinNative
	steps := math.RoundToEven(raw / yamahaNativeStep)
	native := int(steps) * yamahaNativeStep
	if native < yamahaMinNative {
		return yamahaMinNative
	}
	if native > yamahaMaxNative {
		return yamahaMaxNative
	}
	return native
}

func nativeToPercent(native int) int {
	if native < yamahaMinNative {
		native = yamahaMinNative
	}
	if native > yamahaMaxNative {
		native = yamahaMaxNative
	}
	scaled := float64(native-yamahaMinNative) * 100 / float64(-yamahaMinNative)
	percent := int(math.RoundToEven(scaled))
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
