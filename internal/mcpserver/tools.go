package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go2tv.app/mcp-avctl/internal/domain"
	"go2tv.app/mcp-avctl/internal/session"
)

type toolOutcome struct {
	text       string
	structured any
	deviceID   string
}

type toolHandler func(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error)

func toolHandlers() map[string]toolHandler {
	return map[string]toolHandler{
		"discover":        handleDiscover,
		"list_servers":    handleListServers,
		"list_renderers":  handleListRenderers,
		"select_server":   handleSelectServer,
		"select_renderer": handleSelectRenderer,
		"browse":          handleBrowse,
		"play":            handlePlay,
		"pause":           handleNoArgCommand("pause", "Playback paused."),
		"stop":            handleNoArgCommand("stop", "Playback stopped."),
		"seek":            handleSeek,
		"transport_info":  handleTransportInfo,
		"position_info":   handlePositionInfo,
		"set_volume":      handleSetVolume,
		"set_mute":        handleSetMute,
		"set_power":       handleSetPower,
		"get_status":      handleGetStatus,
		"set_input":       handleSetInput,
		"list_inputs":     handleListInputs,
		"session_state":   handleSessionState,
	}
}

func handleDiscover(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		IncludeUnreachable *bool `json:"include_unreachable,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	includeUnreachable := true
	if args.IncludeUnreachable != nil {
		includeUnreachable = *args.IncludeUnreachable
	}

	servers, renderers := s.session.Discover(ctx)
	if !includeUnreachable {
		servers = filterReachable(servers)
		renderers = filterReachable(renderers)
	}
	s.logLifecycle(
		slog.LevelDebug,
		"discover_result",
		slog.Int("servers", len(servers)),
		slog.Int("renderers", len(renderers)),
		slog.Bool("include_unreachable", includeUnreachable),
	)

	text := fmt.Sprintf("Discovered %d server(s) and %d renderer(s).", len(servers), len(renderers))
	if len(servers) > 0 {
		text += "\nServers:\n" + formatDescriptors(servers)
	}
	if len(renderers) > 0 {
		text += "\nRenderers:\n" + formatDescriptors(renderers)
	}
	return toolOutcome{
		text: text,
		structured: map[string]any{
			"servers":   servers,
			"renderers": renderers,
		},
	}, nil
}

func handleListServers(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	return listDescriptors(raw, "server", s.session.ListServers())
}

func handleListRenderers(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	return listDescriptors(raw, "renderer", s.session.ListRenderers())
}

func listDescriptors(raw json.RawMessage, noun string, list []domain.DeviceDescriptor) (toolOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	text := fmt.Sprintf("%d %s(s) from the last discovery.", len(list), noun)
	if len(list) > 0 {
		text += "\n" + formatDescriptors(list)
	}
	return toolOutcome{
		text: text,
		structured: map[string]any{
			"count":   len(list),
			"devices": list,
		},
	}, nil
}

type targetArgs struct {
	Target string `json:"target"`
}

func decodeTarget(raw json.RawMessage) (string, error) {
	var args targetArgs
	if err := decodeStrict(raw, &args); err != nil {
		return "", errInvalidParams
	}
	target := strings.TrimSpace(args.Target)
	if target == "" {
		return "", errInvalidParams
	}
	return target, nil
}

func (s *Server) resolveTarget(role, target string) (domain.DeviceDescriptor, error) {
	if desc, ok := session.ResolveTarget(s.finder, role, target); ok {
		return desc, nil
	}
	return domain.DeviceDescriptor{}, &domain.ToolError{
		Code:    session.CodeDeviceNotFound,
		Message: fmt.Sprintf("no device matches %q; run discover first", target),
		Details: map[string]any{"target": target},
	}
}

func handleSelectServer(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	target, err := decodeTarget(raw)
	if err != nil {
		return toolOutcome{}, err
	}
	desc, err := s.resolveTarget(session.RoleServer, target)
	if err != nil {
		return toolOutcome{}, err
	}
	ok, err := s.session.SelectServer(ctx, desc)
	if ok && err == nil {
		if bound := s.session.Snapshot().Server; bound != nil {
			desc = *bound
		}
	}
	return selectionOutcome(session.RoleServer, desc, ok, err)
}

func handleSelectRenderer(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	target, err := decodeTarget(raw)
	if err != nil {
		return toolOutcome{}, err
	}
	desc, err := s.resolveTarget(session.RoleRenderer, target)
	if err != nil {
		return toolOutcome{}, err
	}
	ok, err := s.session.SelectRenderer(ctx, desc)
	if ok && err == nil {
		if bound := s.session.Snapshot().Renderer; bound != nil {
			desc = *bound
		}
	}
	return selectionOutcome(session.RoleRenderer, desc, ok, err)
}

func selectionOutcome(role string, desc domain.DeviceDescriptor, ok bool, err error) (toolOutcome, error) {
	out := toolOutcome{deviceID: desc.ID}
	if err != nil {
		return out, err
	}
	if !ok {
		return out, &domain.ToolError{
			Code:    session.CodeOperationFailed,
			Message: fmt.Sprintf("could not bind %s %s; the previous selection is unchanged", role, desc.Location),
		}
	}
	out.text = fmt.Sprintf("Selected %s %s.", role, displayName(desc))
	out.structured = map[string]any{
		"selected": true,
		role:       desc,
	}
	return out, nil
}

func handleBrowse(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		ContainerID *string `json:"container_id,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	containerID := "0"
	if args.ContainerID != nil && strings.TrimSpace(*args.ContainerID) != "" {
		containerID = strings.TrimSpace(*args.ContainerID)
	}

	nodes, err := s.session.Browse(ctx, containerID)
	if err != nil {
		return toolOutcome{}, err
	}
	text := fmt.Sprintf("Container %s holds %d entr(ies).", containerID, len(nodes))
	if len(nodes) > 0 {
		text += "\n" + formatNodes(nodes)
	}
	return toolOutcome{
		text: text,
		structured: map[string]any{
			"container_id": containerID,
			"nodes":        nodes,
		},
	}, nil
}

func handlePlay(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		URI *string `json:"uri,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	uri := ""
	if args.URI != nil {
		uri = strings.TrimSpace(*args.URI)
	}
	ok, err := s.session.Play(ctx, uri)
	return commandOutcome("play", "Playback started.", ok, err)
}

func handleNoArgCommand(op, text string) toolHandler {
	return func(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
		if err := decodeStrict(raw, &struct{}{}); err != nil {
			return toolOutcome{}, errInvalidParams
		}
		var (
			ok  bool
			err error
		)
		switch op {
		case "pause":
			ok, err = s.session.Pause(ctx)
		case "stop":
			ok, err = s.session.Stop(ctx)
		}
		return commandOutcome(op, text, ok, err)
	}
}

func handleSeek(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	target, err := decodeTarget(raw)
	if err != nil {
		return toolOutcome{}, err
	}
	ok, err := s.session.Seek(ctx, target)
	return commandOutcome("seek", fmt.Sprintf("Seeked to %s.", target), ok, err)
}

func handleTransportInfo(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	info, err := s.session.TransportInfo(ctx)
	if err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{
		text:       fmt.Sprintf("state=%s status=%s speed=%s", info.State, info.Status, info.Speed),
		structured: info,
	}, nil
}

func handlePositionInfo(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	info, err := s.session.PositionInfo(ctx)
	if err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{
		text:       fmt.Sprintf("track=%d position=%s/%s", info.Track, info.RelTime, info.TrackDuration),
		structured: info,
	}, nil
}

func handleSetVolume(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		Percent *int `json:"percent"`
	}
	if err := decodeStrict(raw, &args); err != nil || args.Percent == nil {
		return toolOutcome{}, errInvalidParams
	}
	ok, err := s.session.SetVolume(ctx, *args.Percent)
	return commandOutcome("set_volume", fmt.Sprintf("Volume set to %d%%.", clampPercent(*args.Percent)), ok, err)
}

func handleSetMute(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		Muted *bool `json:"muted"`
	}
	if err := decodeStrict(raw, &args); err != nil || args.Muted == nil {
		return toolOutcome{}, errInvalidParams
	}
	ok, err := s.session.SetMute(ctx, *args.Muted)
	return commandOutcome("set_mute", map[bool]string{true: "Muted.", false: "Unmuted."}[*args.Muted], ok, err)
}

func handleSetPower(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		On *bool `json:"on"`
	}
	if err := decodeStrict(raw, &args); err != nil || args.On == nil {
		return toolOutcome{}, errInvalidParams
	}
	ok, err := s.session.SetPower(ctx, *args.On)
	return commandOutcome("set_power", map[bool]string{true: "Powered on.", false: "Switched to standby."}[*args.On], ok, err)
}

func handleGetStatus(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	status, err := s.session.GetStatus(ctx)
	if err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{
		text: fmt.Sprintf(
			"power=%t volume=%d%% muted=%t input=%s",
			status.Power,
			status.VolumePercent,
			status.Muted,
			status.Input,
		),
		structured: status,
	}, nil
}

func handleSetInput(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		Name string `json:"name"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	ok, err := s.session.SetInput(ctx, args.Name)
	return commandOutcome("set_input", fmt.Sprintf("Input switched to %s.", strings.TrimSpace(args.Name)), ok, err)
}

func handleListInputs(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	inputs, err := s.session.ListInputs(ctx)
	if err != nil {
		return toolOutcome{}, err
	}
	text := "The renderer reports no selectable inputs."
	if len(inputs) > 0 {
		text = "Inputs: " + strings.Join(inputs, ", ")
	}
	return toolOutcome{
		text: text,
		structured: map[string]any{
			"inputs": inputs,
		},
	}, nil
}

func handleSessionState(ctx context.Context, s *Server, raw json.RawMessage) (toolOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	snap := s.session.Snapshot()
	renderer, server := "none", "none"
	if snap.Renderer != nil {
		renderer = displayName(*snap.Renderer)
	}
	if snap.Server != nil {
		server = displayName(*snap.Server)
	}
	return toolOutcome{
		text:       fmt.Sprintf("renderer=%s server=%s", renderer, server),
		structured: snap,
	}, nil
}

// commandOutcome turns a session boolean into a tool result. A false
// result without an error means the device did not accept the command.
func commandOutcome(op, text string, ok bool, err error) (toolOutcome, error) {
	if err != nil {
		return toolOutcome{}, err
	}
	if !ok {
		return toolOutcome{}, &domain.ToolError{
			Code:    session.CodeOperationFailed,
			Message: fmt.Sprintf("%s was not accepted by the renderer", op),
		}
	}
	return toolOutcome{
		text:       text,
		structured: map[string]any{"ok": true},
	}, nil
}

func clampPercent(v int) int {
	return max(0, min(100, v))
}

func displayName(desc domain.DeviceDescriptor) string {
	if name := strings.TrimSpace(desc.FriendlyName); name != "" {
		return name
	}
	return desc.Location
}

func formatDescriptors(list []domain.DeviceDescriptor) string {
	var out strings.Builder
	for i, dev := range list {
		if i > 0 {
			out.WriteByte('\n')
		}
		fmt.Fprintf(
			&out,
			"%d. id=%s name=%s type=%s location=%s",
			i+1,
			strings.TrimSpace(dev.ID),
			strings.TrimSpace(dev.FriendlyName),
			strings.TrimSpace(dev.DeviceType),
			strings.TrimSpace(dev.Location),
		)
	}
	return out.String()
}

func formatNodes(nodes []domain.ContentNode) string {
	var out strings.Builder
	for i, node := range nodes {
		if i > 0 {
			out.WriteByte('\n')
		}
		fmt.Fprintf(&out, "%d. [%s] id=%s title=%s", i+1, node.Kind, node.ID, node.Title)
		if node.ResourceURI != "" {
			fmt.Fprintf(&out, " uri=%s", node.ResourceURI)
		}
	}
	return out.String()
}

func staticTools() []tool {
	emptySchema := func() map[string]any {
		return map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		}
	}
	targetSchema := func(description string) map[string]any {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target": map[string]any{
					"type":        "string",
					"description": description,
				},
			},
			"required":             []string{"target"},
			"additionalProperties": false,
		}
	}

	return []tool{
		{
			Name:        "discover",
			Description: "Search the local network for UPnP media servers and renderers. Replaces the lists kept from the previous discovery. Call this first.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"include_unreachable": map[string]any{
						"type":        "boolean",
						"default":     true,
						"description": "Keep devices whose description URL does not accept a TCP connection right now.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "list_servers",
			Description: "List the media servers found by the last discover call.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "list_renderers",
			Description: "List the renderers found by the last discover call.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "select_server",
			Description: "Bind a media server as the browse source.",
			InputSchema: targetSchema("Server id, friendly name, or description URL from discover."),
		},
		{
			Name:        "select_renderer",
			Description: "Bind a renderer for playback and volume control. Known receivers are controlled through their native API.",
			InputSchema: targetSchema("Renderer id, friendly name, or description URL from discover."),
		},
		{
			Name:        "browse",
			Description: "List one container of the selected media server. Non-root listings start with a parent entry.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"container_id": map[string]any{
						"type":        "string",
						"default":     "0",
						"description": "Container to list. 0 is the root.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "play",
			Description: "Start playback on the selected renderer, optionally loading a media URI first.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"uri": map[string]any{
						"type":        "string",
						"description": "HTTP(S) URI of the media item, usually a resource_uri from browse.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "pause",
			Description: "Pause playback on the selected renderer.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "stop",
			Description: "Stop playback on the selected renderer.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "seek",
			Description: "Seek to an absolute position in the current track.",
			InputSchema: targetSchema("Position as HH:MM:SS."),
		},
		{
			Name:        "transport_info",
			Description: "Report the transport state of the selected renderer.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "position_info",
			Description: "Report the track position of the selected renderer.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "set_volume",
			Description: "Set the renderer volume in percent.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"percent": map[string]any{
						"type":    "integer",
						"minimum": 0,
						"maximum": 100,
					},
				},
				"required":             []string{"percent"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "set_mute",
			Description: "Mute or unmute the selected renderer.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"muted": map[string]any{"type": "boolean"},
				},
				"required":             []string{"muted"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "set_power",
			Description: "Power the selected renderer on or put it in standby.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"on": map[string]any{"type": "boolean"},
				},
				"required":             []string{"on"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "get_status",
			Description: "Report power, volume, mute and input of the selected renderer.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "set_input",
			Description: "Switch the input of the selected receiver. Use list_inputs for valid names.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
				},
				"required":             []string{"name"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "list_inputs",
			Description: "List the inputs the selected receiver accepts.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "session_state",
			Description: "Show the current renderer and server selection.",
			InputSchema: emptySchema(),
		},
	}
}
