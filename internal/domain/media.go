package domain

import "strings"

type TransportState string

const (
	StateStopped        TransportState = "STOPPED"
	StatePlaying        TransportState = "PLAYING"
	StatePaused         TransportState = "PAUSED"
	StateTransitioning  TransportState = "TRANSITIONING"
	StateNoMediaPresent TransportState = "NO_MEDIA_PRESENT"
)

// ParseTransportState maps a device-reported state onto the known set.
// Unknown values are reported as STOPPED.
func ParseTransportState(raw string) TransportState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PLAYING":
		return StatePlaying
	case "PAUSED", "PAUSED_PLAYBACK":
		return StatePaused
	case "TRANSITIONING":
		return StateTransitioning
	case "NO_MEDIA_PRESENT":
		return StateNoMediaPresent
	default:
		return StateStopped
	}
}

type TransportInfo struct {
	State  TransportState `json:"state"`
	Status string         `json:"status"`
	Speed  string         `json:"speed"`
	// Title is set for receivers, which report their input instead of media.
	Title  string         `json:"title,omitempty"`
}

type PositionInfo struct {
	Track         int    `json:"track"`
	TrackDuration string `json:"track_duration"`
	TrackURI      string `json:"track_uri,omitempty"`
	RelTime       string `json:"rel_time"`
	AbsTime       string `json:"abs_time"`
}

const zeroTime = "00:00:00"

func StoppedTransportInfo() TransportInfo {
	return TransportInfo{State: StateStopped, Status: "OK", Speed: "1"}
}

func ZeroPositionInfo() PositionInfo {
	return PositionInfo{TrackDuration: zeroTime, RelTime: zeroTime, AbsTime: zeroTime}
}

// ReceiverStatus is always in percent; native units stay inside controllers.
type ReceiverStatus struct {
	Power         bool   `json:"power"`
	VolumePercent int    `json:"volume_percent"`
	Muted         bool   `json:"muted"`
	Input         string `json:"input"`
}
