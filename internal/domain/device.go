package domain

// DeviceDescriptor is a discovered UPnP device. Location is the identity.
type DeviceDescriptor struct {
	ID           string `json:"id"`
	FriendlyName string `json:"friendly_name"`
	Location     string `json:"location"`
	DeviceType   string `json:"device_type"`
	Manufacturer string `json:"manufacturer,omitempty"`
}

// ServiceEndpoint is one resolved control point of a selected device.
type ServiceEndpoint struct {
	ServiceType string `json:"service_type"`
	ControlURL  string `json:"control_url"`
}

type NodeKind string

const (
	KindContainer NodeKind = "container"
	KindItem      NodeKind = "item"
)

type ContentNode struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Name        string   `json:"name,omitempty"`
	Kind        NodeKind `json:"kind"`
	IsParent    bool     `json:"is_parent,omitempty"`
	ChildCount  *int     `json:"child_count,omitempty"`
	ResourceURI string   `json:"resource_uri,omitempty"`
	Size        string   `json:"size,omitempty"`
	Duration    string   `json:"duration,omitempty"`
	MimeType    string   `json:"mime_type,omitempty"`
}

type BrowseResult struct {
	Result         string `json:"result"`
	NumberReturned int    `json:"number_returned"`
	TotalMatches   int    `json:"total_matches"`
	UpdateID       int    `json:"update_id"`
}
