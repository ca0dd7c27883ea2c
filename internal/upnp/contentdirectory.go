package upnp

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"go2tv.app/mcp-avctl/internal/domain"
	"go2tv.app/mcp-avctl/internal/soap"
)

type BrowseFlag string

const (
	BrowseDirectChildren BrowseFlag = "BrowseDirectChildren"
	BrowseMetadata       BrowseFlag = "BrowseMetadata"

	DefaultRequestedCount = 1000
	RootObjectID          = "0"
)

// EmptyDIDL is what a failed browse degrades to.
const EmptyDIDL = `<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/" xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"></DIDL-Lite>`

type BrowseRequest struct {
	ObjectID       string
	Flag           BrowseFlag
	Filter         string
	StartIndex     int
	RequestedCount int
	SortCriteria   string
}

type ContentDirectoryClient struct {
	invoker  Invoker
	endpoint domain.ServiceEndpoint
	logger   *slog.Logger
}

func NewContentDirectoryClient(invoker Invoker, endpoint domain.ServiceEndpoint, logger *slog.Logger) *ContentDirectoryClient {
	if endpoint.ServiceType == "" {
		endpoint.ServiceType = ContentDirectoryURN
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ContentDirectoryClient{invoker: invoker, endpoint: endpoint, logger: logger}
}

func (c *ContentDirectoryClient) Endpoint() domain.ServiceEndpoint {
	return c.endpoint
}

func EmptyBrowseResult() domain.BrowseResult {
	return domain.BrowseResult{Result: EmptyDIDL}
}

// Browse never fails: transport and parse problems are logged and reported
// as an empty folder.
func (c *ContentDirectoryClient) Browse(ctx context.Context, req BrowseRequest) domain.BrowseResult {
	if req.ObjectID == "" {
		req.ObjectID = RootObjectID
	}
	if req.Flag == "" {
		req.Flag = BrowseDirectChildren
	}
	if req.Filter == "" {
		req.Filter = "*"
	}
	if req.StartIndex < 0 {
		req.StartIndex = 0
	}
	if req.RequestedCount <= 0 {
		req.RequestedCount = DefaultRequestedCount
	}

	resp, err := c.invoker.Invoke(ctx, soap.Call{
		Action:      "Browse",
		ControlURL:  c.endpoint.ControlURL,
		ServiceType: c.endpoint.ServiceType,
		Args: []soap.Arg{
			{Name: "ObjectID", Value: req.ObjectID},
			{Name: "BrowseFlag", Value: string(req.Flag)},
			{Name: "Filter", Value: req.Filter},
			{Name: "StartingIndex", Value: strconv.Itoa(req.StartIndex)},
			{Name: "RequestedCount", Value: strconv.Itoa(req.RequestedCount)},
			{Name: "SortCriteria", Value: req.SortCriteria},
		},
	})
	if err != nil {
		c.logger.Warn(
			"browse_failed",
			slog.String("object_id", req.ObjectID),
			slog.String("flag", string(req.Flag)),
			slog.String("error", err.Error()),
		)
		return EmptyBrowseResult()
	}

	result := strings.TrimSpace(resp.Arg("Result"))
	if result == "" {
		c.logger.Warn("browse_empty_result", slog.String("object_id", req.ObjectID))
		return EmptyBrowseResult()
	}
	return domain.BrowseResult{
		Result:         result,
		NumberReturned: atoiOrZero(resp.Arg("NumberReturned")),
		TotalMatches:   atoiOrZero(resp.Arg("TotalMatches")),
		UpdateID:       atoiOrZero(resp.Arg("UpdateID")),
	}
}

func atoiOrZero(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return value
}
