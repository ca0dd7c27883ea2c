package browser

import (
	"context"
	"log/slog"
	"strings"

	"go2tv.app/mcp-avctl/internal/domain"
	"go2tv.app/mcp-avctl/internal/upnp"
)

const (
	folderGlyph = "📁"
	parentTitle = ".."
)

type Directory interface {
	Browse(ctx context.Context, req upnp.BrowseRequest) domain.BrowseResult
}

type Browser struct {
	directory      Directory
	requestedCount int
	logger         *slog.Logger
}

type Option func(*Browser)

func WithRequestedCount(count int) Option {
	return func(b *Browser) {
		if count > 0 {
			b.requestedCount = count
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Browser) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func New(directory Directory, opts ...Option) *Browser {
	b := &Browser{
		directory:      directory,
		requestedCount: upnp.DefaultRequestedCount,
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// List returns the children of containerID in server order. Non-root
// containers get a synthesized ".." entry first.
func (b *Browser) List(ctx context.Context, containerID string) []domain.ContentNode {
	containerID = strings.TrimSpace(containerID)
	if containerID == "" {
		containerID = upnp.RootObjectID
	}

	nodes := []domain.ContentNode{}
	if containerID != upnp.RootObjectID {
		nodes = append(nodes, domain.ContentNode{
			ID:       b.parentOf(ctx, containerID),
			Title:    parentTitle,
			Name:     parentTitle,
			Kind:     domain.KindContainer,
			IsParent: true,
		})
	}

	result := b.directory.Browse(ctx, upnp.BrowseRequest{
		ObjectID:       containerID,
		Flag:           upnp.BrowseDirectChildren,
		RequestedCount: b.requestedCount,
	})
	entries, err := parseDIDL(result.Result)
	if err != nil {
		b.logger.Warn("didl_parse_failed", slog.String("container_id", containerID), slog.String("error", err.Error()))
	}

	skipped := 0
	for _, entry := range entries {
		switch entry.kind {
		case domain.KindContainer:
			nodes = append(nodes, containerNode(entry.object))
		case domain.KindItem:
			node, ok := itemNode(entry.object)
			if !ok {
				skipped++
				continue
			}
			nodes = append(nodes, node)
		}
	}
	if skipped > 0 {
		b.logger.Debug("didl_items_skipped", slog.String("container_id", containerID), slog.Int("count", skipped))
	}
	return nodes
}

func (b *Browser) parentOf(ctx context.Context, containerID string) string {
	result := b.directory.Browse(ctx, upnp.BrowseRequest{
		ObjectID:       containerID,
		Flag:           upnp.BrowseMetadata,
		RequestedCount: 1,
	})
	entries, err := parseDIDL(result.Result)
	if err != nil || len(entries) == 0 {
		return upnp.RootObjectID
	}
	parentID := strings.TrimSpace(entries[0].object.ParentID)
	if parentID == "" {
		return upnp.RootObjectID
	}
	return parentID
}
