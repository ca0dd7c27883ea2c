package browser

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go2tv.app/mcp-avctl/internal/domain"
)

type didlObject struct {
	ID         string         `xml:"id,attr"`
	ParentID   string         `xml:"parentID,attr"`
	ChildCount string         `xml:"childCount,attr"`
	Title      string         `xml:"title"`
	Class      string         `xml:"class"`
	Resources  []didlResource `xml:"res"`
}

type didlResource struct {
	ProtocolInfo string `xml:"protocolInfo,attr"`
	Size         string `xml:"size,attr"`
	Duration     string `xml:"duration,attr"`
	URL          string `xml:",chardata"`
}

type didlEntry struct {
	kind   domain.NodeKind
	object didlObject
}

// parseDIDL walks the document in order so containers and items keep the
// interleaving the server returned.
func parseDIDL(doc string) ([]didlEntry, error) {
	decoder := xml.NewDecoder(strings.NewReader(doc))
	var entries []didlEntry
	sawRoot := false

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("parse DIDL-Lite: %w", err)
		}

		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		var kind domain.NodeKind
		switch start.Name.Local {
		case "DIDL-Lite":
			sawRoot = true
			continue
		case "container":
			kind = domain.KindContainer
		case "item":
			kind = domain.KindItem
		default:
			if err := decoder.Skip(); err != nil {
				return entries, fmt.Errorf("parse DIDL-Lite: %w", err)
			}
			continue
		}

		var object didlObject
		if err := decoder.DecodeElement(&object, &start); err != nil {
			return entries, fmt.Errorf("parse DIDL-Lite %s: %w", kind, err)
		}
		entries = append(entries, didlEntry{kind: kind, object: object})
	}

	if !sawRoot {
		return nil, errors.New("parse DIDL-Lite: missing DIDL-Lite root")
	}
	return entries, nil
}

func containerNode(object didlObject) domain.ContentNode {
	name := strings.TrimSpace(object.Title)
	if name == "" {
		name = object.ID
	}

	title := folderGlyph + " " + name
	node := domain.ContentNode{
		ID:   object.ID,
		Name: name,
		Kind: domain.KindContainer,
	}
	if raw := strings.TrimSpace(object.ChildCount); raw != "" {
		title += " (" + raw + ")"
		if count, err := strconv.Atoi(raw); err == nil {
			node.ChildCount = &count
		}
	}
	node.Title = title
	return node
}

// itemNode reports false for items that lack a title or a resource URL.
func itemNode(object didlObject) (domain.ContentNode, bool) {
	name := strings.TrimSpace(object.Title)
	if name == "" || len(object.Resources) == 0 {
		return domain.ContentNode{}, false
	}
	res := object.Resources[0]
	uri := strings.TrimSpace(res.URL)
	if uri == "" {
		return domain.ContentNode{}, false
	}

	node := domain.ContentNode{
		ID:          object.ID,
		Name:        name,
		Kind:        domain.KindItem,
		ResourceURI: uri,
		Duration:    strings.TrimSpace(res.Duration),
		MimeType:    mimeFamily(res.ProtocolInfo),
	}

	title := name
	if size, ok := FormatSize(res.Size); ok {
		node.Size = size
		title += " (" + size + ")"
	}
	if node.Duration != "" {
		title += " [" + node.Duration + "]"
	}
	node.Title = title
	return node, true
}

// mimeFamily returns the third field of protocolInfo, e.g. audio/mpeg in
// http-get:*:audio/mpeg:*.
func mimeFamily(protocolInfo string) string {
	fields := strings.Split(protocolInfo, ":")
	if len(fields) < 3 {
		return ""
	}
	return strings.TrimSpace(fields[2])
}

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatSize renders a byte count with 1024-based units and one decimal.
func FormatSize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	size, err := strconv.ParseFloat(raw, 64)
	if err != nil || size < 0 {
		return "", false
	}
	for _, unit := range sizeUnits {
		if size < 1024 {
			return fmt.Sprintf("%.1f%s", size, unit), true
		}
		size /= 1024
	}
	return fmt.Sprintf("%.1fPB", size), true
}
