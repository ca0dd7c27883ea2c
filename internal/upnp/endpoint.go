package upnp

import (
	"fmt"
	"net/url"
	"strings"

	dmsupnp "github.com/anacrolix/dms/upnp"

	"go2tv.app/mcp-avctl/internal/domain"
)

var (
	AVTransportURN      = serviceURN("AVTransport")
	RenderingControlURN = serviceURN("RenderingControl")
	ContentDirectoryURN = serviceURN("ContentDirectory")
)

const (
	rygelContentDirectoryPath    = "/Control/MediaExport/RygelContentDirectory"
	genericContentDirectoryPath  = "/MediaServer/ContentDirectory/Control"
	genericAVTransportPath       = "/MediaRenderer/AVTransport/Control"
	genericRenderingControlPath  = "/MediaRenderer/RenderingControl/Control"
	contentDirectoryServiceToken = "contentdirectory"
)

func serviceURN(kind string) string {
	return dmsupnp.ServiceURN{Auth: "schemas-upnp-org", Type: kind, Version: 1}.String()
}

// ResolveControlURL resolves a controlURL from a description against
// URLBase when present, else against the description location.
func ResolveControlURL(location, urlBase, controlURL string) (string, error) {
	base := strings.TrimSpace(urlBase)
	if base == "" {
		base = location
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return "", fmt.Errorf("base %q is not absolute", base)
	}
	ref, err := url.Parse(strings.TrimSpace(controlURL))
	if err != nil {
		return "", fmt.Errorf("parse control URL %q: %w", controlURL, err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}

func authority(location string) (string, error) {
	parsed, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("location %q is not absolute", location)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// RendererEndpoints resolves the AVTransport and RenderingControl pair.
// A nil description means the description could not be fetched, and the
// conventional paths under the location authority are used instead. A
// description that lacks either service is an error: the pair is all or
// nothing.
func RendererEndpoints(location string, desc *Description) (domain.ServiceEndpoint, domain.ServiceEndpoint, error) {
	if desc == nil {
		base, err := authority(location)
		if err != nil {
			return domain.ServiceEndpoint{}, domain.ServiceEndpoint{}, err
		}
		return domain.ServiceEndpoint{ServiceType: AVTransportURN, ControlURL: base + genericAVTransportPath},
			domain.ServiceEndpoint{ServiceType: RenderingControlURN, ControlURL: base + genericRenderingControlPath},
			nil
	}

	avSvc, okAV := desc.FindService("avtransport")
	rcSvc, okRC := desc.FindService("renderingcontrol")
	if !okAV || !okRC {
		return domain.ServiceEndpoint{}, domain.ServiceEndpoint{}, fmt.Errorf(
			"renderer description incomplete (avtransport=%t renderingcontrol=%t)", okAV, okRC)
	}

	avURL, err := ResolveControlURL(location, desc.URLBase, avSvc.ControlURL)
	if err != nil {
		return domain.ServiceEndpoint{}, domain.ServiceEndpoint{}, err
	}
	rcURL, err := ResolveControlURL(location, desc.URLBase, rcSvc.ControlURL)
	if err != nil {
		return domain.ServiceEndpoint{}, domain.ServiceEndpoint{}, err
	}
	return domain.ServiceEndpoint{ServiceType: pickType(avSvc.ServiceType, AVTransportURN), ControlURL: avURL},
		domain.ServiceEndpoint{ServiceType: pickType(rcSvc.ServiceType, RenderingControlURN), ControlURL: rcURL},
		nil
}

// ContentDirectoryEndpoint prefers the description; without it, Rygel
// locations get Rygel's well-known path and everything else a generic guess.
func ContentDirectoryEndpoint(location string, desc *Description) (domain.ServiceEndpoint, error) {
	if desc != nil {
		if svc, ok := desc.FindService(contentDirectoryServiceToken); ok && strings.TrimSpace(svc.ControlURL) != "" {
			resolved, err := ResolveControlURL(location, desc.URLBase, svc.ControlURL)
			if err == nil {
				return domain.ServiceEndpoint{ServiceType: pickType(svc.ServiceType, ContentDirectoryURN), ControlURL: resolved}, nil
			}
		}
	}

	base, err := authority(location)
	if err != nil {
		return domain.ServiceEndpoint{}, err
	}
	path := genericContentDirectoryPath
	if strings.Contains(strings.ToLower(location), "rygel") {
		path = rygelContentDirectoryPath
	}
	return domain.ServiceEndpoint{ServiceType: ContentDirectoryURN, ControlURL: base + path}, nil
}

// pickType keeps the advertised version when it parses as a service URN.
func pickType(advertised, fallback string) string {
	if _, err := dmsupnp.ParseServiceType(strings.TrimSpace(advertised)); err == nil {
		return strings.TrimSpace(advertised)
	}
	return fallback
}
