package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	dmssoap "github.com/anacrolix/dms/soap"
	"github.com/anacrolix/dms/upnp"
)

const (
	envelopeNS    = "http://schemas.xmlsoap.org/soap/envelope/"
	encodingStyle = "http://schemas.xmlsoap.org/soap/encoding/"
)

type Arg struct {
	Name  string
	Value string
}

type actionResponse struct {
	XMLName xml.Name
	Args    []dmssoap.Arg `xml:",any"`
}

type upnpFault struct {
	Code        int    `xml:"errorCode"`
	Description string `xml:"errorDescription"`
}

func buildEnvelope(action string, urn upnp.ServiceURN, args []Arg) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, `<s:Envelope xmlns:s="%s" s:encodingStyle="%s"><s:Body>`, envelopeNS, encodingStyle)
	fmt.Fprintf(&buf, `<u:%s xmlns:u="%s">`, action, urn.String())
	for _, arg := range args {
		encoded, err := xml.Marshal(dmssoap.Arg{XMLName: xml.Name{Local: arg.Name}, Value: arg.Value})
		if err != nil {
			return nil, fmt.Errorf("encode argument %s: %w", arg.Name, err)
		}
		buf.Write(encoded)
	}
	fmt.Fprintf(&buf, `</u:%s></s:Body></s:Envelope>`, action)
	return buf.Bytes(), nil
}

func soapActionHeader(urn upnp.ServiceURN, action string) string {
	return fmt.Sprintf(`"%s#%s"`, urn.String(), action)
}

// decodeResponse returns the out-arguments of an action response, keyed by
// local element name.
func decodeResponse(body []byte) (string, map[string]string, error) {
	var env dmssoap.Envelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(bytes.TrimSpace(env.Body.Action)) == 0 {
		return "", nil, fmt.Errorf("empty SOAP body")
	}

	var resp actionResponse
	if err := xml.Unmarshal(env.Body.Action, &resp); err != nil {
		return "", nil, fmt.Errorf("decode action response: %w", err)
	}

	args := make(map[string]string, len(resp.Args))
	for _, arg := range resp.Args {
		args[arg.XMLName.Local] = arg.Value
	}
	return resp.XMLName.Local, args, nil
}

// decodeFault digs the UPnPError detail out of a SOAP fault body. It returns
// false when the body carries no recognizable fault.
func decodeFault(body []byte) (upnpFault, bool) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	for {
		token, err := decoder.Token()
		if err != nil {
			return upnpFault{}, false
		}
		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != "UPnPError" {
			continue
		}
		var fault upnpFault
		if err := decoder.DecodeElement(&fault, &start); err != nil {
			return upnpFault{}, false
		}
		return fault, true
	}
}

func validActionName(action string) bool {
	if action == "" {
		return false
	}
	return !strings.ContainsAny(action, " \t\r\n<>&\"':/")
}
