package telephony

import (
	"bytes"
	"encoding/xml"
)

// Minimal TwiML builder for the one document this service produces: connect
// the call's media to a websocket. Intentionally avoids any provider SDK
// dependency.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect twimlConnect
}

type twimlConnect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  twimlStream
}

type twimlStream struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
}

// RenderStreamConnect produces the TwiML instructing the provider to open a
// bidirectional media stream to wsURL.
func RenderStreamConnect(wsURL string) string {
	r := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: wsURL}}}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		// The document is static apart from the URL attribute; encoding
		// cannot fail for any string input.
		return ""
	}
	_ = enc.Flush()
	return buf.String()
}
