package twiml

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/leopard618/Browser-Softphone/internal/protocol"
)

// DialTimeout is the ring timeout in seconds of every Dial verb
const DialTimeout = 30

// Response represents a TwiML <Response> document
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say     `xml:",omitempty"`
	Dial    *Dial    `xml:",omitempty"`
	Connect *Connect `xml:",omitempty"`
	Hangup  *Hangup  `xml:",omitempty"`
}

// Say represents a TwiML <Say> element
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

// Dial represents a TwiML <Dial> element
type Dial struct {
	XMLName  xml.Name `xml:"Dial"`
	Timeout  int      `xml:"timeout,attr,omitempty"`
	CallerID string   `xml:"callerId,attr,omitempty"`
	Number   *Number  `xml:",omitempty"`
	Sip      *Sip     `xml:",omitempty"`
}

// Number represents a PSTN destination
type Number struct {
	XMLName xml.Name `xml:"Number"`
	Value   string   `xml:",chardata"`
}

// Sip represents a SIP destination
type Sip struct {
	XMLName xml.Name `xml:"Sip"`
	URI     string   `xml:",chardata"`
}

// Connect represents a TwiML <Connect> element
type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  *Stream  `xml:",omitempty"`
}

// Stream represents a bidirectional media stream
type Stream struct {
	XMLName    xml.Name    `xml:"Stream"`
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

// Parameter is a custom stream parameter echoed in the start event
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Hangup represents a TwiML <Hangup/> element
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Render serializes a response with the XML declaration
func Render(response *Response) ([]byte, error) {
	body, err := xml.MarshalIndent(response, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TwiML: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// Outgoing dials a phone number from the browser client. Without a
// destination the caller hears an error and the call is hung up.
func Outgoing(to, callerID string) *Response {
	if to == "" {
		return Error("No phone number configured.")
	}

	return &Response{
		Say: &Say{Text: "Connecting your browser call to the phone number now."},
		Dial: &Dial{
			Timeout:  DialTimeout,
			CallerID: callerID,
			Number:   &Number{Value: to},
		},
	}
}

// WithStream connects the call audio to the media-stream relay. The
// correlation values are sent both in the stream URL query, which the relay
// reads at connection time, and as stream parameters.
func WithStream(streamURL, sessionID, callSID string) (*Response, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url %q: %w", streamURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stream url must use ws or wss, got %q", u.Scheme)
	}

	query := u.Query()
	query.Set(protocol.ParamSessionID, sessionID)
	query.Set(protocol.ParamCallSID, callSID)
	u.RawQuery = query.Encode()

	return &Response{
		Say: &Say{Text: "Connecting to AI stream."},
		Connect: &Connect{
			Stream: &Stream{
				URL: u.String(),
				Parameters: []Parameter{
					{Name: protocol.ParamSessionID, Value: sessionID},
					{Name: protocol.ParamCallSID, Value: callSID},
				},
			},
		},
	}, nil
}

// DialSIP forwards the call to a SIP endpoint
func DialSIP(uri string) *Response {
	return &Response{
		Say: &Say{Text: "Forwarding to SIP gateway."},
		Dial: &Dial{
			Timeout: DialTimeout,
			Sip:     &Sip{URI: uri},
		},
	}
}

// Error tells the caller what went wrong and hangs up
func Error(message string) *Response {
	return &Response{
		Say:    &Say{Text: "Error: " + message},
		Hangup: &Hangup{},
	}
}

// Test is served on GET to check that the webhook is reachable
func Test() *Response {
	return &Response{
		Say: &Say{Text: "This is a test. The TwiML endpoint is accessible."},
	}
}

// NewSessionID returns an id correlating a streamed call with its browser session
func NewSessionID() string {
	return "browser-call-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
}
