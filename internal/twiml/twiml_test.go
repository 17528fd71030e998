package twiml

import (
	"encoding/xml"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leopard618/Browser-Softphone/internal/protocol"
)

func render(t *testing.T, response *Response) string {
	t.Helper()
	body, err := Render(response)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(body), xml.Header))
	return string(body)
}

func TestOutgoing(t *testing.T) {
	body := render(t, Outgoing("+15550100", "+15550199"))

	assert.Contains(t, body, "<Say>Connecting your browser call to the phone number now.</Say>")
	assert.Contains(t, body, `<Dial timeout="30" callerId="+15550199">`)
	assert.Contains(t, body, "<Number>+15550100</Number>")
	assert.NotContains(t, body, "Hangup")
}

func TestOutgoingWithoutNumber(t *testing.T) {
	body := render(t, Outgoing("", "+15550199"))

	assert.Contains(t, body, "Error: No phone number configured.")
	assert.Contains(t, body, "<Hangup>")
	assert.NotContains(t, body, "<Dial")
}

func TestOutgoingEscapesInput(t *testing.T) {
	body := render(t, Outgoing("<Hangup/>", ""))

	assert.Contains(t, body, "<Number>&lt;Hangup/&gt;</Number>")
	assert.NotContains(t, body, "callerId")
}

func TestWithStream(t *testing.T) {
	response, err := WithStream("wss://relay.example.com/media-stream", "browser-call-abc1234", "CA123")
	require.NoError(t, err)

	body := render(t, response)
	assert.Contains(t, body, "<Say>Connecting to AI stream.</Say>")
	assert.Contains(t, body, `<Parameter name="sessionId" value="browser-call-abc1234"></Parameter>`)
	assert.Contains(t, body, `<Parameter name="callSid" value="CA123"></Parameter>`)

	var parsed Response
	require.NoError(t, xml.Unmarshal([]byte(body), &parsed))
	require.NotNil(t, parsed.Connect)
	require.NotNil(t, parsed.Connect.Stream)

	u, err := url.Parse(parsed.Connect.Stream.URL)
	require.NoError(t, err)
	assert.Equal(t, "/media-stream", u.Path)
	assert.Equal(t, "browser-call-abc1234", u.Query().Get(protocol.ParamSessionID))
	assert.Equal(t, "CA123", u.Query().Get(protocol.ParamCallSID))
}

func TestWithStreamKeepsExistingQuery(t *testing.T) {
	response, err := WithStream("wss://relay.example.com/media-stream?region=eu", "s1", "")
	require.NoError(t, err)

	u, err := url.Parse(response.Connect.Stream.URL)
	require.NoError(t, err)
	assert.Equal(t, "eu", u.Query().Get("region"))
	assert.Equal(t, "s1", u.Query().Get(protocol.ParamSessionID))
	assert.True(t, u.Query().Has(protocol.ParamCallSID))
}

func TestWithStreamRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"https://relay.example.com/media-stream", "://bad", ""} {
		_, err := WithStream(raw, "s1", "CA1")
		assert.Error(t, err, raw)
	}
}

func TestDialSIP(t *testing.T) {
	body := render(t, DialSIP("sip:agent@gateway.example.com"))

	assert.Contains(t, body, "<Say>Forwarding to SIP gateway.</Say>")
	assert.Contains(t, body, `<Dial timeout="30">`)
	assert.Contains(t, body, "<Sip>sip:agent@gateway.example.com</Sip>")
}

func TestTestResponse(t *testing.T) {
	body := render(t, Test())
	assert.Contains(t, body, "The TwiML endpoint is accessible.")
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	assert.True(t, strings.HasPrefix(id, "browser-call-"))
	assert.Len(t, id, len("browser-call-")+7)
	assert.NotEqual(t, id, NewSessionID())
}

func TestError(t *testing.T) {
	body := render(t, Error("No SIP endpoint configured."))

	assert.Contains(t, body, "<Say>Error: No SIP endpoint configured.</Say>")
	assert.Contains(t, body, "<Hangup></Hangup>")
}
