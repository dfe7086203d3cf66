package reqchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineRecognisesKnownTag(t *testing.T) {
	ev, ok := ParseLine("<2>CTRL-EVENT-CONNECTED - Connection to 02:01:02:03:04:05 completed")
	require.True(t, ok)
	assert.Equal(t, PriorityInfo, ev.Priority)
	assert.Equal(t, KindCtrlEventConnected, ev.Kind)
	assert.Equal(t, "CTRL-EVENT-CONNECTED", ev.Tag)
	assert.Equal(t, []string{"-", "Connection", "to", "02:01:02:03:04:05", "completed"}, ev.Parameters)
}

func TestParseLineParsesNamedParameters(t *testing.T) {
	ev, ok := ParseLine("<3>AP-STA-CONNECTED 02:01:02:03:04:05 p2p_dev_addr=02:01:02:03:04:06")
	require.True(t, ok)
	assert.Equal(t, KindAPStaConnected, ev.Kind)
	assert.Equal(t, []string{"02:01:02:03:04:05"}, ev.Parameters)
	assert.Equal(t, "02:01:02:03:04:06", ev.GetNamedParameter("p2p_dev_addr"))
}

func TestParseLineHandlesQuotedAndBracketedValues(t *testing.T) {
	ev, ok := ParseLine(`<2>P2P-GROUP-STARTED wlan0-p2p-0 GO ssid="my net" freq=2412 go_dev_addr=02:01:02:03:04:05 [PERSISTENT]`)
	require.True(t, ok)
	assert.Contains(t, ev.Parameters, "wlan0-p2p-0")
	assert.Contains(t, ev.Parameters, "GO")
	assert.Equal(t, `"my net"`, ev.GetNamedParameter("ssid"))
	assert.Equal(t, "2412", ev.GetNamedParameter("freq"))
	assert.Equal(t, []string{"PERSISTENT"}, ev.Options)
}

func TestParseLineStripsLeadingPrompt(t *testing.T) {
	ev, ok := ParseLine(">" + "<3>CTRL-EVENT-TERMINATING")
	require.True(t, ok)
	assert.Equal(t, KindCtrlEventTerminating, ev.Kind)
}

func TestParseLineRejectsNonEventLines(t *testing.T) {
	_, ok := ParseLine("IFNAME=wlan0 <3>CTRL-EVENT-CONNECTED")
	assert.False(t, ok)

	_, ok = ParseLine("OK\n")
	assert.False(t, ok)
}

func TestParseLineUnknownTagPreservesRawText(t *testing.T) {
	ev, ok := ParseLine("<2>SOME-FUTURE-TAG foo=bar")
	require.True(t, ok)
	assert.Equal(t, KindUnknown, ev.Kind)
	assert.Equal(t, "SOME-FUTURE-TAG", ev.Tag)
	assert.Equal(t, "bar", ev.GetNamedParameter("foo"))
}

func TestParseLineControlRequestResponseTagsCarryRawSuffix(t *testing.T) {
	ev, ok := ParseLine("<2>CTRL-REQ-PASSPHRASE-1:Passphrase needed")
	require.True(t, ok)
	assert.Equal(t, KindCtrlReq, ev.Kind)
	assert.Equal(t, "CTRL-REQ-PASSPHRASE-1:Passphrase needed", ev.GetParameter(0))
}

func TestQuoteUnquoteRoundTrip(t *testing.T) {
	quoted := QuoteString(`hello "world" \ again`, '\'')
	assert.Equal(t, `hello "world" \ again`, UnquoteString(quoted))
}

func TestUnquoteStringLeavesUnquotedValuesAlone(t *testing.T) {
	assert.Equal(t, "2412", UnquoteString("2412"))
}

func TestEventToStringRoundTripsSemantics(t *testing.T) {
	ev, ok := ParseLine("<1>CTRL-EVENT-SCAN-RESULTS")
	require.True(t, ok)
	reparsed, ok := ParseLine(ev.ToString())
	require.True(t, ok)
	assert.Equal(t, ev.Kind, reparsed.Kind)
	assert.Equal(t, ev.Priority, reparsed.Priority)
}
