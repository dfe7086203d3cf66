// Event parsing for the control-socket asynchronous stream: the wire
// format described in spec.md §4.9 (`<P>TAG [positional...] [key=value...]
// [[flag1|flag2|...]]`), grounded line-for-line on
// original_source/pipedal_p2pd/WpaEvent.cpp's ParseLine/QuoteString/
// UnquoteString/ToString.
package reqchan

import (
	"strconv"
	"strings"
)

// Priority mirrors wpa_supplicant's five debug levels, carried in the
// `<P>` prefix of every event line.
type Priority int

const (
	PriorityMsgDump Priority = iota
	PriorityDebug
	PriorityInfo
	PriorityWarning
	PriorityError
)

// Kind names a recognised control-interface tag. The catalogue below is
// the P2P-relevant subset plus the generic CTRL-EVENT-* lifecycle family
// (spec.md §12's "supplemented feature" over the single example tag
// spec.md §8 gives); anything else parses as KindUnknown with Tag
// preserved verbatim.
type Kind string

const (
	KindUnknown Kind = ""

	KindCtrlEventConnected          Kind = "CTRL-EVENT-CONNECTED"
	KindCtrlEventDisconnected       Kind = "CTRL-EVENT-DISCONNECTED"
	KindCtrlEventTerminating        Kind = "CTRL-EVENT-TERMINATING"
	KindCtrlEventScanStarted        Kind = "CTRL-EVENT-SCAN-STARTED"
	KindCtrlEventScanResults        Kind = "CTRL-EVENT-SCAN-RESULTS"
	KindCtrlEventScanFailed         Kind = "CTRL-EVENT-SCAN-FAILED"
	KindCtrlEventNetworkNotFound    Kind = "CTRL-EVENT-NETWORK-NOT-FOUND"
	KindCtrlEventStateChange        Kind = "CTRL-EVENT-STATE-CHANGE"
	KindCtrlEventSSIDTempDisabled   Kind = "CTRL-EVENT-SSID-TEMP-DISABLED"
	KindCtrlEventSubnetStatusUpdate Kind = "CTRL-EVENT-SUBNET-STATUS-UPDATE"

	KindP2PDeviceFound           Kind = "P2P-DEVICE-FOUND"
	KindP2PDeviceLost            Kind = "P2P-DEVICE-LOST"
	KindP2PGONegRequest          Kind = "P2P-GO-NEG-REQUEST"
	KindP2PGONegSuccess          Kind = "P2P-GO-NEG-SUCCESS"
	KindP2PGONegFailure          Kind = "P2P-GO-NEG-FAILURE"
	KindP2PGroupFormationSuccess Kind = "P2P-GROUP-FORMATION-SUCCESS"
	KindP2PGroupFormationFailure Kind = "P2P-GROUP-FORMATION-FAILURE"
	KindP2PGroupStarted          Kind = "P2P-GROUP-STARTED"
	KindP2PGroupRemoved          Kind = "P2P-GROUP-REMOVED"
	KindP2PProvDiscShowPin       Kind = "P2P-PROV-DISC-SHOW-PIN"
	KindP2PProvDiscEnterPin      Kind = "P2P-PROV-DISC-ENTER-PIN"
	KindP2PProvDiscPBCReq        Kind = "P2P-PROV-DISC-PBC-REQ"
	KindP2PProvDiscPBCResp       Kind = "P2P-PROV-DISC-PBC-RESP"
	KindP2PProvDiscFailure       Kind = "P2P-PROV-DISC-FAILURE"
	KindP2PInvitationReceived    Kind = "P2P-INVITATION-RECEIVED"
	KindP2PInvitationResult      Kind = "P2P-INVITATION-RESULT"
	KindP2PFindStopped           Kind = "P2P-FIND-STOPPED"

	KindAPStaConnected    Kind = "AP-STA-CONNECTED"
	KindAPStaDisconnected Kind = "AP-STA-DISCONNECTED"
	KindAPEnabled         Kind = "AP-ENABLED"
	KindAPDisabled        Kind = "AP-DISABLED"

	KindWPSSuccess Kind = "WPS-SUCCESS"
	KindWPSFail    Kind = "WPS-FAIL"
	KindWPSTimeout Kind = "WPS-TIMEOUT"

	// KindCtrlReq and KindCtrlRsp are the interactive out-of-band
	// credential-request events (spec.md §12): parsed but not acted on,
	// since no interactive responder is in scope.
	KindCtrlReq Kind = "CTRL-REQ"
	KindCtrlRsp Kind = "CTRL-RSP"
)

var knownKinds = func() map[string]Kind {
	all := []Kind{
		KindCtrlEventConnected, KindCtrlEventDisconnected, KindCtrlEventTerminating,
		KindCtrlEventScanStarted, KindCtrlEventScanResults, KindCtrlEventScanFailed,
		KindCtrlEventNetworkNotFound, KindCtrlEventStateChange, KindCtrlEventSSIDTempDisabled,
		KindCtrlEventSubnetStatusUpdate,
		KindP2PDeviceFound, KindP2PDeviceLost, KindP2PGONegRequest, KindP2PGONegSuccess,
		KindP2PGONegFailure, KindP2PGroupFormationSuccess, KindP2PGroupFormationFailure,
		KindP2PGroupStarted, KindP2PGroupRemoved, KindP2PProvDiscShowPin, KindP2PProvDiscEnterPin,
		KindP2PProvDiscPBCReq, KindP2PProvDiscPBCResp, KindP2PProvDiscFailure,
		KindP2PInvitationReceived, KindP2PInvitationResult, KindP2PFindStopped,
		KindAPStaConnected, KindAPStaDisconnected, KindAPEnabled, KindAPDisabled,
		KindWPSSuccess, KindWPSFail, KindWPSTimeout,
	}
	m := make(map[string]Kind, len(all))
	for _, k := range all {
		m[string(k)] = k
	}
	return m
}()

// KeyValue is one `key=value` pair, kept in arrival order so ToString
// round-trips losslessly.
type KeyValue struct {
	Key   string
	Value string
}

// Event is one parsed control-interface event line.
type Event struct {
	Priority   Priority
	Kind       Kind
	Tag        string // raw tag text; always set, even for known kinds
	Parameters []string
	Named      []KeyValue
	Options    []string
}

// GetNamedParameter returns the value of the first named parameter
// matching key, or "" if absent.
func (e Event) GetNamedParameter(key string) string {
	for _, kv := range e.Named {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// GetParameter returns the positional parameter at index, or "" if out
// of range.
func (e Event) GetParameter(index int) string {
	if index < 0 || index >= len(e.Parameters) {
		return ""
	}
	return e.Parameters[index]
}

// skipBalancedPair recognises a quoted or bracketed value starting at
// s[0] (one of `"`, `'`, `[`) and returns the index just past its
// matching terminator. ok is false if s doesn't start a balanced pair.
func skipBalancedPair(s string) (end int, ok bool) {
	if len(s) == 0 {
		return 0, false
	}
	var term byte
	switch s[0] {
	case '"':
		term = '"'
	case '\'':
		term = '\''
	case '[':
		term = ']'
	default:
		return 0, false
	}
	i := 1
	for i < len(s) && s[i] != term {
		i++
	}
	if i < len(s) {
		i++
	}
	return i, true
}

// ParseLine parses one received datagram into an Event. ok is false for
// a blank line (after stripping a leading `>` prompt character) or one
// that doesn't start with `<` — neither is worth queueing as an event.
func ParseLine(line string) (Event, bool) {
	if strings.HasPrefix(line, ">") {
		line = line[1:]
	}
	if line == "" {
		return Event{}, false
	}
	if line[0] != '<' {
		return Event{}, false
	}
	line = line[1:]

	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == len(line) || line[i] != '>' {
		return Event{}, false
	}
	priority, _ := strconv.Atoi(line[:i])
	line = line[i+1:]

	var ev Event
	ev.Priority = Priority(priority)

	if strings.HasPrefix(line, "CTRL-REQ-") {
		ev.Kind = KindCtrlReq
		ev.Tag = line
		ev.Parameters = []string{line}
		return ev, true
	}
	if strings.HasPrefix(line, "CTRL-RSP-") {
		ev.Kind = KindCtrlRsp
		ev.Tag = line
		ev.Parameters = []string{line}
		return ev, true
	}

	sp := strings.IndexByte(line, ' ')
	var tag string
	if sp < 0 {
		tag = line
		line = ""
	} else {
		tag = line[:sp]
		line = line[sp+1:]
	}
	ev.Tag = tag
	if k, known := knownKinds[tag]; known {
		ev.Kind = k
	} else {
		ev.Kind = KindUnknown
	}

	for {
		for len(line) > 0 && line[0] == ' ' {
			line = line[1:]
		}
		if line == "" {
			break
		}

		if line[0] == '[' {
			line = line[1:]
			for len(line) > 0 && line[0] != ']' {
				barOrEnd := strings.IndexAny(line, "|]")
				if barOrEnd < 0 {
					barOrEnd = len(line)
				}
				opt := line[:barOrEnd]
				opt = strings.TrimSuffix(opt, " ")
				ev.Options = append(ev.Options, opt)
				line = line[barOrEnd:]
				if len(line) > 0 && line[0] == '|' {
					line = line[1:]
				}
			}
			if len(line) > 0 && line[0] == ']' {
				line = line[1:]
			}
			continue
		}

		if end, ok := skipBalancedPair(line); ok {
			ev.Parameters = append(ev.Parameters, line[:end])
			line = line[end:]
			continue
		}

		// Scan for `key=value`: the LAST unquoted `=` before the next
		// space wins (mirrors the original's continue-past-bare-`=`
		// behaviour), unless a `=` is immediately followed by a
		// balanced pair, which ends the scan there.
		j := 0
		eq := -1
		for j < len(line) && line[j] != ' ' {
			if line[j] == '=' {
				eq = j
				j++
				if end, ok := skipBalancedPair(line[j:]); ok {
					j += end
					break
				}
				continue
			}
			j++
		}
		if eq >= 0 {
			ev.Named = append(ev.Named, KeyValue{Key: line[:eq], Value: line[eq+1 : j]})
		} else {
			ev.Parameters = append(ev.Parameters, line[:j])
		}
		line = line[j:]
	}

	return ev, true
}

// ToString renders ev back into wire form, semantically equivalent to
// (though not always byte-identical to) whatever produced it.
func (e Event) ToString() string {
	var sb strings.Builder
	sb.WriteByte('<')
	sb.WriteString(strconv.Itoa(int(e.Priority)))
	sb.WriteByte('>')
	sb.WriteString(e.Tag)
	for _, p := range e.Parameters {
		sb.WriteByte(' ')
		sb.WriteString(p)
	}
	for _, kv := range e.Named {
		sb.WriteByte(' ')
		sb.WriteString(kv.Key)
		sb.WriteByte('=')
		sb.WriteString(kv.Value)
	}
	if len(e.Options) > 0 {
		sb.WriteString(" [")
		for i, o := range e.Options {
			if i > 0 {
				sb.WriteString(" |")
			}
			sb.WriteString(o)
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

// QuoteString wraps value in quoteChar, backslash-escaping quoteChar and
// backslash itself, mirroring WpaEvent::QuoteString.
func QuoteString(value string, quoteChar byte) string {
	var sb strings.Builder
	sb.WriteByte(quoteChar)
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == quoteChar || c == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(c)
	}
	sb.WriteByte(quoteChar)
	return sb.String()
}

// UnquoteString reverses QuoteString (or any `'...'`/`"..."` literal
// with backslash escapes). Values that aren't quoted are returned
// unchanged, mirroring WpaEvent::UnquoteString.
func UnquoteString(value string) string {
	if len(value) == 0 {
		return value
	}
	quote := value[0]
	if quote != '\'' && quote != '"' {
		return value
	}
	var sb strings.Builder
	i := 1
	for i < len(value) && value[i] != quote {
		c := value[i]
		if c == '\\' && i+1 < len(value) {
			i++
			c = value[i]
		}
		sb.WriteByte(c)
		i++
	}
	return sb.String()
}
