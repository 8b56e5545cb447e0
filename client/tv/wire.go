package tv

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// The wire format frames every message as "~m~<len>~m~<payload>", where
// len is the payload length in bytes. Payloads are either compact JSON
// command objects {"m": method, "p": params} or plain strings; the server
// additionally sends heartbeat payloads "~h~<n>" which must be echoed back
// verbatim on the same connection.

const frameMarker = "~m~"

const heartbeatPrefix = "~h~"

// EncodeFrame wraps one payload in the length-prefixed framing.
func EncodeFrame(payload string) []byte {
	var b strings.Builder
	b.Grow(len(frameMarker)*2 + 20 + len(payload))
	b.WriteString(frameMarker)
	b.WriteString(strconv.Itoa(len(payload)))
	b.WriteString(frameMarker)
	b.WriteString(payload)
	return []byte(b.String())
}

// EncodeCommand marshals a protocol command to compact JSON and frames it.
func EncodeCommand(method string, params []interface{}) ([]byte, error) {
	payload, err := json.Marshal(struct {
		M string        `json:"m"`
		P []interface{} `json:"p"`
	}{M: method, P: params})
	if err != nil {
		return nil, errors.Annotatef(err, "marshalling %s", method)
	}
	return EncodeFrame(string(payload)), nil
}

// IsHeartbeat reports whether a decoded payload is a heartbeat ("~h~<n>").
func IsHeartbeat(payload string) bool {
	if !strings.HasPrefix(payload, heartbeatPrefix) {
		return false
	}
	rest := payload[len(heartbeatPrefix):]
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Decoder splits websocket messages into framed payloads. Decoding state
// is connection-scoped: create a fresh Decoder per connection and never
// reuse it across reconnects.
type Decoder struct {
	// onHeartbeat is called for every heartbeat payload, which is consumed
	// by the decoder and not returned to the caller. The handler is
	// expected to echo the payload back on the same connection.
	onHeartbeat func(payload string)
}

// NewDecoder creates a Decoder. onHeartbeat may be nil, in which case
// heartbeats are silently dropped (only acceptable in tests).
func NewDecoder(onHeartbeat func(payload string)) *Decoder {
	return &Decoder{onHeartbeat: onHeartbeat}
}

// Decode splits one websocket message into its payloads. Heartbeats are
// routed to the heartbeat handler and not returned. Malformed framing (an
// unparseable length, or a stream that ends mid-frame) is an error: the
// connection is no longer usable.
func (d *Decoder) Decode(msg []byte) ([]string, error) {
	var payloads []string

	rest := string(msg)
	for len(rest) > 0 {
		if !strings.HasPrefix(rest, frameMarker) {
			return nil, errors.Errorf("malformed frame: expected %q marker, got %q", frameMarker, truncate(rest, 16))
		}
		rest = rest[len(frameMarker):]

		end := strings.Index(rest, frameMarker)
		if end < 0 {
			return nil, errors.Errorf("malformed frame: missing closing length marker")
		}

		length, err := strconv.Atoi(rest[:end])
		if err != nil || length < 0 {
			return nil, errors.Errorf("malformed frame: unparseable length %q", truncate(rest[:end], 16))
		}
		rest = rest[end+len(frameMarker):]

		if len(rest) < length {
			return nil, errors.Errorf("malformed frame: payload truncated, want %d bytes, have %d", length, len(rest))
		}

		payload := rest[:length]
		rest = rest[length:]

		if IsHeartbeat(payload) {
			if d.onHeartbeat != nil {
				d.onHeartbeat(payload)
			}
			continue
		}
		payloads = append(payloads, payload)
	}

	return payloads, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
