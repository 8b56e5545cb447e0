package tv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame(t *testing.T) {
	assert.Equal(t, []byte("~m~5~m~hello"), EncodeFrame("hello"))
	assert.Equal(t, []byte("~m~0~m~"), EncodeFrame(""))
}

func TestEncodeCommand(t *testing.T) {
	msg, err := EncodeCommand("set_auth_token", []interface{}{"tok"})
	require.NoError(t, err)
	assert.Equal(t, `~m~34~m~{"m":"set_auth_token","p":["tok"]}`, string(msg))
}

func TestDecodeMultipleFrames(t *testing.T) {
	d := NewDecoder(nil)

	msg := append(EncodeFrame(`{"m":"qsd"}`), EncodeFrame("second")...)
	payloads, err := d.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"m":"qsd"}`, "second"}, payloads)
}

func TestDecodeHeartbeatConsumed(t *testing.T) {
	var beats []string
	d := NewDecoder(func(p string) { beats = append(beats, p) })

	msg := append(EncodeFrame("~h~12"), EncodeFrame("data")...)
	payloads, err := d.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"data"}, payloads)
	assert.Equal(t, []string{"~h~12"}, beats)
}

func TestDecodeMalformed(t *testing.T) {
	d := NewDecoder(nil)

	for name, msg := range map[string]string{
		"no marker":       "hello",
		"bad length":      "~m~xx~m~hello",
		"missing close":   "~m~5hello",
		"truncated":       "~m~100~m~short",
		"negative length": "~m~-1~m~",
	} {
		_, err := d.Decode([]byte(msg))
		assert.Error(t, err, name)
	}
}

func TestIsHeartbeat(t *testing.T) {
	assert.True(t, IsHeartbeat("~h~1"))
	assert.True(t, IsHeartbeat("~h~42"))
	assert.False(t, IsHeartbeat("~h~"))
	assert.False(t, IsHeartbeat("~h~x"))
	assert.False(t, IsHeartbeat(`{"m":"qsd"}`))
}
