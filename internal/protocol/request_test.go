package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/pinlink/internal/pins"
)

func TestRequestCommand(t *testing.T) {
	cases := []struct {
		req  Request
		want Command
	}{
		{Request{Op: "functionMap"}, FunctionMap()},
		{Request{Op: "GETCURRENTPINFUNCTION", Pin: "a4"}, GetCurrentPinFunction(pins.A(4))},
		{Request{Op: "setPinFunction", Pin: "A5", Function: "readAnalog"}, SetPinFunction(pins.A(5), pins.ReadAnalog)},
		{Request{Op: "setPinFunction", Pin: "9", Function: "4"}, SetPinFunction(pins.D(9), pins.WriteAnalog)},
		{Request{Op: "startLoop", Pin: "ignored"}, StartLoop()},
	}
	for _, tc := range cases {
		got, err := tc.req.Command()
		require.NoError(t, err, tc.req)
		require.Equal(t, tc.want, got)
	}

	for _, bad := range []Request{
		{Op: "reboot"},
		{Op: "getPinFunction"},
		{Op: "getPinFunction", Pin: "A9"},
		{Op: "setPinFunction", Pin: "5"},
		{Op: "setPinFunction", Pin: "5", Function: "7"},
	} {
		_, err := bad.Command()
		require.Error(t, err, bad)
	}
}

func TestParseRequest(t *testing.T) {
	r, err := ParseRequest("  setPinFunction A5   readAnalog ")
	require.NoError(t, err)
	require.Equal(t, Request{Op: "setPinFunction", Pin: "A5", Function: "readAnalog"}, r)

	_, err = ParseRequest("   ")
	require.Error(t, err)
	_, err = ParseRequest("a b c d")
	require.Error(t, err)
}

func TestCommandTextRoundTrip(t *testing.T) {
	for _, cmd := range []Command{
		FunctionMap(),
		GetPinFunction(pins.D(4)),
		SetPinFunction(pins.A(5), pins.ReadAnalog),
		StopLoop(),
	} {
		text, err := cmd.MarshalText()
		require.NoError(t, err)
		var got Command
		require.NoError(t, got.UnmarshalText(text))
		require.Equal(t, cmd, got)
	}

	var c Command
	require.Error(t, c.UnmarshalText([]byte("setPinFunction(A5)")))
}
