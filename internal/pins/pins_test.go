package pins

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLabels(t *testing.T) {
	p, err := Parse("A3")
	require.NoError(t, err)
	require.Equal(t, A(3), p)

	p, err = Parse(" a0 ")
	require.NoError(t, err)
	require.Equal(t, A(0), p)

	p, err = Parse("11")
	require.NoError(t, err)
	require.Equal(t, D(11), p)

	for _, bad := range []string{"", "3", "12", "A6", "Ax", "pin", "260", "-252", "A256", "A-1", "A-250"} {
		_, err := Parse(bad)
		require.Error(t, err, bad)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, offset := range []int{DefaultAnalogOffset, 10} {
		c := Codec{AnalogOffset: offset}
		for _, p := range All() {
			got, ok := c.FromCode(c.Code(p))
			if offset == 10 && p.Kind == Analog && p.Index <= 1 {
				// A0/A1 collide with digital 10/11 under the legacy offset.
				require.True(t, ok)
				require.Equal(t, Digital, got.Kind)
				continue
			}
			require.True(t, ok, p.String())
			require.Equal(t, p, got)
		}
	}
	require.Equal(t, byte(14), DefaultCodec.Code(A(0)))
	require.Equal(t, byte(19), DefaultCodec.Code(A(5)))
	require.Equal(t, byte(7), DefaultCodec.Code(D(7)))
}

func TestCapabilitiesIncludeImplicit(t *testing.T) {
	require.Len(t, All(), 14)
	for _, p := range All() {
		caps := Capabilities(p)
		require.NotEmpty(t, caps)
		require.Equal(t, []Function{Disable, ReadDigital, WriteDigital}, caps[:3])
	}
	require.True(t, Supports(D(5), WriteAnalog))
	require.False(t, Supports(D(4), WriteAnalog))
	require.True(t, Supports(A(2), ReadAnalog))
	require.False(t, Supports(A(2), WriteAnalog))
	require.Nil(t, Capabilities(D(2)))
}

func TestParseFunction(t *testing.T) {
	f, err := ParseFunction("readAnalog")
	require.NoError(t, err)
	require.Equal(t, ReadAnalog, f)

	f, err = ParseFunction("WRITEDIGITAL")
	require.NoError(t, err)
	require.Equal(t, WriteDigital, f)

	f, err = ParseFunction("4")
	require.NoError(t, err)
	require.Equal(t, WriteAnalog, f)

	_, err = ParseFunction("5")
	require.Error(t, err)
	_, err = ParseFunction("fly")
	require.Error(t, err)
}
