package fastboot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommand(t *testing.T) {
	b, err := EncodeCommand("getvar:product")
	require.NoError(t, err)
	assert.Equal(t, "getvar:product", string(b))

	_, err = EncodeCommand(strings.Repeat("x", MaxCommandLength+1))
	assert.Error(t, err)
}

func TestDecodeResponseOkayFailInfoText(t *testing.T) {
	resp, err := DecodeResponse([]byte("OKAYpixel"))
	require.NoError(t, err)
	assert.Equal(t, TagOkay, resp.Tag)
	assert.Equal(t, "pixel", resp.Message)
	assert.True(t, resp.Terminal())

	resp, err = DecodeResponse([]byte("FAILnot allowed"))
	require.NoError(t, err)
	assert.Equal(t, TagFail, resp.Tag)
	assert.Equal(t, "not allowed", resp.Message)
	assert.True(t, resp.Terminal())

	resp, err = DecodeResponse([]byte("INFOflashing boot\x00\x00"))
	require.NoError(t, err)
	assert.Equal(t, TagInfo, resp.Tag)
	assert.Equal(t, "flashing boot", resp.Message)
	assert.False(t, resp.Terminal())

	resp, err = DecodeResponse([]byte("TEXTsome diagnostic"))
	require.NoError(t, err)
	assert.Equal(t, TagText, resp.Tag)
}

func TestDecodeResponsePreservesInternalWhitespace(t *testing.T) {
	// spec.md §9 open question: INFO/TEXT payloads are opaque UTF-8;
	// only a trailing NUL is trimmed, never surrounding whitespace.
	resp, err := DecodeResponse([]byte("INFO  leading and trailing  \x00"))
	require.NoError(t, err)
	assert.Equal(t, "  leading and trailing  ", resp.Message)
}

func TestDecodeResponseData(t *testing.T) {
	resp, err := DecodeResponse([]byte("DATA00100000"))
	require.NoError(t, err)
	assert.Equal(t, TagData, resp.Tag)
	assert.Equal(t, uint32(0x00100000), resp.Length)
}

func TestDecodeResponseErrors(t *testing.T) {
	_, err := DecodeResponse([]byte("OK"))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, TruncatedReply, perr.Kind)

	_, err = DecodeResponse([]byte("WTF?"))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, UnknownTag, perr.Kind)

	_, err = DecodeResponse([]byte("DATAnothex"))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, BadDataLength, perr.Kind)
}

func TestEncodeDataLength(t *testing.T) {
	assert.Equal(t, "00100000", EncodeDataLength(0x00100000))
	assert.Equal(t, "00000000", EncodeDataLength(0))
}
