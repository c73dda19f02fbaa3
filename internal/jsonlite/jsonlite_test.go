package jsonlite

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscape(t *testing.T) {
	assert.Equal(t, `a\"b\\c\u000ad`, Escape("a\"b\\c\nd"))
	assert.Equal(t, `\u0001\u001f`, Escape("\x01\x1f"))
	assert.Equal(t, "plain ü", Escape("plain ü"))
}

func TestAppendEscapedNeverSplitsAnEscape(t *testing.T) {
	in := strings.Repeat("\n", 10)
	for limit := 1; limit <= 20; limit++ {
		out := string(AppendEscaped(nil, in, limit))
		assert.LessOrEqual(t, len(out), limit)
		assert.Equal(t, 0, len(out)%6, "limit %d produced %q", limit, out)
	}

	out := string(AppendEscaped([]byte("x"), `ab"`, 3))
	assert.Equal(t, "xab", out)
}

func TestEscapeRoundTripsThroughExtractString(t *testing.T) {
	in := "quote\" back\\slash\nnewline\ttab"
	doc := Object("display_name", in)

	got, ok := ExtractString(doc, "display_name")
	require.True(t, ok)
	assert.Equal(t, in, got)
}

func TestObjectPreservesOrder(t *testing.T) {
	assert.Equal(t, `{"player_id":"p1","region":"us"}`, Object("player_id", "p1", "region", "us"))
	assert.Equal(t, `{}`, Object())
	assert.Equal(t, `{"dangling":""}`, Object("dangling"))
}

func TestExtractString(t *testing.T) {
	doc := `{"player_id":"p1","room_code":"","nested":{"region":"eu"}}`

	v, ok := ExtractString(doc, "player_id")
	require.True(t, ok)
	assert.Equal(t, "p1", v)

	v, ok = ExtractString(doc, "room_code")
	require.True(t, ok)
	assert.Equal(t, "", v)

	v, ok = ExtractString(doc, "region")
	require.True(t, ok)
	assert.Equal(t, "eu", v)

	_, ok = ExtractString(doc, "missing")
	assert.False(t, ok)

	_, ok = ExtractString(`{"player_id":"unterminated`, "player_id")
	assert.False(t, ok)

	_, ok = ExtractString(`{"player_id":"bad\q"}`, "player_id")
	assert.False(t, ok)

	v, ok = ExtractString(`{"name":"café"}`, "name")
	require.True(t, ok)
	assert.Equal(t, "café", v)
}

func TestExtractObjects(t *testing.T) {
	doc := `{"players":[{"player_id":"a","display_name":"{brace}"},{"player_id":"b"}]}`
	objs := ExtractObjects(doc, "players", 10)
	require.Len(t, objs, 2)
	assert.Equal(t, `{"player_id":"a","display_name":"{brace}"}`, objs[0])
	assert.Equal(t, `{"player_id":"b"}`, objs[1])

	assert.Len(t, ExtractObjects(doc, "players", 1), 1)
	assert.Empty(t, ExtractObjects(`{"players":[]}`, "players", 10))
	assert.Empty(t, ExtractObjects(`{"other":[{"x":"y"}]}`, "players", 10))
	assert.Empty(t, ExtractObjects(doc, "players", 0))
}

func TestExtractObjectsDegradesOnMalformedInput(t *testing.T) {
	objs := ExtractObjects(`{"players":[{"player_id":"a"},{"player_id":"b"`, "players", 10)
	require.Len(t, objs, 1)
	assert.Equal(t, `{"player_id":"a"}`, objs[0])

	assert.Empty(t, ExtractObjects(`{"players":[42,{"player_id":"a"}]}`, "players", 10))
	assert.Empty(t, ExtractObjects(`{"players":[`, "players", 10))
}

func TestClipUTF8(t *testing.T) {
	assert.Equal(t, "abc", ClipUTF8("abc", 5))
	assert.Equal(t, "ab", ClipUTF8("abc", 2))
	assert.Equal(t, "caf", ClipUTF8("café", 4))
	assert.Equal(t, "café", ClipUTF8("café", 5))
}
