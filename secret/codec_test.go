package secret

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testCodec = Codec{Cost: bcrypt.MinCost}

func TestGenerate(t *testing.T) {
	cases := []struct {
		title  string
		codec  Codec
		expLen int
	}{
		{title: "default-size", codec: Codec{}, expLen: DefaultSize},
		{title: "custom-size", codec: Codec{Size: 10}, expLen: 10},
		{title: "negative-size", codec: Codec{Size: -3}, expLen: DefaultSize},
	}

	for _, c := range cases {
		s, err := c.codec.Generate()
		require.NoError(t, err, c.title)

		b, err := base64.RawURLEncoding.DecodeString(s)
		require.NoError(t, err, c.title)
		assert.Len(t, b, c.expLen, c.title)
	}

	a, err := testCodec.Generate()
	require.NoError(t, err)
	b, err := testCodec.Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashVerify(t *testing.T) {
	raw, err := testCodec.Generate()
	require.NoError(t, err)
	hash, err := testCodec.Hash(raw)
	require.NoError(t, err)

	assert.NotEqual(t, raw, hash, "hash must not equal the raw secret")

	cases := []struct {
		title string
		raw   string
		hash  string
		exp   bool
	}{
		{title: "match", raw: raw, hash: hash, exp: true},
		{title: "other-raw", raw: raw + "x", hash: hash},
		{title: "empty-raw", raw: "", hash: hash},
		{title: "empty-hash", raw: raw, hash: ""},
		{title: "malformed-hash", raw: raw, hash: "not-a-bcrypt-hash"},
		{title: "truncated-hash", raw: raw, hash: hash[:20]},
		{title: "raw-as-hash", raw: raw, hash: raw},
	}

	for _, c := range cases {
		assert.Equal(t, c.exp, testCodec.Verify(c.raw, c.hash), c.title)
	}
}

func TestHashIsSalted(t *testing.T) {
	h1, err := testCodec.Hash("same")
	require.NoError(t, err)
	h2, err := testCodec.Hash("same")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.True(t, testCodec.Verify("same", h1))
	assert.True(t, testCodec.Verify("same", h2))
}

func TestFind(t *testing.T) {
	raws := []string{"r0", "r1", "r2"}
	var hashes []string
	for _, r := range raws {
		h, err := testCodec.Hash(r)
		require.NoError(t, err)
		hashes = append(hashes, h)
	}

	assert.Equal(t, 0, testCodec.Find("r0", hashes))
	assert.Equal(t, 2, testCodec.Find("r2", hashes))
	assert.Equal(t, -1, testCodec.Find("r3", hashes))
	assert.Equal(t, -1, testCodec.Find("", hashes))
	assert.Equal(t, -1, testCodec.Find("r0", nil))
	assert.Equal(t, -1, testCodec.Find("r0", []string{"garbage", ""}))
}

func TestGenerateHashed(t *testing.T) {
	raw, hash, err := testCodec.GenerateHashed()
	require.NoError(t, err)
	assert.True(t, testCodec.Verify(raw, hash))
}
