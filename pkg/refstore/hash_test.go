package refstore_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

func TestComputeBlobIdentifier(t *testing.T) {
	a := refstore.ComputeBlobIdentifier([]byte("hello"))
	b := refstore.ComputeBlobIdentifier([]byte("hello"))
	c := refstore.ComputeBlobIdentifier([]byte("hello!"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a.String(), 40)
	assert.False(t, a.IsZero())

	fromReader, n, err := refstore.ComputeBlobIdentifierFromReader(bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, a, fromReader)
}

func TestParseBlobIdentifier(t *testing.T) {
	id := refstore.ComputeBlobIdentifier([]byte("payload"))

	parsed, err := refstore.ParseBlobIdentifier(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	for _, bad := range []string{"", "abc", id.String()[:39] + "z", id.String() + "00"} {
		_, err := refstore.ParseBlobIdentifier(bad)
		assert.ErrorIs(t, err, refstore.ErrInvalidBlobIdentifier, bad)
	}

	_, err = refstore.BlobIdentifierFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, refstore.ErrInvalidBlobIdentifier)
}

func TestBlobIdentifierJSON(t *testing.T) {
	id := refstore.ComputeBlobIdentifier([]byte("json"))
	data, err := json.Marshal(map[string]refstore.BlobIdentifier{"id": id})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"`+id.String()+`"}`, string(data))

	var decoded map[string]refstore.BlobIdentifier
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded["id"])
}

func TestUniqueBlobIdentifiers(t *testing.T) {
	a := refstore.ComputeBlobIdentifier([]byte("a"))
	b := refstore.ComputeBlobIdentifier([]byte("b"))
	assert.Equal(t, []refstore.BlobIdentifier{a, b}, refstore.UniqueBlobIdentifiers([]refstore.BlobIdentifier{a, b, a, b}))
}
