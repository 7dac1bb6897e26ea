package objectkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

func TestGitLikeGenerator(t *testing.T) {
	id := refstore.MustParseBlobIdentifier("abcdef0123456789abcdef0123456789abcdef01")

	g := NewGitLikeGenerator()
	assert.Equal(t, "ns/ab/cd/abcdef0123456789abcdef0123456789abcdef01", g.GenerateKey("ns", id))

	g3 := &GitLikeGenerator{ShardLength: 3, Levels: 1}
	assert.Equal(t, "ns/abc/abcdef0123456789abcdef0123456789abcdef01", g3.GenerateKey("ns", id))
}

func TestFlatAndPrefixedGenerator(t *testing.T) {
	id := refstore.ComputeBlobIdentifier([]byte("x"))

	assert.Equal(t, "ns/"+id.String(), NewFlatGenerator().GenerateKey("ns", id))
	assert.Equal(t, "cluster-a/ns/"+id.String(), NewPrefixedGenerator("/cluster-a/", NewFlatGenerator()).GenerateKey("ns", id))
}

func TestSanitizeNamespace(t *testing.T) {
	assert.Equal(t, "a_b_c", SanitizeNamespace("a/b c"))
	assert.Equal(t, "___etc", SanitizeNamespace("../etc"))
}
