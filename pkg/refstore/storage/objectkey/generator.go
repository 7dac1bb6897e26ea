package objectkey

import (
	"fmt"
	"strings"

	"github.com/tendant/simple-refstore/pkg/refstore"
)

// Generator defines the interface for object key generation strategies
type Generator interface {
	// GenerateKey creates the backend key of a blob in a namespace
	GenerateKey(namespace string, id refstore.BlobIdentifier) string
}

// FlatGenerator stores every blob of a namespace in one directory
// Structure: {namespace}/{id}
type FlatGenerator struct{}

func NewFlatGenerator() *FlatGenerator {
	return &FlatGenerator{}
}

func (g *FlatGenerator) GenerateKey(namespace string, id refstore.BlobIdentifier) string {
	return fmt.Sprintf("%s/%s", SanitizeNamespace(namespace), id)
}

// GitLikeGenerator provides Git-style sharded storage
// Structure: {namespace}/ab/cd/abcd1234...
type GitLikeGenerator struct {
	// ShardLength controls how many characters each shard level uses (default: 2)
	ShardLength int
	// Levels controls how many shard directories precede the blob (default: 2)
	Levels int
}

func NewGitLikeGenerator() *GitLikeGenerator {
	return &GitLikeGenerator{
		ShardLength: 2,
		Levels:      2,
	}
}

func (g *GitLikeGenerator) GenerateKey(namespace string, id refstore.BlobIdentifier) string {
	hex := id.String()

	shardLength := g.ShardLength
	if shardLength <= 0 {
		shardLength = 2
	}
	levels := g.Levels
	if levels*shardLength > len(hex) {
		levels = len(hex) / shardLength
	}

	parts := []string{SanitizeNamespace(namespace)}
	for i := 0; i < levels; i++ {
		parts = append(parts, hex[i*shardLength:(i+1)*shardLength])
	}
	parts = append(parts, hex)
	return strings.Join(parts, "/")
}

// PrefixedGenerator nests another generator's keys under a fixed prefix,
// e.g. to share one S3 bucket between clusters.
type PrefixedGenerator struct {
	Prefix        string
	BaseGenerator Generator
}

func NewPrefixedGenerator(prefix string, base Generator) *PrefixedGenerator {
	return &PrefixedGenerator{Prefix: strings.Trim(prefix, "/"), BaseGenerator: base}
}

func (g *PrefixedGenerator) GenerateKey(namespace string, id refstore.BlobIdentifier) string {
	baseKey := g.BaseGenerator.GenerateKey(namespace, id)
	if g.Prefix == "" {
		return baseKey
	}
	return fmt.Sprintf("%s/%s", g.Prefix, baseKey)
}

// SanitizeNamespace makes a namespace safe to use as a path component
func SanitizeNamespace(namespace string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
		"..", "__",
	)
	return replacer.Replace(namespace)
}

// NewRecommendedGenerator returns the recommended generator for new installations
func NewRecommendedGenerator() Generator {
	return NewGitLikeGenerator()
}
