// Package blob implements the tiered, hash-verifying refstore.BlobStore.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/tendant/simple-refstore/pkg/refstore"
)

// Tier is one named storage layer of a Store.
type Tier struct {
	Name    string
	Backend refstore.BlobBackend

	// Peer marks a read-only tier backed by another cluster. Peers are
	// consulted after every local tier and never written to.
	Peer bool

	// PeerLayers are the tiers a peer is asked to consult. Empty means
	// every local tier of the peer. A peer never consults its own peers.
	PeerLayers []string
}

// layeredGetter is implemented by peer backends that accept a tier filter
type layeredGetter interface {
	GetFromLayers(ctx context.Context, namespace string, id refstore.BlobIdentifier, layers []string) (io.ReadCloser, error)
}

// TierInfo describes a configured tier
type TierInfo struct {
	Name string `json:"name"`
	Peer bool   `json:"peer"`
}

// Store implements refstore.BlobStore over an ordered list of tiers.
type Store struct {
	local  []Tier
	peers  []Tier
	logger *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store's logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTier appends a tier
func WithTier(tier Tier) Option {
	return func(s *Store) {
		if tier.Peer {
			s.peers = append(s.peers, tier)
		} else {
			s.local = append(s.local, tier)
		}
	}
}

// New creates a Store. At least one local tier is required.
func New(opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.local) == 0 {
		return nil, errors.New("blob store requires at least one local tier")
	}

	seen := make(map[string]bool)
	for _, t := range append(slices.Clone(s.local), s.peers...) {
		if t.Name == "" {
			return nil, errors.New("blob tier name is required")
		}
		if t.Backend == nil {
			return nil, fmt.Errorf("blob tier %q has no backend", t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate blob tier %q", t.Name)
		}
		seen[t.Name] = true
	}
	return s, nil
}

// Tiers lists the configured tiers, local first
func (s *Store) Tiers() []TierInfo {
	infos := make([]TierInfo, 0, len(s.local)+len(s.peers))
	for _, t := range s.local {
		infos = append(infos, TierInfo{Name: t.Name})
	}
	for _, t := range s.peers {
		infos = append(infos, TierInfo{Name: t.Name, Peer: true})
	}
	return infos
}

func verify(data []byte, id refstore.BlobIdentifier) error {
	actual := refstore.ComputeBlobIdentifier(data)
	if actual != id {
		return &refstore.HashMismatchError{Expected: id, Actual: actual}
	}
	return nil
}

// Put verifies data against id and writes it to every local tier
func (s *Store) Put(ctx context.Context, namespace string, data []byte, id refstore.BlobIdentifier) error {
	if err := verify(data, id); err != nil {
		return err
	}

	for _, t := range s.local {
		if err := t.Backend.Put(ctx, namespace, id, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("put blob %s to tier %s: %w", id, t.Name, err)
		}
	}
	return nil
}

func allowed(filter []string, name string) bool {
	return len(filter) == 0 || slices.Contains(filter, name)
}

// Get returns the blob from the first tier that has it. A hit in a later
// tier fills the earlier local tiers that were consulted.
func (s *Store) Get(ctx context.Context, namespace string, id refstore.BlobIdentifier, tiers ...string) (io.ReadCloser, error) {
	return s.get(ctx, namespace, id, tiers, true)
}

// GetLocal is Get without the peer tiers. It serves requests from peers.
func (s *Store) GetLocal(ctx context.Context, namespace string, id refstore.BlobIdentifier, tiers ...string) (io.ReadCloser, error) {
	return s.get(ctx, namespace, id, tiers, false)
}

func (s *Store) get(ctx context.Context, namespace string, id refstore.BlobIdentifier, tiers []string, withPeers bool) (io.ReadCloser, error) {
	var missed []Tier

	for _, t := range s.local {
		if !allowed(tiers, t.Name) {
			continue
		}
		rc, err := t.Backend.Get(ctx, namespace, id)
		if err == nil {
			if len(missed) == 0 {
				return rc, nil
			}
			return s.fill(ctx, namespace, id, rc, missed, t.Name)
		}
		if !errors.Is(err, refstore.ErrBlobNotFound) {
			s.logger.Warn("blob tier read failed", "tier", t.Name, "namespace", namespace, "blob", id, "err", err)
		}
		missed = append(missed, t)
	}

	if !withPeers {
		return nil, refstore.ErrBlobNotFound
	}
	for _, p := range s.peers {
		if !allowed(tiers, p.Name) {
			continue
		}
		rc, err := s.getFromPeer(ctx, p, namespace, id)
		if err == nil {
			return s.fill(ctx, namespace, id, rc, missed, p.Name)
		}
		if !errors.Is(err, refstore.ErrBlobNotFound) {
			s.logger.Warn("peer blob read failed", "tier", p.Name, "namespace", namespace, "blob", id, "err", err)
		}
	}

	return nil, refstore.ErrBlobNotFound
}

func (s *Store) getFromPeer(ctx context.Context, p Tier, namespace string, id refstore.BlobIdentifier) (io.ReadCloser, error) {
	lg, ok := p.Backend.(layeredGetter)
	if !ok {
		return p.Backend.Get(ctx, namespace, id)
	}
	return lg.GetFromLayers(ctx, namespace, id, p.PeerLayers)
}

// fill reads the blob found in tier source, verifies it and writes it to
// the tiers that missed. A blob that fails verification is treated as
// absent.
func (s *Store) fill(ctx context.Context, namespace string, id refstore.BlobIdentifier, rc io.ReadCloser, missed []Tier, source string) (io.ReadCloser, error) {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob %s from tier %s: %w", id, source, err)
	}
	if err := verify(data, id); err != nil {
		s.logger.Error("blob tier returned corrupt content", "tier", source, "namespace", namespace, "err", err)
		return nil, refstore.ErrBlobNotFound
	}

	for _, t := range missed {
		if err := t.Backend.Put(ctx, namespace, id, bytes.NewReader(data)); err != nil {
			s.logger.Warn("blob read-through fill failed", "tier", t.Name, "namespace", namespace, "blob", id, "err", err)
		}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether any local tier has the blob
func (s *Store) Exists(ctx context.Context, namespace string, id refstore.BlobIdentifier) (bool, error) {
	for _, t := range s.local {
		ok, err := t.Backend.Exists(ctx, namespace, id)
		if err != nil {
			return false, fmt.Errorf("exists blob %s in tier %s: %w", id, t.Name, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// FilterOutKnownBlobs returns the ids, deduplicated, that no local tier has
func (s *Store) FilterOutKnownBlobs(ctx context.Context, namespace string, ids []refstore.BlobIdentifier) ([]refstore.BlobIdentifier, error) {
	var unknown []refstore.BlobIdentifier
	for _, id := range refstore.UniqueBlobIdentifiers(ids) {
		ok, err := s.Exists(ctx, namespace, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}

// Delete removes the blob from every local tier
func (s *Store) Delete(ctx context.Context, namespace string, id refstore.BlobIdentifier) error {
	found := false
	for _, t := range s.local {
		err := t.Backend.Delete(ctx, namespace, id)
		switch {
		case err == nil:
			found = true
		case errors.Is(err, refstore.ErrBlobNotFound):
		default:
			return fmt.Errorf("delete blob %s from tier %s: %w", id, t.Name, err)
		}
	}
	if !found {
		return refstore.ErrBlobNotFound
	}
	return nil
}

// ReadAll is a convenience that fetches a whole blob into memory.
func ReadAll(ctx context.Context, store refstore.BlobStore, namespace string, id refstore.BlobIdentifier, tiers ...string) ([]byte, error) {
	rc, err := store.Get(ctx, namespace, id, tiers...)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
