package keystore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
)

// SeedGuard protects the device seed that sealed key blobs are bound to. The
// seed is split into shares distributed to administrators; a threshold of
// shares reconstructs it when a device must be re-created around existing
// blobs. The seed itself never touches persistent storage.
type SeedGuard struct {
	mu             sync.RWMutex
	seed           []byte
	isUnlocked     bool
	threshold      int
	receivedShares map[int][]byte
}

// SplitSeed splits a device seed into total shares, any threshold of which
// reconstruct it. The caller distributes the shares and erases the seed.
func SplitSeed(seed []byte, total, threshold int) ([][]byte, error) {
	if len(seed) < 32 {
		return nil, errors.New("device seed must be at least 32 bytes")
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if total < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(seed, total, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split device seed: %w", err)
	}
	return shares, nil
}

// NewSeedGuard creates a guard in recovery mode. It stays locked until enough
// shares are submitted to reconstruct the seed.
func NewSeedGuard(threshold int) (*SeedGuard, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	return &SeedGuard{
		threshold:      threshold,
		receivedShares: make(map[int][]byte),
	}, nil
}

// SubmitShare stores one share and reconstructs the seed once the threshold
// is met.
func (g *SeedGuard) SubmitShare(shareIndex int, share []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.isUnlocked {
		return errors.New("seed guard is already unlocked")
	}
	g.receivedShares[shareIndex] = share

	if len(g.receivedShares) < g.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(g.receivedShares))
	for _, s := range g.receivedShares {
		shares = append(shares, s)
	}
	seed, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct device seed: %w", err)
	}

	g.seed = seed
	g.isUnlocked = true

	for i := range g.receivedShares {
		wipeBytes(g.receivedShares[i])
	}
	g.receivedShares = make(map[int][]byte)

	return nil
}

// IsUnlocked reports whether the seed has been reconstructed.
func (g *SeedGuard) IsUnlocked() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.isUnlocked
}

// Seed returns the reconstructed seed. Fails while the guard is locked.
func (g *SeedGuard) Seed() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.isUnlocked {
		return nil, errors.New("seed guard is locked, more shares needed")
	}
	return g.seed, nil
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
