package merkletree

import (
	"context"
	"fmt"

	"shielded/orchestrator/logging"
)

// LeafSource is the slice of the ledger client the mirror needs: the
// ordered commitment log and the root the chain reports for it.
type LeafSource interface {
	CommitmentLeaves(ctx context.Context) ([][32]byte, error)
	LatestRoot(ctx context.Context) ([32]byte, error)
}

// Mirror is the on-chain-mirrored accumulator: a local shadow of the
// contract's tree, rebuilt from the commitment-emission log. It must be
// synchronized and root-checked before any witness generated from it can
// be trusted.
type Mirror struct {
	*Tree
	synced bool
}

// NewMirror returns an unsynchronized mirror. Using it before a successful
// Sync is a programming error surfaced by RequireSynced.
func NewMirror() *Mirror {
	return &Mirror{Tree: New()}
}

// Sync rebuilds the shadow tree from the ledger's commitment log and
// verifies the recomputed root against the ledger-reported root. A
// mismatch is fatal: every witness generated from a diverged mirror is
// meaningless, so there is no degraded mode.
func (m *Mirror) Sync(ctx context.Context, src LeafSource) error {
	leaves, err := src.CommitmentLeaves(ctx)
	if err != nil {
		return fmt.Errorf("fetching commitment log: %w", err)
	}
	reported, err := src.LatestRoot(ctx)
	if err != nil {
		return fmt.Errorf("fetching ledger root: %w", err)
	}

	rebuilt := NewWithLeaves(leaves)
	if rebuilt.Root() != reported {
		m.synced = false
		return fmt.Errorf("mirror root mismatch after sync: local %x, ledger %x (%d leaves)",
			rebuilt.Root(), reported, len(leaves))
	}

	m.Tree = rebuilt
	m.synced = true

	logging.Logger().Info().
		Int("leaves", len(leaves)).
		Hex("root", reported[:]).
		Msg("mirror synchronized with ledger")
	return nil
}

// RequireSynced guards witness generation against an unsynced mirror.
func (m *Mirror) RequireSynced() error {
	if !m.synced {
		return fmt.Errorf("mirror has not been synchronized with the ledger")
	}
	return nil
}
