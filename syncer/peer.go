package syncer

import (
	"context"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/objectstore"
)

// PeerTransaction is one entry of a federated peer's transaction stream,
// tagged with the peer-side server that produced it. Per-server markers
// let a peer that is itself a cluster be consumed without a merged clock.
type PeerTransaction struct {
	ServerID string
	Tx       core.Transaction
}

// Peer is one dialed federation source.
type Peer interface {
	// Pull returns the peer's repository id and every transaction newer
	// than the given per-server markers, in per-server log order.
	Pull(ctx context.Context, since map[string]int64) (repoID string, txs []PeerTransaction, err error)
	// FetchObject retrieves a whole object across the network so its
	// document can be derived locally.
	FetchObject(ctx context.Context, objectID string) (*objectstore.ObjectRecord, error)
	Close() error
}

// PeerDialer connects to a federation target address.
type PeerDialer interface {
	Dial(ctx context.Context, address string) (Peer, error)
}

// CredentialSource re-resolves the credential used to read protected
// content during document derivation. Refresh is called once per big
// cycle; implementations cache the resolved credential internally.
type CredentialSource interface {
	Refresh(ctx context.Context) error
}
