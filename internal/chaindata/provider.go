package chaindata

import (
	"context"
	"encoding/json"
)

// TxOptions controls transaction decoration.
type TxOptions struct {
	// NoCache forces a fresh fetch even when a decorated copy is cached.
	NoCache bool
}

// Provider is the abstract chain-data contract the sync engine depends on.
// NodeClient is the socket-based implementation; a client speaking a
// different wire protocol slots in behind the same interface.
type Provider interface {
	// Connect opens the request socket. It retries on a fixed interval up
	// to the configured attempt cap and fails with the last error once the
	// cap is exceeded.
	Connect(ctx context.Context) error

	// RPC issues a raw call on the request socket and returns the node's
	// result. A literal null result is a valid success.
	RPC(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// GetTransaction resolves and decorates a transaction. Decorated
	// results are cached; entries still at height 0 are never trusted
	// from cache.
	GetTransaction(ctx context.Context, txid string, opts *TxOptions) (*Transaction, error)

	// GetAddressHistory returns the decorated transactions touching an
	// address, oldest first.
	GetAddressHistory(ctx context.Context, address string) ([]*Transaction, error)

	// GetBalance returns the node-reported balance for an address.
	GetBalance(ctx context.Context, address string) (*AddressBalance, error)

	// BroadcastTransaction submits a raw transaction and returns its txid.
	BroadcastTransaction(ctx context.Context, rawHex string) (string, error)

	// SubscribeToBlocks starts the block feed on the shared event socket.
	SubscribeToBlocks() (<-chan BlockNotification, error)

	// UnsubscribeFromBlocks stops the block feed. The event socket is torn
	// down once no feed has subscribers.
	UnsubscribeFromBlocks() error

	// SubscribeToAddress adds an address to the watch list. The first
	// watched address opens the shared raw-transaction feed; all watched
	// addresses share the returned channel.
	SubscribeToAddress(address string) (<-chan TxNotification, error)

	// UnsubscribeFromAddress removes an address from the watch list. The
	// raw-transaction feed is torn down when the list becomes empty.
	UnsubscribeFromAddress(address string) error

	// IsConnected reports whether the request socket is live.
	IsConnected() bool

	// Close tears down both sockets and fails all pending requests.
	// The client cannot be reused after Close.
	Close() error
}
