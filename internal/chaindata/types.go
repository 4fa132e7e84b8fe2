// Package chaindata provides the chain-data provider: a client for a
// blockchain node speaking a line-delimited JSON-RPC protocol over a raw
// request socket, with node events delivered on a separate ZMQ socket.
package chaindata

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcutil"
)

// ConnState represents the request-socket connection state
type ConnState int32

const (
	// StateDisconnected - no live socket, reconnect may be scheduled
	StateDisconnected ConnState = iota
	// StateConnecting - dial in progress
	StateConnecting
	// StateConnected - request socket is live
	StateConnected
	// StateClosed - Close was called, the client is terminal
	StateClosed
)

// String returns string representation of the state
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// rpcRequest is the JSON-RPC body written to the request socket.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse is one newline-delimited JSON message read from the request
// socket. Method is set on subscription push notifications; ID correlates
// call responses.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// rawTransaction is the node's verbose transaction encoding.
type rawTransaction struct {
	TxID          string     `json:"txid"`
	Hex           string     `json:"hex"`
	Confirmations int64      `json:"confirmations"`
	Vin           []rawTxIn  `json:"vin"`
	Vout          []rawTxOut `json:"vout"`
	BlockHash     string     `json:"blockhash,omitempty"`
}

type rawTxIn struct {
	Coinbase string `json:"coinbase,omitempty"`
	TxID     string `json:"txid,omitempty"`
	Vout     uint32 `json:"vout"`
}

type rawTxOut struct {
	Value        float64 `json:"value"`
	N            uint32  `json:"n"`
	ScriptPubKey struct {
		Hex       string   `json:"hex"`
		Address   string   `json:"address,omitempty"`
		Addresses []string `json:"addresses,omitempty"`
		Type      string   `json:"type"`
	} `json:"scriptPubKey"`
}

// rawHistoryItem is one entry of the node's per-address history listing.
type rawHistoryItem struct {
	TxID   string `json:"txid"`
	Height int64  `json:"height"`
}

// rawBlock is the node's verbose block encoding, reduced to what the
// block feed needs.
type rawBlock struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
}

// Transaction is a decorated transaction: outputs resolved to addresses,
// inputs resolved by re-fetching their source outputs (or synthesized
// for coinbase), and the net fee computed from the two.
type Transaction struct {
	TxID    string
	Height  int64 // 0 means unconfirmed
	RawHex  string
	Outputs []TxOutput
	Inputs  []TxInput

	// IsStandard is aligned with Outputs; false marks an output whose
	// script resolved to no address.
	IsStandard []bool

	// UnconfirmedInputs holds indexes into Inputs whose parent
	// transaction is still at height 0.
	UnconfirmedInputs []int

	Fee btcutil.Amount
}

// TxOutput is one resolved transaction output.
type TxOutput struct {
	Address      string // empty for non-standard outputs
	Value        btcutil.Amount
	Script       string // pkScript hex
	Index        uint32
	ParentTxID   string
	ParentHeight int64
}

// TxInput is one resolved transaction input. Coinbase inputs have no real
// prior output; their value is the block subsidy at the coinbase's height.
type TxInput struct {
	PrevTxID  string
	PrevIndex uint32
	Address   string
	Value     btcutil.Amount
	Coinbase  bool
}

// AddressBalance is the node-reported balance for one address.
type AddressBalance struct {
	Confirmed   btcutil.Amount `json:"confirmed"`
	Unconfirmed btcutil.Amount `json:"unconfirmed"`
}

// BlockNotification is emitted for each new block observed on the event
// socket, after the block is re-fetched from the node.
type BlockNotification struct {
	Hash   string
	Height int64
	RawHex string
}

// TxNotification is emitted when a raw transaction on the event socket
// touches a watched address.
type TxNotification struct {
	TxID      string
	RawHex    string
	Addresses []string // watched addresses touched by the transaction's outputs
}

// PushNotification is a subscription message received on the request
// socket (method carrying the subscription marker). The payload is routed
// here instead of resolving a pending call.
type PushNotification struct {
	Topic  string
	Params json.RawMessage
}

// ClientEvent is an advisory condition reported on a side channel: it
// never fails a specific pending call.
type ClientEvent struct {
	Kind    string // "parse_error", "unmatched_response", "disconnected", "reconnected", "reconnect_failed"
	Message string
	Err     error
}
