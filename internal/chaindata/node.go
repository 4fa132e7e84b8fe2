package chaindata

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/meridianwallet/chaind/pkg/cache"
	"github.com/meridianwallet/chaind/pkg/circuit"
	"github.com/meridianwallet/chaind/pkg/errors"
	"github.com/meridianwallet/chaind/pkg/log"
)

const (
	// initialSubsidy is the block reward at height 0, in satoshis.
	initialSubsidy = 50 * btcutil.SatoshiPerBitcoin

	// subsidyHalvingInterval is the number of blocks between reward halvings.
	subsidyHalvingInterval = 210000

	// unconfirmedTTL keeps a height-0 entry around only as a liveness
	// marker; the entry is never trusted for decoration.
	unconfirmedTTL = 30 * time.Second
)

// Config holds NodeClient configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// Network selects the chain parameters used to resolve output
	// scripts to addresses: mainnet, testnet3 or regtest.
	Network string

	ReconnectInterval time.Duration
	MaxReconnects     int

	// ZMQEndpoint is the node's event socket.
	ZMQEndpoint string

	Cache *cache.Config
}

// NodeClient talks to a blockchain node over a raw request socket and a
// lazily created event socket. It implements Provider.
type NodeClient struct {
	cfg         *Config
	log         *log.Logger
	chainParams *chaincfg.Params

	cache   *cache.Cache
	breaker *circuit.Breaker

	mu                sync.Mutex
	writeMu           sync.Mutex
	state             ConnState
	conn              net.Conn
	pending           map[string]*pendingCall
	reconnectAttempts int

	chainHeight atomic.Int64

	hub *eventHub

	events chan ClientEvent
	push   chan PushNotification
}

var _ Provider = (*NodeClient)(nil)

// NewNodeClient creates a node client. The request socket is opened by
// Connect; the event socket is opened lazily on first subscription.
func NewNodeClient(cfg *Config, logger *log.Logger) (*NodeClient, error) {
	params, err := paramsForNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}

	c := &NodeClient{
		cfg:         cfg,
		log:         logger.WithComponent("chaindata"),
		chainParams: params,
		cache:       cache.New(cfg.Cache),
		breaker:     circuit.New(nil),
		state:       StateDisconnected,
		pending:     make(map[string]*pendingCall),
		events:      make(chan ClientEvent, 32),
		push:        make(chan PushNotification, 32),
	}
	c.hub = newEventHub(cfg.ZMQEndpoint, params, c, c.log)

	return c, nil
}

func paramsForNetwork(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "new_client",
			"unknown network").
			WithContext("network", network)
	}
}

// IsConnected reports whether the request socket is live.
func (c *NodeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// Events exposes advisory client events (malformed responses, unmatched
// ids, reconnect outcomes).
func (c *NodeClient) Events() <-chan ClientEvent {
	return c.events
}

// PushNotifications exposes subscription messages received on the request
// socket.
func (c *NodeClient) PushNotifications() <-chan PushNotification {
	return c.push
}

// Close tears down both sockets, fails all pending requests and stops the
// cache. The client cannot be reused.
func (c *NodeClient) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.failAllPending(errors.New(errors.ErrorTypeConnection, "close", "client is closed"))

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.hub.shutdown()
	c.cache.Stop()

	c.log.LogConnection("closed", net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)))
	return err
}

// BlockSubsidy returns the block reward at the given height: the initial
// subsidy floor-halved once per completed halving interval.
func BlockSubsidy(height int64) btcutil.Amount {
	if height < 0 {
		return 0
	}
	halvings := height / subsidyHalvingInterval
	if halvings >= 64 {
		return 0
	}
	return btcutil.Amount(int64(initialSubsidy) >> uint(halvings))
}

// currentHeight returns the best known chain height, fetching it from the
// node the first time.
func (c *NodeClient) currentHeight(ctx context.Context) (int64, error) {
	if h := c.chainHeight.Load(); h > 0 {
		return h, nil
	}

	raw, err := c.RPC(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(raw, &height); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeProtocol, "getblockcount",
			"unexpected getblockcount result")
	}
	c.chainHeight.Store(height)
	return height, nil
}

// setChainHeight records the height observed from a block notification.
func (c *NodeClient) setChainHeight(height int64) {
	for {
		cur := c.chainHeight.Load()
		if height <= cur {
			return
		}
		if c.chainHeight.CompareAndSwap(cur, height) {
			return
		}
	}
}

// cachedTx pins the height computed at fetch time so a cached entry does
// not drift as the chain advances.
type cachedTx struct {
	raw    *rawTransaction
	height int64
}

// fetchRaw resolves a raw transaction and its height, consulting the
// cache unless disabled. Entries still at height 0 are re-fetched.
func (c *NodeClient) fetchRaw(ctx context.Context, txid string, useCache bool) (*rawTransaction, int64, error) {
	key := "tx:" + txid

	if useCache {
		if v, ok := c.cache.Get(key); ok {
			if ct, ok := v.(*cachedTx); ok && ct.height > 0 {
				return ct.raw, ct.height, nil
			}
		}
	}

	res, err := c.RPC(ctx, "getrawtransaction", []any{txid, true})
	if err != nil {
		return nil, 0, err
	}

	var raw rawTransaction
	if err := json.Unmarshal(res, &raw); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrorTypeProtocol, "getrawtransaction",
			"unexpected transaction encoding").
			WithContext("txid", txid)
	}

	var height int64
	if raw.Confirmations > 0 {
		tip, err := c.currentHeight(ctx)
		if err != nil {
			return nil, 0, err
		}
		height = tip - (raw.Confirmations - 1)
	}

	ct := &cachedTx{raw: &raw, height: height}
	if height == 0 {
		c.cache.SetWithTTL(key, ct, unconfirmedTTL)
	} else {
		c.cache.Set(key, ct)
	}

	return &raw, height, nil
}

// GetTransaction resolves a transaction and decorates it: outputs mapped
// to addresses, inputs resolved from their parents (or synthesized for
// coinbase), and the net fee computed.
func (c *NodeClient) GetTransaction(ctx context.Context, txid string, opts *TxOptions) (*Transaction, error) {
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "get_transaction",
			"invalid transaction id").
			WithContext("txid", txid)
	}

	useCache := opts == nil || !opts.NoCache

	raw, height, err := c.fetchRaw(ctx, txid, useCache)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		TxID:   raw.TxID,
		Height: height,
		RawHex: raw.Hex,
	}

	var sumOut btcutil.Amount
	for _, vout := range raw.Vout {
		out, standard, err := c.resolveOutput(raw.TxID, height, vout)
		if err != nil {
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, out)
		tx.IsStandard = append(tx.IsStandard, standard)
		sumOut += out.Value
	}

	var sumIn btcutil.Amount
	for i, vin := range raw.Vin {
		in, parentHeight, err := c.resolveInput(ctx, height, vin, useCache)
		if err != nil {
			return nil, err
		}
		tx.Inputs = append(tx.Inputs, in)
		sumIn += in.Value
		if !in.Coinbase && parentHeight == 0 {
			tx.UnconfirmedInputs = append(tx.UnconfirmedInputs, i)
		}
	}

	// A pure-coinbase transaction reports fee 0, never a negative number.
	if sumIn != 0 {
		tx.Fee = sumIn - sumOut
	}

	return tx, nil
}

// resolveOutput maps one raw output to an address. Outputs whose script
// resolves to no address are retained and flagged non-standard.
func (c *NodeClient) resolveOutput(parentTxID string, parentHeight int64, vout rawTxOut) (TxOutput, bool, error) {
	value, err := btcutil.NewAmount(vout.Value)
	if err != nil {
		return TxOutput{}, false, errors.Wrap(err, errors.ErrorTypeProtocol, "resolve_output",
			"invalid output value").
			WithContext("txid", parentTxID).
			WithContext("vout", vout.N)
	}

	address := vout.ScriptPubKey.Address
	if address == "" && len(vout.ScriptPubKey.Addresses) > 0 {
		address = vout.ScriptPubKey.Addresses[0]
	}
	if address == "" && vout.ScriptPubKey.Hex != "" {
		if script, err := hex.DecodeString(vout.ScriptPubKey.Hex); err == nil {
			if _, addrs, _, err := txscript.ExtractPkScriptAddrs(script, c.chainParams); err == nil && len(addrs) > 0 {
				address = addrs[0].EncodeAddress()
			}
		}
	}

	out := TxOutput{
		Address:      address,
		Value:        value,
		Script:       vout.ScriptPubKey.Hex,
		Index:        vout.N,
		ParentTxID:   parentTxID,
		ParentHeight: parentHeight,
	}
	return out, address != "", nil
}

// resolveInput resolves one raw input by re-fetching its parent
// transaction, or synthesizes a coinbase input carrying the subsidy at
// the coinbase's own height (one below the owning transaction).
func (c *NodeClient) resolveInput(ctx context.Context, txHeight int64, vin rawTxIn, useCache bool) (TxInput, int64, error) {
	if vin.Coinbase != "" {
		return TxInput{
			Coinbase: true,
			Value:    BlockSubsidy(txHeight - 1),
		}, txHeight, nil
	}

	parent, parentHeight, err := c.fetchRaw(ctx, vin.TxID, useCache)
	if err != nil {
		return TxInput{}, 0, err
	}
	if int(vin.Vout) >= len(parent.Vout) {
		return TxInput{}, 0, errors.New(errors.ErrorTypeProtocol, "resolve_input",
			"input references a missing parent output").
			WithContext("parent", vin.TxID).
			WithContext("vout", vin.Vout)
	}

	src, _, err := c.resolveOutput(parent.TxID, parentHeight, parent.Vout[vin.Vout])
	if err != nil {
		return TxInput{}, 0, err
	}

	return TxInput{
		PrevTxID:  vin.TxID,
		PrevIndex: vin.Vout,
		Address:   src.Address,
		Value:     src.Value,
	}, parentHeight, nil
}

// GetAddressHistory returns the decorated transactions touching an
// address, oldest first.
func (c *NodeClient) GetAddressHistory(ctx context.Context, address string) ([]*Transaction, error) {
	if address == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "get_address_history",
			"empty address")
	}

	return circuit.ExecuteWithResult(ctx, c.breaker, func() ([]*Transaction, error) {
		res, err := c.RPC(ctx, "getaddresshistory", []any{address})
		if err != nil {
			return nil, err
		}

		var items []rawHistoryItem
		if err := json.Unmarshal(res, &items); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "get_address_history",
				"unexpected history encoding").
				WithContext("address", address)
		}

		history := make([]*Transaction, 0, len(items))
		for _, item := range items {
			tx, err := c.GetTransaction(ctx, item.TxID, nil)
			if err != nil {
				return nil, err
			}
			history = append(history, tx)
		}
		return history, nil
	})
}

// GetBalance returns the node-reported balance for an address.
func (c *NodeClient) GetBalance(ctx context.Context, address string) (*AddressBalance, error) {
	if address == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "get_balance", "empty address")
	}

	res, err := c.RPC(ctx, "getaddressbalance", []any{address})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Confirmed   float64 `json:"confirmed"`
		Unconfirmed float64 `json:"unconfirmed"`
	}
	if err := json.Unmarshal(res, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "get_balance",
			"unexpected balance encoding").
			WithContext("address", address)
	}

	confirmed, err := btcutil.NewAmount(raw.Confirmed)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "get_balance", "invalid confirmed amount")
	}
	unconfirmed, err := btcutil.NewAmount(raw.Unconfirmed)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "get_balance", "invalid unconfirmed amount")
	}

	return &AddressBalance{Confirmed: confirmed, Unconfirmed: unconfirmed}, nil
}

// BroadcastTransaction submits a raw transaction and returns its txid.
func (c *NodeClient) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	if _, err := hex.DecodeString(rawHex); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "broadcast",
			"transaction is not valid hex")
	}

	return circuit.ExecuteWithResult(ctx, c.breaker, func() (string, error) {
		res, err := c.RPC(ctx, "sendrawtransaction", []any{rawHex})
		if err != nil {
			return "", err
		}
		var txid string
		if err := json.Unmarshal(res, &txid); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeProtocol, "broadcast",
				"unexpected broadcast result")
		}
		return txid, nil
	})
}

// fetchBlock resolves both the decoded and raw encodings of a block for
// the block feed.
func (c *NodeClient) fetchBlock(hash string) (int64, string, error) {
	if _, err := chainhash.NewHashFromStr(hash); err != nil {
		return 0, "", errors.Wrap(err, errors.ErrorTypeValidation, "fetch_block",
			"invalid block hash").
			WithContext("hash", hash)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := c.RPC(ctx, "getblock", []any{hash, true})
	if err != nil {
		return 0, "", err
	}
	var blk rawBlock
	if err := json.Unmarshal(res, &blk); err != nil {
		return 0, "", errors.Wrap(err, errors.ErrorTypeProtocol, "fetch_block",
			"unexpected block encoding").
			WithContext("hash", hash)
	}

	res, err = c.RPC(ctx, "getblock", []any{hash, false})
	if err != nil {
		return 0, "", err
	}
	var rawHex string
	if err := json.Unmarshal(res, &rawHex); err != nil {
		return 0, "", errors.Wrap(err, errors.ErrorTypeProtocol, "fetch_block",
			"unexpected raw block encoding").
			WithContext("hash", hash)
	}

	c.setChainHeight(blk.Height)
	return blk.Height, rawHex, nil
}

// SubscribeToBlocks starts the block feed on the shared event socket.
func (c *NodeClient) SubscribeToBlocks() (<-chan BlockNotification, error) {
	return c.hub.subscribeBlocks()
}

// UnsubscribeFromBlocks stops the block feed.
func (c *NodeClient) UnsubscribeFromBlocks() error {
	return c.hub.unsubscribeBlocks()
}

// SubscribeToAddress watches an address on the shared raw-transaction feed.
func (c *NodeClient) SubscribeToAddress(address string) (<-chan TxNotification, error) {
	return c.hub.subscribeAddress(address)
}

// UnsubscribeFromAddress stops watching an address.
func (c *NodeClient) UnsubscribeFromAddress(address string) error {
	return c.hub.unsubscribeAddress(address)
}
