package chaindata

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	zmq "github.com/pebbe/zmq4"

	"github.com/meridianwallet/chaind/pkg/errors"
	"github.com/meridianwallet/chaind/pkg/log"
)

const (
	// blockHashTopic carries 32-byte block hashes.
	blockHashTopic = "hashblock"

	// rawTxTopic carries raw transaction bytes.
	rawTxTopic = "rawtx"

	// recvPollInterval is how long the receive loop idles when no message
	// is ready. The cancellation signal is checked on every iteration, so
	// teardown never waits for a new message.
	recvPollInterval = 10 * time.Millisecond
)

// eventHub owns the shared event socket. It is opened lazily on the first
// subscription and closed once neither the block feed nor the address feed
// has subscribers.
type eventHub struct {
	endpoint    string
	chainParams *chaincfg.Params
	client      *NodeClient
	log         *log.Logger

	mu           sync.Mutex
	socket       *zmq.Socket
	cancel       chan struct{}
	running      bool
	blocksActive bool
	watch        map[string]struct{}

	blockC chan BlockNotification
	txC    chan TxNotification
}

func newEventHub(endpoint string, params *chaincfg.Params, client *NodeClient, logger *log.Logger) *eventHub {
	return &eventHub{
		endpoint:    endpoint,
		chainParams: params,
		client:      client,
		log:         logger.WithComponent("events"),
		watch:       make(map[string]struct{}),
		blockC:      make(chan BlockNotification, 16),
		txC:         make(chan TxNotification, 64),
	}
}

// ensureRunningLocked opens the socket and starts the receive loop if it
// is not already live. Callers hold h.mu.
func (h *eventHub) ensureRunningLocked() error {
	if h.running {
		return nil
	}

	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "event_socket",
			"failed to create event socket")
	}
	if err := socket.Connect(h.endpoint); err != nil {
		_ = socket.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "event_socket",
			"failed to connect event socket").
			WithContext("endpoint", h.endpoint)
	}

	h.socket = socket
	h.cancel = make(chan struct{})
	h.running = true

	go h.receiveLoop(socket, h.cancel)

	h.log.Info("event socket connected", "endpoint", h.endpoint)
	return nil
}

// teardownIfIdleLocked retires the socket once no feed has subscribers.
// The receive loop owns the socket and closes it when it observes the
// cancellation signal; closing it here would race a concurrent receive.
// Callers hold h.mu.
func (h *eventHub) teardownIfIdleLocked() {
	if !h.running || h.blocksActive || len(h.watch) > 0 {
		return
	}

	close(h.cancel)
	h.socket = nil
	h.running = false

	h.log.Info("event socket closed", "endpoint", h.endpoint)
}

// shutdown force-closes the socket regardless of subscribers.
func (h *eventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.blocksActive = false
	h.watch = make(map[string]struct{})
	h.teardownIfIdleLocked()
}

func (h *eventHub) subscribeBlocks() (<-chan BlockNotification, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureRunningLocked(); err != nil {
		return nil, err
	}
	if !h.blocksActive {
		if err := h.socket.SetSubscribe(blockHashTopic); err != nil {
			h.teardownIfIdleLocked()
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "subscribe_blocks",
				"failed to subscribe to block topic")
		}
		h.blocksActive = true
	}
	return h.blockC, nil
}

func (h *eventHub) unsubscribeBlocks() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.blocksActive {
		return nil
	}
	h.blocksActive = false
	if h.socket != nil {
		_ = h.socket.SetUnsubscribe(blockHashTopic)
	}
	h.teardownIfIdleLocked()
	return nil
}

// subscribeAddress adds an address to the watch list. The first watched
// address opens the shared raw-transaction feed; later ones only extend
// the list.
func (h *eventHub) subscribeAddress(address string) (<-chan TxNotification, error) {
	if address == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "subscribe_address", "empty address")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureRunningLocked(); err != nil {
		return nil, err
	}
	if len(h.watch) == 0 {
		if err := h.socket.SetSubscribe(rawTxTopic); err != nil {
			h.teardownIfIdleLocked()
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "subscribe_address",
				"failed to subscribe to transaction topic")
		}
	}
	h.watch[address] = struct{}{}
	return h.txC, nil
}

func (h *eventHub) unsubscribeAddress(address string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.watch[address]; !ok {
		return nil
	}
	delete(h.watch, address)
	if len(h.watch) == 0 && h.socket != nil {
		_ = h.socket.SetUnsubscribe(rawTxTopic)
	}
	h.teardownIfIdleLocked()
	return nil
}

// receiveLoop reads (topic, payload) pairs and redistributes them to the
// per-topic channels until cancelled. The loop is the socket's sole
// reader and closes it on exit.
func (h *eventHub) receiveLoop(socket *zmq.Socket, cancel <-chan struct{}) {
	defer func() { _ = socket.Close() }()
	for {
		select {
		case <-cancel:
			return
		default:
		}

		msg, err := socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) { // nothing ready
				select {
				case <-cancel:
					return
				case <-time.After(recvPollInterval):
				}
				continue
			}
			select {
			case <-cancel:
				return
			default:
			}
			h.log.Error("failed to receive event message", "error", err)
			continue
		}

		if len(msg) < 2 {
			h.log.Warn("received malformed event message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		payload := msg[1]

		h.log.LogNotification(topic, len(payload))

		switch topic {
		case blockHashTopic:
			h.handleBlockHash(payload)
		case rawTxTopic:
			h.handleRawTx(payload)
		default:
			h.log.Warn("unknown event topic", "topic", topic)
		}
	}
}

// handleBlockHash re-fetches the announced block and emits a block
// notification carrying its height and raw encoding.
func (h *eventHub) handleBlockHash(payload []byte) {
	if len(payload) != 32 {
		h.log.Warn("invalid block hash length", "length", len(payload))
		return
	}

	hash := reverseHex(payload)

	height, rawHex, err := h.client.fetchBlock(hash)
	if err != nil {
		h.log.WithError(err).Error("failed to fetch announced block", "hash", hash)
		return
	}

	select {
	case h.blockC <- BlockNotification{Hash: hash, Height: height, RawHex: rawHex}:
	default:
		h.log.Warn("block notification dropped", "hash", hash)
	}
}

// handleRawTx decodes the announced transaction and emits a notification
// if any of its outputs touches a watched address.
func (h *eventHub) handleRawTx(payload []byte) {
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(payload)); err != nil {
		h.log.WithError(err).Warn("failed to decode raw transaction event")
		return
	}

	var touched []string
	h.mu.Lock()
	for _, out := range msgTx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, h.chainParams)
		if err != nil || len(addrs) == 0 {
			continue
		}
		addr := addrs[0].EncodeAddress()
		if _, ok := h.watch[addr]; ok {
			touched = append(touched, addr)
		}
	}
	h.mu.Unlock()

	if len(touched) == 0 {
		return
	}

	n := TxNotification{
		TxID:      msgTx.TxHash().String(),
		RawHex:    hex.EncodeToString(payload),
		Addresses: touched,
	}

	select {
	case h.txC <- n:
	default:
		h.log.Warn("transaction notification dropped", "txid", n.TxID)
	}
}

// reverseHex reverses bytes and converts to hex string
func reverseHex(data []byte) string {
	reversed := make([]byte, len(data))
	for i := 0; i < len(data); i++ {
		reversed[i] = data[len(data)-1-i]
	}
	return fmt.Sprintf("%x", reversed)
}
