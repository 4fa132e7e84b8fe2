package chaindata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/meridianwallet/chaind/pkg/cache"
	"github.com/meridianwallet/chaind/pkg/errors"
	"github.com/meridianwallet/chaind/pkg/log"
)

// fakeNode is an in-process node: it accepts request-socket connections,
// parses the framed requests and answers with newline-delimited JSON.
type fakeNode struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	handlers map[string]func(id string, params []json.RawMessage) string
	calls    map[string]int
	conns    []net.Conn
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	n := &fakeNode{
		t:        t,
		ln:       ln,
		handlers: make(map[string]func(string, []json.RawMessage) string),
		calls:    make(map[string]int),
	}
	go n.serve()
	t.Cleanup(n.stop)

	return n
}

func (n *fakeNode) stop() {
	_ = n.ln.Close()
	n.mu.Lock()
	for _, c := range n.conns {
		_ = c.Close()
	}
	n.mu.Unlock()
}

func (n *fakeNode) hostPort() (string, int) {
	addr := n.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

// handle registers a responder for a method. The responder returns one
// raw line to write back, or "" for no response.
func (n *fakeNode) handle(method string, fn func(id string, params []json.RawMessage) string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = fn
}

// result registers a responder that always succeeds with the given value.
func (n *fakeNode) result(method string, value any) {
	n.handle(method, func(id string, _ []json.RawMessage) string {
		b, _ := json.Marshal(value)
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, id, b)
	})
}

func (n *fakeNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) serve() {
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			return
		}
		n.mu.Lock()
		n.conns = append(n.conns, conn)
		n.mu.Unlock()
		go n.serveConn(conn)
	}
}

func (n *fakeNode) serveConn(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		contentLength := -1
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
				contentLength, _ = strconv.Atoi(v)
			}
		}
		if contentLength <= 0 {
			return
		}

		body := make([]byte, contentLength)
		if _, err := io.ReadFull(reader, body); err != nil {
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			n.t.Errorf("fake node received malformed request: %v", err)
			return
		}

		n.mu.Lock()
		n.calls[req.Method]++
		handler := n.handlers[req.Method]
		n.mu.Unlock()

		if handler == nil {
			n.write(conn, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-32601,"message":"method not found"}}`, req.ID))
			continue
		}

		var params []json.RawMessage
		for _, p := range req.Params {
			b, _ := json.Marshal(p)
			params = append(params, b)
		}
		if line := handler(req.ID, params); line != "" {
			n.write(conn, line)
		}
	}
}

func (n *fakeNode) write(conn net.Conn, line string) {
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		n.t.Logf("fake node write failed: %v", err)
	}
}

func newTestClient(t *testing.T, node *fakeNode) *NodeClient {
	t.Helper()

	host, port := node.hostPort()
	client, err := NewNodeClient(&Config{
		Host:              host,
		Port:              port,
		User:              "user",
		Password:          "pass",
		Network:           "mainnet",
		ReconnectInterval: 10 * time.Millisecond,
		MaxReconnects:     2,
		ZMQEndpoint:       "tcp://127.0.0.1:28999",
		Cache: &cache.Config{
			MaxEntries:    100,
			DefaultTTL:    time.Minute,
			SweepInterval: time.Minute,
		},
	}, log.New("chaind-test", "dev", "error", "text"))
	if err != nil {
		t.Fatalf("NewNodeClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return client
}

const (
	parentTxID   = "aa00000000000000000000000000000000000000000000000000000000000001"
	childTxID    = "aa00000000000000000000000000000000000000000000000000000000000002"
	coinbaseTxID = "aa00000000000000000000000000000000000000000000000000000000000003"
	mempoolTxID  = "aa00000000000000000000000000000000000000000000000000000000000004"
)

// installChain registers a small transaction graph on the fake node:
// a confirmed parent, a child spending parent:0, a coinbase transaction
// and an unconfirmed transaction spending the mempool.
func installChain(n *fakeNode, tip int64) {
	n.result("getblockcount", tip)

	txs := map[string]string{
		parentTxID: fmt.Sprintf(`{
			"txid": %q, "hex": "00", "confirmations": 10,
			"vin": [{"coinbase": "04ffff001d"}],
			"vout": [
				{"value": 1.5, "n": 0, "scriptPubKey": {"hex": "", "address": "1BitcoinEaterAddressDontSendf59kuE", "type": "pubkeyhash"}},
				{"value": 0.5, "n": 1, "scriptPubKey": {"hex": "6a146f6d6e69", "type": "nulldata"}}
			]
		}`, parentTxID),
		childTxID: fmt.Sprintf(`{
			"txid": %q, "hex": "01", "confirmations": 1,
			"vin": [{"txid": %q, "vout": 0}],
			"vout": [
				{"value": 1.2, "n": 0, "scriptPubKey": {"hex": "", "address": "1CounterpartyXXXXXXXXXXXXXXXUWLpVr", "type": "pubkeyhash"}}
			]
		}`, childTxID, parentTxID),
		coinbaseTxID: fmt.Sprintf(`{
			"txid": %q, "hex": "02", "confirmations": 5,
			"vin": [{"coinbase": "03abcdef"}],
			"vout": [
				{"value": 50.0, "n": 0, "scriptPubKey": {"hex": "", "address": "1BitcoinEaterAddressDontSendf59kuE", "type": "pubkeyhash"}}
			]
		}`, coinbaseTxID),
		mempoolTxID: fmt.Sprintf(`{
			"txid": %q, "hex": "03", "confirmations": 0,
			"vin": [{"txid": %q, "vout": 0}],
			"vout": [
				{"value": 1.0, "n": 0, "scriptPubKey": {"hex": "", "address": "1BitcoinEaterAddressDontSendf59kuE", "type": "pubkeyhash"}}
			]
		}`, mempoolTxID, parentTxID),
	}

	n.handle("getrawtransaction", func(id string, params []json.RawMessage) string {
		var txid string
		_ = json.Unmarshal(params[0], &txid)
		raw, ok := txs[txid]
		if !ok {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-5,"message":"no such transaction"}}`, id)
		}
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, id, raw)
	})
}

func TestRPCRoundTrip(t *testing.T) {
	node := newFakeNode(t)
	node.result("getblockcount", int64(650000))
	client := newTestClient(t, node)

	res, err := client.RPC(context.Background(), "getblockcount", nil)
	if err != nil {
		t.Fatalf("RPC() error = %v", err)
	}

	var height int64
	if err := json.Unmarshal(res, &height); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if height != 650000 {
		t.Errorf("height = %d, want 650000", height)
	}
}

func TestRPCConcurrentCalls(t *testing.T) {
	node := newFakeNode(t)
	node.handle("echo", func(id string, params []json.RawMessage) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, id, params[0])
	})
	client := newTestClient(t, node)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := client.RPC(context.Background(), "echo", []any{i})
			if err != nil {
				t.Errorf("RPC() error = %v", err)
				return
			}
			var got int
			_ = json.Unmarshal(res, &got)
			if got != i {
				t.Errorf("echo = %d, want %d (response correlated to wrong request)", got, i)
			}
		}()
	}
	wg.Wait()
}

func TestRPCRemoteError(t *testing.T) {
	node := newFakeNode(t)
	node.handle("getaddressbalance", func(id string, _ []json.RawMessage) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-5,"message":"invalid address"}}`, id)
	})
	client := newTestClient(t, node)

	_, err := client.RPC(context.Background(), "getaddressbalance", []any{"bogus"})
	if err == nil {
		t.Fatal("RPC() error = nil, want remote error")
	}
	if !errors.IsType(err, errors.ErrorTypeRemote) {
		t.Errorf("error type = %v, want remote", err)
	}
	if ctx := errors.GetContext(err); ctx["method"] != "getaddressbalance" {
		t.Errorf("error is missing originating method, context = %v", ctx)
	}
}

func TestRPCNullResultIsValid(t *testing.T) {
	node := newFakeNode(t)
	node.handle("getnull", func(id string, _ []json.RawMessage) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":null}`, id)
	})
	client := newTestClient(t, node)

	res, err := client.RPC(context.Background(), "getnull", nil)
	if err != nil {
		t.Fatalf("RPC() error = %v, null result must be a valid success", err)
	}
	if string(res) != "null" {
		t.Errorf("result = %q, want null", res)
	}
}

func TestRPCNotConnected(t *testing.T) {
	node := newFakeNode(t)
	host, port := node.hostPort()
	client, err := NewNodeClient(&Config{
		Host:              host,
		Port:              port,
		Network:           "mainnet",
		ReconnectInterval: 10 * time.Millisecond,
		MaxReconnects:     1,
	}, log.New("chaind-test", "dev", "error", "text"))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	_, err = client.RPC(context.Background(), "getblockcount", nil)
	if err == nil {
		t.Fatal("RPC() before Connect() must fail")
	}
	if !errors.IsType(err, errors.ErrorTypeConnection) {
		t.Errorf("error type = %v, want connection", err)
	}
}

func TestRPCAfterClose(t *testing.T) {
	node := newFakeNode(t)
	node.result("getblockcount", int64(1))
	client := newTestClient(t, node)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, err := client.RPC(context.Background(), "getblockcount", nil)
	if err == nil {
		t.Fatal("RPC() after Close() must fail")
	}
	if !errors.IsType(err, errors.ErrorTypeConnection) {
		t.Errorf("error type = %v, want connection", err)
	}
}

func TestConnectGivesUpAfterCap(t *testing.T) {
	// Listener closed immediately: every dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()

	client, err := NewNodeClient(&Config{
		Host:              "127.0.0.1",
		Port:              addr.Port,
		Network:           "mainnet",
		ReconnectInterval: 5 * time.Millisecond,
		MaxReconnects:     2,
	}, log.New("chaind-test", "dev", "error", "text"))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() to dead endpoint must fail")
	}
	if !errors.IsType(err, errors.ErrorTypeConnection) {
		t.Errorf("error type = %v, want connection", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
}

func TestMalformedLineIsAdvisory(t *testing.T) {
	node := newFakeNode(t)
	node.handle("ping", func(id string, _ []json.RawMessage) string {
		// Garbage first; the real response follows on its own line.
		return "{{not json}}\n" + fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":"pong"}`, id)
	})
	client := newTestClient(t, node)

	res, err := client.RPC(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("RPC() error = %v, malformed sibling line must not fail the call", err)
	}
	if string(res) != `"pong"` {
		t.Errorf("result = %s, want \"pong\"", res)
	}

	select {
	case ev := <-client.Events():
		if ev.Kind != "parse_error" {
			t.Errorf("event kind = %q, want parse_error", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Error("no advisory event for the malformed line")
	}
}

func TestUnmatchedResponseIsAdvisory(t *testing.T) {
	node := newFakeNode(t)
	node.handle("ping", func(id string, _ []json.RawMessage) string {
		return `{"jsonrpc":"2.0","id":"nobody-waits-for-this","result":1}` + "\n" +
			fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":"pong"}`, id)
	})
	client := newTestClient(t, node)

	if _, err := client.RPC(context.Background(), "ping", nil); err != nil {
		t.Fatalf("RPC() error = %v", err)
	}

	select {
	case ev := <-client.Events():
		if ev.Kind != "unmatched_response" {
			t.Errorf("event kind = %q, want unmatched_response", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Error("no advisory event for the unmatched response id")
	}
}

func TestSubscriptionPushRouting(t *testing.T) {
	node := newFakeNode(t)
	node.handle("blockchain.headers.subscribe", func(id string, _ []json.RawMessage) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"method":"blockchain.headers.subscribe","params":[{"height":650001}]}`, id)
	})
	client := newTestClient(t, node)

	res, err := client.RPC(context.Background(), "blockchain.headers.subscribe", nil)
	if err != nil {
		t.Fatalf("RPC() error = %v", err)
	}

	// The awaiting call receives the topic, the payload goes to the
	// push emitter.
	var topic string
	if err := json.Unmarshal(res, &topic); err != nil {
		t.Fatalf("unmarshal topic: %v", err)
	}
	if topic != "blockchain.headers" {
		t.Errorf("delivered topic = %q, want blockchain.headers", topic)
	}

	select {
	case push := <-client.PushNotifications():
		if push.Topic != "blockchain.headers" {
			t.Errorf("push topic = %q", push.Topic)
		}
		if !strings.Contains(string(push.Params), "650001") {
			t.Errorf("push params = %s", push.Params)
		}
	case <-time.After(time.Second):
		t.Error("push notification never arrived")
	}
}

func TestBlockSubsidy(t *testing.T) {
	tests := []struct {
		height int64
		want   btcutil.Amount
	}{
		{0, 50 * btcutil.SatoshiPerBitcoin},
		{209999, 50 * btcutil.SatoshiPerBitcoin},
		{210000, 25 * btcutil.SatoshiPerBitcoin},
		{419999, 25 * btcutil.SatoshiPerBitcoin},
		{420000, 12.5 * btcutil.SatoshiPerBitcoin},
		{-1, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("height_%d", tt.height), func(t *testing.T) {
			if got := BlockSubsidy(tt.height); got != tt.want {
				t.Errorf("BlockSubsidy(%d) = %d, want %d", tt.height, got, tt.want)
			}
		})
	}
}

func TestGetTransactionDecoration(t *testing.T) {
	node := newFakeNode(t)
	installChain(node, 650000)
	client := newTestClient(t, node)
	ctx := context.Background()

	t.Run("spend with resolved input", func(t *testing.T) {
		tx, err := client.GetTransaction(ctx, childTxID, nil)
		if err != nil {
			t.Fatalf("GetTransaction() error = %v", err)
		}

		if tx.Height != 650000 {
			t.Errorf("height = %d, want 650000 (tip - (confirmations-1))", tx.Height)
		}
		if len(tx.Inputs) != 1 || tx.Inputs[0].PrevTxID != parentTxID {
			t.Fatalf("inputs = %+v", tx.Inputs)
		}

		wantIn, _ := btcutil.NewAmount(1.5)
		wantOut, _ := btcutil.NewAmount(1.2)
		if tx.Inputs[0].Value != wantIn {
			t.Errorf("input value = %d, want %d", tx.Inputs[0].Value, wantIn)
		}
		if tx.Fee != wantIn-wantOut {
			t.Errorf("fee = %d, want %d", tx.Fee, wantIn-wantOut)
		}
		if len(tx.UnconfirmedInputs) != 0 {
			t.Errorf("unconfirmed inputs = %v, want none", tx.UnconfirmedInputs)
		}
	})

	t.Run("coinbase fee is zero", func(t *testing.T) {
		tx, err := client.GetTransaction(ctx, coinbaseTxID, nil)
		if err != nil {
			t.Fatalf("GetTransaction() error = %v", err)
		}
		if !tx.Inputs[0].Coinbase {
			t.Error("input not marked coinbase")
		}
		if tx.Fee != 0 {
			t.Errorf("coinbase fee = %d, want 0", tx.Fee)
		}
		// Subsidy is evaluated at the coinbase's own height, one below
		// the owning transaction.
		want := BlockSubsidy(tx.Height - 1)
		if tx.Inputs[0].Value != want {
			t.Errorf("coinbase input value = %d, want %d", tx.Inputs[0].Value, want)
		}
	})

	t.Run("non-standard output retained and flagged", func(t *testing.T) {
		tx, err := client.GetTransaction(ctx, parentTxID, nil)
		if err != nil {
			t.Fatalf("GetTransaction() error = %v", err)
		}
		if len(tx.Outputs) != 2 {
			t.Fatalf("outputs = %d, want 2", len(tx.Outputs))
		}
		if !tx.IsStandard[0] || tx.IsStandard[1] {
			t.Errorf("IsStandard = %v, want [true false]", tx.IsStandard)
		}
		if tx.Outputs[1].Address != "" {
			t.Errorf("non-standard output resolved address %q", tx.Outputs[1].Address)
		}
	})

	t.Run("unconfirmed tx and mempool parent flags", func(t *testing.T) {
		tx, err := client.GetTransaction(ctx, mempoolTxID, nil)
		if err != nil {
			t.Fatalf("GetTransaction() error = %v", err)
		}
		if tx.Height != 0 {
			t.Errorf("height = %d, want 0 for unconfirmed", tx.Height)
		}
	})

	t.Run("invalid txid", func(t *testing.T) {
		_, err := client.GetTransaction(ctx, "nothex", nil)
		if !errors.IsType(err, errors.ErrorTypeValidation) {
			t.Errorf("error = %v, want validation error", err)
		}
	})
}

func TestGetTransactionCacheHit(t *testing.T) {
	node := newFakeNode(t)
	installChain(node, 650000)
	client := newTestClient(t, node)
	ctx := context.Background()

	first, err := client.GetTransaction(ctx, childTxID, nil)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	fetchesAfterFirst := node.callCount("getrawtransaction")

	second, err := client.GetTransaction(ctx, childTxID, nil)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}

	if got := node.callCount("getrawtransaction"); got != fetchesAfterFirst {
		t.Errorf("second decoration hit the network: %d fetches, want %d", got, fetchesAfterFirst)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cached decoration differs:\nfirst  = %+v\nsecond = %+v", first, second)
	}
}

func TestHeightZeroNeverTrustedFromCache(t *testing.T) {
	node := newFakeNode(t)
	installChain(node, 650000)
	client := newTestClient(t, node)
	ctx := context.Background()

	if _, err := client.GetTransaction(ctx, mempoolTxID, nil); err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	first := node.callCount("getrawtransaction")

	if _, err := client.GetTransaction(ctx, mempoolTxID, nil); err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}

	// The mempool tx itself must be re-fetched; its confirmed parent may
	// come from cache.
	if got := node.callCount("getrawtransaction"); got != first+1 {
		t.Errorf("fetches = %d, want %d (height-0 entry must be re-fetched)", got, first+1)
	}
}

func TestGetAddressHistory(t *testing.T) {
	node := newFakeNode(t)
	installChain(node, 650000)
	node.result("getaddresshistory", []map[string]any{
		{"txid": parentTxID, "height": 649991},
		{"txid": childTxID, "height": 650000},
	})
	client := newTestClient(t, node)

	history, err := client.GetAddressHistory(context.Background(), "1BitcoinEaterAddressDontSendf59kuE")
	if err != nil {
		t.Fatalf("GetAddressHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].TxID != parentTxID || history[1].TxID != childTxID {
		t.Errorf("history order = %s, %s", history[0].TxID, history[1].TxID)
	}
}

func TestBroadcastTransaction(t *testing.T) {
	node := newFakeNode(t)
	node.result("sendrawtransaction", childTxID)
	client := newTestClient(t, node)

	txid, err := client.BroadcastTransaction(context.Background(), "010203")
	if err != nil {
		t.Fatalf("BroadcastTransaction() error = %v", err)
	}
	if txid != childTxID {
		t.Errorf("txid = %q, want %q", txid, childTxID)
	}

	if _, err := client.BroadcastTransaction(context.Background(), "zz"); err == nil {
		t.Error("BroadcastTransaction() accepted non-hex input")
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	node := newFakeNode(t)
	node.handle("hang", func(string, []json.RawMessage) string { return "" })
	client := newTestClient(t, node)

	done := make(chan error, 1)
	go func() {
		_, err := client.RPC(context.Background(), "hang", nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_ = client.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("pending request survived Close()")
		}
	case <-time.After(time.Second):
		t.Error("pending request not failed by Close()")
	}
}
