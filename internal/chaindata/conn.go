package chaindata

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/meridianwallet/chaind/pkg/errors"
	"github.com/meridianwallet/chaind/pkg/retry"
)

const (
	// subscriptionSuffix marks a message as a push notification rather
	// than a call result.
	subscriptionSuffix = ".subscribe"

	// maxResponseSize bounds a single newline-delimited response line.
	maxResponseSize = 8 * 1024 * 1024

	dialTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
)

// pendingCall tracks one in-flight request from dispatch until its
// response arrives or the connection closes.
type pendingCall struct {
	method string
	done   chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Connect opens the request socket. Dial failures are retried on a fixed
// interval; exceeding the attempt cap fails the call with the last error
// attached.
func (c *NodeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return errors.New(errors.ErrorTypeConnection, "connect", "client is closed")
	case StateConnected, StateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	err := retry.Do(ctx, retry.FixedConfig(c.cfg.MaxReconnects, c.cfg.ReconnectInterval), c.dial)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return errors.Wrap(err, errors.ErrorTypeConnection, "connect",
			"gave up connecting to node").
			WithContext("max_attempts", c.cfg.MaxReconnects)
	}
	return nil
}

// dial performs a single connection attempt and, on success, installs the
// socket and starts the read loop.
func (c *NodeClient) dial() error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "dial",
			"failed to dial node request socket").
			WithContext("addr", addr)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New(errors.ErrorTypeConnection, "dial", "client is closed")
	}
	c.conn = conn
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.mu.Unlock()

	go c.readLoop(conn)

	c.log.LogConnection("connected", addr)
	return nil
}

// readLoop consumes newline-delimited JSON messages until the socket
// closes. Several messages arriving in one read are dispatched
// independently by the line scanner.
func (c *NodeClient) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := make([]byte, len(line))
		copy(msg, line)
		c.handleMessage(msg)
	}

	c.mu.Lock()
	if c.state == StateClosed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.conn = nil
	c.mu.Unlock()

	readErr := scanner.Err()
	c.failAllPending(errors.New(errors.ErrorTypeConnection, "read_loop",
		"connection closed"))
	c.emitEvent(ClientEvent{Kind: "disconnected", Message: "request socket closed", Err: readErr})

	go c.reconnectLoop(readErr)
}

// reconnectLoop schedules fixed-interval reconnection attempts after a
// mid-life disconnect. The attempt counter is reset only by a fresh
// successful connection.
func (c *NodeClient) reconnectLoop(lastErr error) {
	for {
		c.mu.Lock()
		if c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		c.mu.Unlock()

		if attempt > c.cfg.MaxReconnects {
			msg := "gave up reconnecting"
			if lastErr != nil {
				msg = fmt.Sprintf("gave up reconnecting: %v", lastErr)
			}
			c.emitEvent(ClientEvent{Kind: "reconnect_failed", Message: msg, Err: lastErr})
			return
		}

		c.log.LogReconnect(attempt, c.cfg.MaxReconnects, lastErr)
		time.Sleep(c.cfg.ReconnectInterval)

		if err := c.dial(); err != nil {
			lastErr = err
			continue
		}

		c.emitEvent(ClientEvent{Kind: "reconnected", Message: "request socket reestablished"})
		return
	}
}

// handleMessage parses and dispatches one inbound message. Parse failures
// and unmatched ids are advisory client events, never request failures.
func (c *NodeClient) handleMessage(line []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		c.emitEvent(ClientEvent{
			Kind:    "parse_error",
			Message: "malformed response line",
			Err:     err,
		})
		return
	}

	// Push notification: the topic is delivered to whoever awaits the id,
	// the payload goes to the push emitter.
	if strings.HasSuffix(resp.Method, subscriptionSuffix) {
		topic := strings.TrimSuffix(resp.Method, subscriptionSuffix)
		if resp.ID != "" {
			c.resolvePending(resp.ID, json.RawMessage(strconv.Quote(topic)), nil)
		}
		c.emitPush(PushNotification{Topic: topic, Params: resp.Params})
		return
	}

	if resp.ID == "" {
		c.emitEvent(ClientEvent{
			Kind:    "parse_error",
			Message: "response carries neither id nor subscription method",
		})
		return
	}

	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.emitEvent(ClientEvent{
			Kind:    "unmatched_response",
			Message: "response id matches no pending request: " + resp.ID,
		})
		return
	}

	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		call.done <- callResult{err: errors.New(errors.ErrorTypeRemote, call.method,
			"node returned an error").
			WithContext("raw_error", string(resp.Error)).
			WithContext("method", call.method)}
		return
	}

	// A literal null result is a valid null success.
	call.done <- callResult{result: resp.Result}
}

func (c *NodeClient) resolvePending(id string, result json.RawMessage, err error) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		call.done <- callResult{result: result, err: err}
	}
}

// failAllPending rejects every in-flight request with err.
func (c *NodeClient) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.done <- callResult{err: err}
	}
}

// newRequestID builds a locally unique request id from a timestamp plus a
// random suffix. Collision safety is probabilistic; pending requests are
// short-lived.
func newRequestID() string {
	return fmt.Sprintf("%d%04d", time.Now().UnixNano(), rand.Intn(10000))
}

// writeRequest frames the JSON-RPC body in a minimal envelope carrying
// basic authentication and content length, then writes it to the socket.
func (c *NodeClient) writeRequest(conn net.Conn, id, method string, params []any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "write_request",
			"failed to encode request").
			WithContext("method", method)
	}

	var buf bytes.Buffer
	buf.WriteString("POST / HTTP/1.1\r\n")
	if c.cfg.User != "" {
		token := base64.StdEncoding.EncodeToString([]byte(c.cfg.User + ":" + c.cfg.Password))
		buf.WriteString("Authorization: Basic " + token + "\r\n")
	}
	buf.WriteString("Content-Type: application/json\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body)+1)
	buf.Write(body)
	buf.WriteByte('\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "write_request",
			"failed to set write deadline")
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "write_request",
			"failed to write request").
			WithContext("method", method)
	}
	return nil
}

// RPC issues a call on the request socket and waits for the correlated
// response. Concurrent calls are bounded only by the pending-request map.
func (c *NodeClient) RPC(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil, errors.New(errors.ErrorTypeConnection, method, "client is closed")
	case StateConnected:
	default:
		state := c.state
		c.mu.Unlock()
		return nil, errors.New(errors.ErrorTypeConnection, method, "not connected").
			WithContext("state", state.String())
	}

	conn := c.conn
	id := newRequestID()
	call := &pendingCall{
		method: method,
		done:   make(chan callResult, 1),
	}
	c.pending[id] = call
	c.mu.Unlock()

	if err := c.writeRequest(conn, id, method, params); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res := <-call.done:
		return res.result, res.err
	}
}

// emitEvent reports an advisory condition without blocking the read loop.
func (c *NodeClient) emitEvent(ev ClientEvent) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("client event dropped", "kind", ev.Kind)
	}
}

func (c *NodeClient) emitPush(n PushNotification) {
	select {
	case c.push <- n:
	default:
		c.log.Debug("push notification dropped", "topic", n.Topic)
	}
}
