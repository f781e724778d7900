package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"yield-vault/internal/domain"
	"yield-vault/internal/observability"
)

// ErrClientClosed is returned by calls on a closed client.
var ErrClientClosed = errors.New("client closed")

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscription id.
	SubscribeTimeout time.Duration
	// Logger receives connection errors. Discarded when nil.
	Logger *log.Logger
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
	}
}

// accountSub is one live accountSubscribe, re-issued after reconnect.
type accountSub struct {
	addr domain.Address
	ch   chan AccountNotification
}

// pendingSub is an accountSubscribe waiting for its subscription id.
type pendingSub struct {
	sub     *accountSub
	confirm chan uint64
}

// WSClientImpl implements WSClient using gorilla/websocket.
type WSClientImpl struct {
	endpoint string
	config   WSClientConfig
	logger   *log.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	// subs maps the server subscription id to its subscriber.
	subs map[uint64]*accountSub
	// orphans failed to resubscribe; the next reconnect retries them.
	orphans []*accountSub
	subsMu  sync.RWMutex

	// pending maps request id to the subscription awaiting its id.
	pending   map[uint64]*pendingSub
	pendingMu sync.Mutex

	done         chan struct{}
	wg           sync.WaitGroup
	reconnecting atomic.Bool
}

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClientImpl, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	c := &WSClientImpl{
		endpoint: endpoint,
		config:   cfg,
		logger:   logger,
		subs:     make(map[uint64]*accountSub),
		pending:  make(map[uint64]*pendingSub),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

func (c *WSClientImpl) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// SubscribeAccount subscribes to changes of the account at addr.
func (c *WSClientImpl) SubscribeAccount(ctx context.Context, addr domain.Address) (<-chan AccountNotification, error) {
	sub := &accountSub{addr: addr, ch: make(chan AccountNotification, 256)}
	if _, err := c.subscribe(ctx, sub); err != nil {
		return nil, err
	}
	return sub.ch, nil
}

// subscribe sends accountSubscribe for sub and waits for the subscription
// id. handleMessage registers sub under that id before any notification
// for it is read.
func (c *WSClientImpl) subscribe(ctx context.Context, sub *accountSub) (uint64, error) {
	if c.closed.Load() {
		return 0, ErrClientClosed
	}

	reqID := c.requestID.Add(1)
	p := &pendingSub{sub: sub, confirm: make(chan uint64, 1)}
	c.pendingMu.Lock()
	c.pending[reqID] = p
	c.pendingMu.Unlock()

	// abandon undoes a subscription the caller will never read from.
	abandon := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		c.dropSub(sub)
	}

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "accountSubscribe",
		Params: []any{
			sub.addr.String(),
			map[string]string{"encoding": "base64", "commitment": Commitment},
		},
	}
	if err := c.write(req); err != nil {
		abandon()
		return 0, err
	}

	timer := time.NewTimer(c.config.SubscribeTimeout)
	defer timer.Stop()

	select {
	case subID, ok := <-p.confirm:
		if !ok {
			return 0, ErrClientClosed
		}
		return subID, nil
	case <-timer.C:
		abandon()
		return 0, fmt.Errorf("accountSubscribe %s: timeout after %s", sub.addr, c.config.SubscribeTimeout)
	case <-c.done:
		return 0, ErrClientClosed
	case <-ctx.Done():
		abandon()
		return 0, ctx.Err()
	}
}

// dropSub removes every registration of sub.
func (c *WSClientImpl) dropSub(sub *accountSub) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for id, s := range c.subs {
		if s == sub {
			delete(c.subs, id)
		}
	}
}

func (c *WSClientImpl) write(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close closes the WebSocket connection.
func (c *WSClientImpl) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()

	c.subsMu.Lock()
	for id, s := range c.subs {
		close(s.ch)
		delete(c.subs, id)
	}
	for _, s := range c.orphans {
		close(s.ch)
	}
	c.orphans = nil
	c.subsMu.Unlock()

	c.pendingMu.Lock()
	for id, p := range c.pending {
		close(p.confirm)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	return nil
}

// readLoop reads messages and dispatches them, reconnecting on read errors.
func (c *WSClientImpl) readLoop() {
	defer c.wg.Done()

	delay := c.config.ReconnectDelay
	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.sleep(100 * time.Millisecond) {
				return
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Printf("[ws] read failed, reconnecting in %s: %v", delay, err)
			if !c.reconnecting.Swap(true) {
				c.wg.Add(1)
				go c.reconnect(delay)
			}
			delay = min(delay*2, c.config.MaxReconnectDelay)
			if !c.sleep(100 * time.Millisecond) {
				return
			}
			continue
		}

		delay = c.config.ReconnectDelay
		start := time.Now()
		c.handleMessage(message)
		observability.RecordWSMessage(time.Since(start).Seconds())
	}
}

// sleep waits for d and reports false if the client closed meanwhile.
func (c *WSClientImpl) sleep(d time.Duration) bool {
	select {
	case <-c.done:
		return false
	case <-time.After(d):
		return true
	}
}

// reconnect replaces the connection and re-issues every subscription.
func (c *WSClientImpl) reconnect(delay time.Duration) {
	defer c.wg.Done()
	defer c.reconnecting.Store(false)

	if !c.sleep(delay) {
		return
	}

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := c.connect(ctx); err != nil {
		c.logger.Printf("[ws] reconnect failed: %v", err)
		return
	}

	// Ids from the old connection mean nothing on the new one.
	c.subsMu.Lock()
	live := c.orphans
	c.orphans = nil
	for id, s := range c.subs {
		live = append(live, s)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	for _, s := range live {
		if _, err := c.subscribe(ctx, s); err != nil {
			if !errors.Is(err, ErrClientClosed) {
				c.logger.Printf("[ws] resubscribe %s failed: %v", s.addr, err)
			}
			c.subsMu.Lock()
			c.orphans = append(c.orphans, s)
			c.subsMu.Unlock()
		}
	}
}

func (c *WSClientImpl) handleMessage(message []byte) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Printf("[ws] malformed message: %v", err)
		return
	}

	switch {
	case msg.Method == "accountNotification" && msg.Params != nil:
		c.handleAccountNotification(msg.Params)
	case msg.Error != nil:
		c.logger.Printf("[ws] error response id=%d: code=%d msg=%s", msg.ID, msg.Error.Code, msg.Error.Message)
	case msg.ID != 0 && len(msg.Result) > 0:
		var subID uint64
		if err := json.Unmarshal(msg.Result, &subID); err != nil {
			return
		}
		c.pendingMu.Lock()
		p, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
		if !ok {
			return
		}
		// Registered before the next message is read, so the first
		// notification for subID always finds its subscriber.
		c.subsMu.Lock()
		c.subs[subID] = p.sub
		c.subsMu.Unlock()
		p.confirm <- subID
	}
}

func (c *WSClientImpl) handleAccountNotification(p *wsNotificationParams) {
	c.subsMu.RLock()
	s, ok := c.subs[p.Subscription]
	c.subsMu.RUnlock()
	if !ok {
		return
	}

	n := AccountNotification{Address: s.addr, Slot: p.Result.Context.Slot}
	if p.Result.Value != nil && p.Result.Value.Lamports > 0 {
		info, err := p.Result.Value.toAccountInfo(s.addr, n.Slot)
		if err != nil {
			c.logger.Printf("[ws] decode notification for %s: %v", s.addr, err)
			return
		}
		n.Account = info
	}
	observability.UpdateHighestSlot(n.Slot)

	// Block rather than drop: the mirror must see the latest state.
	select {
	case s.ch <- n:
	case <-c.done:
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClientImpl) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// A dead connection surfaces as a read error.
				_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// wsMessage covers subscription responses, errors and notifications.
type wsMessage struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      uint64                `json:"id"`
	Result  json.RawMessage       `json:"result"`
	Error   *RPCError             `json:"error"`
	Method  string                `json:"method"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription uint64 `json:"subscription"`
	Result       struct {
		Context rpcContext  `json:"context"`
		Value   *rpcAccount `json:"value"`
	} `json:"result"`
}

// Verify interface compliance at compile time.
var _ WSClient = (*WSClientImpl)(nil)
