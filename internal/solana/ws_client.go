package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Erio-Harrison/defi-tools/internal/observability"
)

var (
	// ErrWSClosed is returned once the client has been closed.
	ErrWSClosed = errors.New("websocket client closed")

	errConnectionLost = errors.New("websocket connection lost")
	errNotConnected   = errors.New("websocket not connected")
)

// WSConfig configures WSStream.
type WSConfig struct {
	Backoff          Backoff       // reconnect delays
	PingInterval     time.Duration // keepalive ping period
	ReadTimeout      time.Duration // extended by every message and pong
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration // wait for a subscription id
	Commitment       string
	Buffer           int // per-subscription channel capacity
	Logger           *zap.Logger
}

// DefaultWSConfig returns the defaults used when NewWSClient gets nil.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		Backoff:          Backoff{Initial: time.Second, Max: 30 * time.Second, Factor: 2},
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		SubscribeTimeout: 30 * time.Second,
		Commitment:       DefaultCommitment,
		Buffer:           256,
	}
}

// WSStream implements WSClient over one gorilla/websocket connection that is
// re-dialed, and its subscriptions re-established, whenever it drops.
type WSStream struct {
	endpoint string
	cfg      WSConfig
	log      *zap.Logger
	dialer   websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn // nil while reconnecting

	nextID atomic.Uint64
	closed atomic.Bool

	mu      sync.Mutex
	gen     uint64 // bumped on every dropped connection
	pending map[uint64]chan wsReply
	watches map[*watch]struct{}
	bySub   map[int64]*watch

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// watch is one SubscribeAccount call. subID is guarded by WSStream.mu and
// is 0 while no server subscription backs it.
type watch struct {
	pubkey string
	subID  int64

	out  chan AccountNotification
	stop chan struct{}
	once sync.Once

	mu     sync.RWMutex // held for reading by senders
	closed bool
}

func (w *watch) send(n AccountNotification, done <-chan struct{}) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.out <- n:
	case <-w.stop:
	case <-done:
	}
}

func (w *watch) close() {
	w.once.Do(func() {
		close(w.stop)
		w.mu.Lock()
		w.closed = true
		close(w.out)
		w.mu.Unlock()
	})
}

type wsReply struct {
	result json.RawMessage
	err    error
}

// NewWSClient dials endpoint. A nil cfg uses DefaultWSConfig.
func NewWSClient(ctx context.Context, endpoint string, cfg *WSConfig) (*WSStream, error) {
	c := DefaultWSConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.Commitment == "" {
		c.Commitment = DefaultCommitment
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 1
	}
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &WSStream{
		endpoint: endpoint,
		cfg:      c,
		log:      log,
		dialer:   websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout},
		pending:  make(map[uint64]chan wsReply),
		watches:  make(map[*watch]struct{}),
		bySub:    make(map[int64]*watch),
		done:     make(chan struct{}),
	}

	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	s.attach(conn)
	s.wg.Add(1)
	go s.run(conn)
	return s, nil
}

// SubscribeAccount streams changes of pubkey until ctx is done or the client
// is closed; the channel is closed afterwards.
func (s *WSStream) SubscribeAccount(ctx context.Context, pubkey string) (<-chan AccountNotification, error) {
	if s.closed.Load() {
		return nil, ErrWSClosed
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	subID, err := s.subscribe(ctx, pubkey)
	if err != nil {
		return nil, err
	}

	w := &watch{
		pubkey: pubkey,
		subID:  subID,
		out:    make(chan AccountNotification, s.cfg.Buffer),
		stop:   make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, ErrWSClosed
	}
	s.watches[w] = struct{}{}
	stale := s.gen != gen
	if stale {
		// the id belongs to a connection that has since dropped
		w.subID = 0
	} else {
		s.bySub[subID] = w
	}
	s.mu.Unlock()
	if stale {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.resubscribe()
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
			s.unwatch(w)
		case <-w.stop:
		case <-s.done:
		}
	}()
	return w.out, nil
}

// Close stops the connection and closes every subscription channel.
func (s *WSStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)

		s.writeMu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = s.conn.Close()
		}
		s.writeMu.Unlock()

		s.wg.Wait()

		s.mu.Lock()
		watches := s.watches
		s.watches = make(map[*watch]struct{})
		s.bySub = make(map[int64]*watch)
		s.mu.Unlock()
		for w := range watches {
			w.close()
		}
	})
	return nil
}

// run owns the connection: it reads until the connection fails, then
// re-dials with backoff and restores the subscriptions.
func (s *WSStream) run(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		err := s.serve(conn)
		s.failPending()
		if s.closed.Load() {
			return
		}
		s.log.Warn("websocket connection lost", zap.String("endpoint", s.endpoint), zap.Error(err))
		s.orphanWatches()

		conn = s.redial()
		if conn == nil {
			return
		}
		if !s.attach(conn) {
			_ = conn.Close()
			return
		}
		observability.RecordWSReconnect()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.resubscribe()
		}()
	}
}

// redial returns a fresh connection, or nil once the client is closed.
func (s *WSStream) redial() *websocket.Conn {
	delay := s.cfg.Backoff.Initial
	for {
		select {
		case <-s.done:
			return nil
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout+time.Second)
		conn, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
		cancel()
		if err == nil {
			return conn
		}
		s.log.Warn("websocket redial failed", zap.Duration("delay", delay), zap.Error(err))
		delay = s.cfg.Backoff.next(delay)
	}
}

// serve reads conn, already attached, until it fails.
func (s *WSStream) serve(conn *websocket.Conn) error {
	defer s.detach(conn)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.keepalive(conn, stopPing)

	extend := func() error { return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)) }
	conn.SetPongHandler(func(string) error { return extend() })

	for {
		if err := extend(); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		start := time.Now()
		s.dispatch(msg)
		observability.RecordWSMessage(time.Since(start).Seconds())
	}
}

// attach makes conn the write target. It reports false once the client is closed.
func (s *WSStream) attach(conn *websocket.Conn) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conn = conn
	return true
}

func (s *WSStream) detach(conn *websocket.Conn) {
	s.writeMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.writeMu.Unlock()
	_ = conn.Close()
}

func (s *WSStream) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// a dead peer surfaces as a read error in serve
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
		}
	}
}

// wsMessage covers replies and notifications.
type wsMessage struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot int64 `json:"slot"`
			} `json:"context"`
			Value wireAccount `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func (s *WSStream) dispatch(raw []byte) {
	var m wsMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		s.log.Debug("undecodable websocket message", zap.Error(err))
		return
	}

	switch {
	case m.Method == "accountNotification" && m.Params != nil:
		s.mu.Lock()
		w := s.bySub[m.Params.Subscription]
		s.mu.Unlock()
		if w == nil {
			return
		}
		w.send(AccountNotification{
			Pubkey:  w.pubkey,
			Slot:    m.Params.Result.Context.Slot,
			Account: m.Params.Result.Value.info(),
		}, s.done)

	case m.ID != 0:
		s.mu.Lock()
		ch, ok := s.pending[m.ID]
		delete(s.pending, m.ID)
		s.mu.Unlock()
		if !ok {
			return
		}
		reply := wsReply{result: m.Result}
		if m.Error != nil {
			reply.err = m.Error
		}
		ch <- reply
	}
}

// request sends method and waits for its reply.
func (s *WSStream) request(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan wsReply, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(s.cfg.SubscribeTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-ch:
		if !ok {
			return nil, errConnectionLost
		}
		return r.result, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%s: no reply after %s", method, s.cfg.SubscribeTimeout)
	case <-s.done:
		return nil, ErrWSClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failPending releases every request waiting on the dropped connection.
func (s *WSStream) failPending() {
	s.mu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

func (s *WSStream) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

func (s *WSStream) subscribe(ctx context.Context, pubkey string) (int64, error) {
	raw, err := s.request(ctx, "accountSubscribe", []any{
		pubkey,
		accountConfig{Encoding: "base64", Commitment: s.cfg.Commitment},
	})
	if err != nil {
		return 0, err
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("decode subscription id: %w", err)
	}
	return id, nil
}

func (s *WSStream) unsubscribe(id int64) {
	req := rpcRequest{JSONRPC: "2.0", ID: s.nextID.Add(1), Method: "accountUnsubscribe", Params: []any{id}}
	if err := s.write(req); err != nil {
		s.log.Debug("account unsubscribe failed", zap.Int64("subscription", id), zap.Error(err))
	}
}

func (s *WSStream) unwatch(w *watch) {
	s.mu.Lock()
	_, live := s.watches[w]
	delete(s.watches, w)
	id := w.subID
	if id != 0 {
		delete(s.bySub, id)
	}
	s.mu.Unlock()

	if live && id != 0 {
		s.unsubscribe(id)
	}
	w.close()
}

// orphanWatches forgets the server ids of a dropped connection.
func (s *WSStream) orphanWatches() {
	s.mu.Lock()
	s.gen++
	for w := range s.watches {
		w.subID = 0
	}
	s.bySub = make(map[int64]*watch)
	s.mu.Unlock()
}

// resubscribe gives every orphaned watch a subscription on the new connection.
func (s *WSStream) resubscribe() {
	s.mu.Lock()
	orphans := make([]*watch, 0, len(s.watches))
	for w := range s.watches {
		if w.subID == 0 {
			orphans = append(orphans, w)
		}
	}
	s.mu.Unlock()

	for _, w := range orphans {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubscribeTimeout)
		id, err := s.subscribe(ctx, w.pubkey)
		cancel()
		if err != nil {
			s.log.Warn("account resubscribe failed", zap.String("pubkey", w.pubkey), zap.Error(err))
			continue
		}

		s.mu.Lock()
		_, live := s.watches[w]
		if live && w.subID == 0 {
			w.subID = id
			s.bySub[id] = w
		}
		s.mu.Unlock()
		if !live {
			s.unsubscribe(id)
		}
	}
}

var _ WSClient = (*WSStream)(nil)
