package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Erio-Harrison/defi-tools/internal/observability"
)

// Client defaults.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultCommitment = "confirmed"
)

// Backoff is the delay schedule between retries of one call.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff doubles from one second up to ten.
var DefaultBackoff = Backoff{Initial: time.Second, Max: 10 * time.Second, Factor: 2}

// next returns the delay that follows d.
func (b Backoff) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Factor)
	if d > b.Max {
		return b.Max
	}
	return d
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Node-side conditions that clear on their own.
const (
	codeNodeBehind        = -32005
	codeSlotSkipped       = -32007
	codeLongTermSlotStore = -32009
)

// Retryable reports whether the node may answer the same call later.
func (e *RPCError) Retryable() bool {
	switch e.Code {
	case codeNodeBehind, codeSlotSkipped, codeLongTermSlotStore:
		return true
	}
	return false
}

// HTTPClient implements RPCClient over HTTP JSON-RPC 2.0.
type HTTPClient struct {
	endpoint   string
	client     *http.Client
	commitment string
	maxRetries int
	backoff    Backoff
	log        *zap.Logger
	nextID     atomic.Uint64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithMaxRetries sets how often a failed attempt is repeated.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithBackoff sets the retry delay schedule.
func WithBackoff(b Backoff) ClientOption {
	return func(c *HTTPClient) {
		c.backoff = b
	}
}

// WithCommitment sets the commitment of account reads.
func WithCommitment(level string) ClientOption {
	return func(c *HTTPClient) {
		if level != "" {
			c.commitment = level
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithLogger logs retried attempts.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *HTTPClient) {
		c.log = log
	}
}

// NewHTTPClient creates a client for endpoint.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: DefaultTimeout},
		commitment: DefaultCommitment,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// accountConfig is the options object of the account read methods.
type accountConfig struct {
	Encoding   string       `json:"encoding"`
	Commitment string       `json:"commitment,omitempty"`
	Filters    []filterSpec `json:"filters,omitempty"`
}

type filterSpec struct {
	Memcmp memcmpSpec `json:"memcmp"`
}

type memcmpSpec struct {
	Offset uint64 `json:"offset"`
	Bytes  string `json:"bytes"`
}

func (c *HTTPClient) accountConfig() accountConfig {
	return accountConfig{Encoding: "base64", Commitment: c.commitment}
}

// errTransient marks attempt failures worth repeating.
var errTransient = errors.New("transient")

// call runs method, retrying transport failures, 429/5xx replies and
// retryable node errors with backoff.
func (c *HTTPClient) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
	}()

	delay := c.backoff.Initial
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying rpc call",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = c.backoff.next(delay)
		}

		raw, err := c.attempt(ctx, body)
		if err == nil {
			if result == nil || len(raw) == 0 {
				return nil
			}
			if err := json.Unmarshal(raw, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && !rpcErr.Retryable() {
			return err
		}
		if !errors.As(err, &rpcErr) && !errors.Is(err, errTransient) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s: retries exhausted: %w", method, lastErr)
}

// attempt performs one POST and returns the raw result.
func (c *HTTPClient) attempt(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %v", errTransient, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", errTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", errTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, payload)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", errTransient, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// wireAccount is an account as the node encodes it.
type wireAccount struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"` // [payload, encoding]
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

func (w *wireAccount) info() AccountInfo {
	info := AccountInfo{
		Lamports:   w.Lamports,
		Owner:      w.Owner,
		Executable: w.Executable,
		RentEpoch:  w.RentEpoch,
	}
	if len(w.Data) > 0 {
		info.Data = w.Data[0]
	}
	return info
}

type contextValue[T any] struct {
	Value T `json:"value"`
}

// GetAccountInfo retrieves one account. Returns nil if the account does not exist.
func (c *HTTPClient) GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error) {
	var result contextValue[*wireAccount]
	if err := c.call(ctx, "getAccountInfo", []any{pubkey, c.accountConfig()}, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	info := result.Value.info()
	return &info, nil
}

// GetMultipleAccounts retrieves accounts in request order; missing accounts are nil.
func (c *HTTPClient) GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*AccountInfo, error) {
	if len(pubkeys) == 0 {
		return nil, nil
	}
	var result contextValue[[]*wireAccount]
	if err := c.call(ctx, "getMultipleAccounts", []any{pubkeys, c.accountConfig()}, &result); err != nil {
		return nil, err
	}
	if len(result.Value) != len(pubkeys) {
		return nil, fmt.Errorf("getMultipleAccounts: %d accounts for %d keys", len(result.Value), len(pubkeys))
	}

	accounts := make([]*AccountInfo, len(pubkeys))
	for i, w := range result.Value {
		if w != nil {
			info := w.info()
			accounts[i] = &info
		}
	}
	return accounts, nil
}

// GetProgramAccounts retrieves every account owned by program matching all filters.
func (c *HTTPClient) GetProgramAccounts(ctx context.Context, program string, filters []MemcmpFilter) ([]KeyedAccount, error) {
	cfg := c.accountConfig()
	for _, f := range filters {
		cfg.Filters = append(cfg.Filters, filterSpec{Memcmp: memcmpSpec{Offset: f.Offset, Bytes: f.Bytes}})
	}

	var result []struct {
		Pubkey  string      `json:"pubkey"`
		Account wireAccount `json:"account"`
	}
	if err := c.call(ctx, "getProgramAccounts", []any{program, cfg}, &result); err != nil {
		return nil, err
	}

	accounts := make([]KeyedAccount, 0, len(result))
	for _, r := range result {
		accounts = append(accounts, KeyedAccount{Pubkey: r.Pubkey, Account: r.Account.info()})
	}
	return accounts, nil
}

// GetSlot retrieves the current slot at the client's commitment.
func (c *HTTPClient) GetSlot(ctx context.Context) (int64, error) {
	var slot int64
	params := []any{map[string]string{"commitment": c.commitment}}
	if err := c.call(ctx, "getSlot", params, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetBlockTime retrieves the estimated production time of a block.
// Returns nil if the cluster has no time for the slot.
func (c *HTTPClient) GetBlockTime(ctx context.Context, slot int64) (*int64, error) {
	var ts *int64
	if err := c.call(ctx, "getBlockTime", []any{slot}, &ts); err != nil {
		return nil, err
	}
	return ts, nil
}

var _ RPCClient = (*HTTPClient)(nil)
