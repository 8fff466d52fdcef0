package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"
)

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcErrCodeUnsynced is returned by getblocktemplate while the daemon is
// still downloading the chain.
const rpcErrCodeUnsynced = -10

type httpStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *httpStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("rpc http status %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("rpc http status %s", e.Status)
}

// daemonRPCWhitelist is the set of daemon methods the pool is allowed to
// issue; anything else is refused at the client boundary.
var daemonRPCWhitelist = map[string]struct{}{
	"getblocktemplate":   {},
	"submitblock":        {},
	"getblock":           {},
	"getbestblockhash":   {},
	"getblockhash":       {},
	"validateaddress":    {},
	"getdifficulty":      {},
	"getmininginfo":      {},
	"getinfo":            {},
	"getblockchaininfo":  {},
	"getnetworkinfo":     {},
	"getpeerinfo":        {},
}

var errMethodNotAllowed = errors.New("rpc method not whitelisted")

// DaemonClient speaks JSON-RPC over HTTP to one coin daemon.
type DaemonClient struct {
	url     string
	user    string
	pass    string
	client  *http.Client
	idMu    sync.Mutex
	nextID  int
	metrics *PoolMetrics
}

func NewDaemonClient(cfg DaemonConfig, metrics *PoolMetrics) *DaemonClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   rpcRequestTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		IdleConnTimeout: 60 * time.Second,
	}
	return &DaemonClient{
		url:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		user: cfg.User,
		pass: cfg.Pass,
		client: &http.Client{
			Timeout:   rpcRequestTimeout,
			Transport: transport,
		},
		nextID:  1,
		metrics: metrics,
	}
}

func (c *DaemonClient) nextRequestID() int {
	c.idMu.Lock()
	id := c.nextID
	c.nextID++
	c.idMu.Unlock()
	return id
}

// Call issues a single RPC. Timeouts are retried with exponential backoff
// up to rpcMaxRetries; a refused connection surfaces immediately.
func (c *DaemonClient) Call(ctx context.Context, method string, params any, out any) error {
	if _, ok := daemonRPCWhitelist[method]; !ok {
		return fmt.Errorf("%w: %s", errMethodNotAllowed, method)
	}
	var lastErr error
	for attempt := 0; attempt <= rpcMaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.performCall(ctx, method, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if c.metrics != nil {
			c.metrics.RecordRPCError()
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return err
		}
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			return err
		}
		delay := time.Duration(1<<attempt) * 250 * time.Millisecond
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *DaemonClient) performCall(ctx context.Context, method string, params any, out any) error {
	reqObj := rpcRequest{Jsonrpc: "1.0", ID: c.nextRequestID(), Method: method, Params: params}
	body, err := wireJSONMarshal(reqObj)
	if err != nil {
		return err
	}
	data, status, err := c.post(ctx, body)
	if err != nil {
		return err
	}

	var resp rpcResponse
	if err := wireJSONUnmarshal(sanitizeRPCBody(data), &resp); err != nil {
		if status != http.StatusOK {
			return &httpStatusError{StatusCode: status, Status: http.StatusText(status), Body: string(bytes.TrimSpace(data))}
		}
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return wireJSONUnmarshal(resp.Result, out)
}

// CallBatch issues several RPCs in one HTTP round trip. Request IDs are
// unique within the batch and responses are returned in request order.
func (c *DaemonClient) CallBatch(ctx context.Context, calls []rpcRequest) ([]rpcResponse, error) {
	reqs := make([]rpcRequest, len(calls))
	idToIndex := make(map[int]int, len(calls))
	for i, call := range calls {
		if _, ok := daemonRPCWhitelist[call.Method]; !ok {
			return nil, fmt.Errorf("%w: %s", errMethodNotAllowed, call.Method)
		}
		id := c.nextRequestID()
		reqs[i] = rpcRequest{Jsonrpc: "1.0", ID: id, Method: call.Method, Params: call.Params}
		idToIndex[id] = i
	}
	body, err := wireJSONMarshal(reqs)
	if err != nil {
		return nil, err
	}
	data, status, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	var resps []rpcResponse
	if err := wireJSONUnmarshal(sanitizeRPCBody(data), &resps); err != nil {
		if status != http.StatusOK {
			return nil, &httpStatusError{StatusCode: status, Status: http.StatusText(status), Body: string(bytes.TrimSpace(data))}
		}
		return nil, fmt.Errorf("decode rpc batch response: %w", err)
	}
	ordered := make([]rpcResponse, len(calls))
	for _, r := range resps {
		if idx, ok := idToIndex[r.ID]; ok {
			ordered[idx] = r
		}
	}
	return ordered, nil
}

func (c *DaemonClient) post(ctx context.Context, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	if c.user != "" || c.pass != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, fmt.Errorf("daemon %s rejected credentials (401)", c.url)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// sanitizeRPCBody tolerates the ":-nan" some daemons emit for difficulty
// fields by coercing it to ":0" before decoding.
func sanitizeRPCBody(data []byte) []byte {
	if !bytes.Contains(data, []byte(":-nan")) {
		return data
	}
	return bytes.ReplaceAll(data, []byte(":-nan"), []byte(":0"))
}

// DaemonInterface fans calls out across the configured daemon instances.
type DaemonInterface struct {
	clients []*DaemonClient
}

func NewDaemonInterface(cfgs []DaemonConfig, metrics *PoolMetrics) *DaemonInterface {
	di := &DaemonInterface{}
	for _, cfg := range cfgs {
		di.clients = append(di.clients, NewDaemonClient(cfg, metrics))
	}
	return di
}

// AnyOnline reports whether at least one daemon answers an RPC.
func (di *DaemonInterface) AnyOnline(ctx context.Context) bool {
	for _, c := range di.clients {
		err := c.Call(ctx, "getpeerinfo", nil, nil)
		if err == nil {
			return true
		}
		// A daemon that answers with an RPC-level error is still online.
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return true
		}
	}
	return false
}

// Call tries each daemon in order until one succeeds.
func (di *DaemonInterface) Call(ctx context.Context, method string, params any, out any) error {
	var lastErr error
	for _, c := range di.clients {
		if err := c.Call(ctx, method, params, out); err != nil {
			lastErr = err
			var rpcErr *rpcError
			if errors.As(err, &rpcErr) {
				// RPC-level errors are authoritative; other daemons will
				// answer the same way.
				return err
			}
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no daemons configured")
	}
	return lastErr
}

// Primary returns the first configured daemon, used for batch probes.
func (di *DaemonInterface) Primary() *DaemonClient {
	if len(di.clients) == 0 {
		return nil
	}
	return di.clients[0]
}
