package flashbots

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Client speaks the signed JSON-RPC dialect of a private relay.
type Client struct {
	URL     string
	Headers map[string]string // extra per-relay headers (API keys)

	authKey *ecdsa.PrivateKey // X-Flashbots-Signature key, optional
	http    *http.Client
}

func NewClient(relayURL string, authKey *ecdsa.PrivateKey) *Client {
	return &Client{
		URL:     strings.TrimSpace(relayURL),
		authKey: authKey,
		http:    &http.Client{Timeout: 8 * time.Second},
	}
}

// WithHTTPClient swaps the transport; tests use it to point at httptest.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Name is the relay host, used as a metric label.
func (c *Client) Name() string {
	if u, err := url.Parse(c.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return c.URL
}

// signBody signs the body per Flashbots auth: EIP-191 over the hex string of
// keccak256(body), returned as "address:0xsig".
func (c *Client) signBody(b []byte) string {
	hashedHex := crypto.Keccak256Hash(b).Hex()
	sig, err := crypto.Sign(accounts.TextHash([]byte(hashedHex)), c.authKey)
	if err != nil {
		return ""
	}
	addr := crypto.PubkeyToAddress(c.authKey.PublicKey)
	return addr.Hex() + ":" + hexutil.Encode(sig)
}

type rpcReq struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResp struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErr         `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcReq{Jsonrpc: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, &RelayError{Relay: c.Name(), Method: method, Class: ClassSemantic, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &RelayError{Relay: c.Name(), Method: method, Class: ClassNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mempool-guardian/1.0")
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if c.authKey != nil {
		if sig := c.signBody(body); sig != "" {
			req.Header.Set("X-Flashbots-Signature", sig)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RelayError{Relay: c.Name(), Method: method, Class: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()
	rb, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RelayError{Relay: c.Name(), Method: method, Class: ClassNetwork, Status: resp.StatusCode, Err: err}
	}

	var jr rpcResp
	jsonErr := json.Unmarshal(rb, &jr)
	if jsonErr == nil && jr.Error != nil {
		return nil, &RelayError{
			Relay:   c.Name(),
			Method:  method,
			Class:   classifyRPC(resp.StatusCode, jr.Error.Code, jr.Error.Message),
			Status:  resp.StatusCode,
			Code:    jr.Error.Code,
			Message: jr.Error.Message,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RelayError{
			Relay:   c.Name(),
			Method:  method,
			Class:   classifyStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: truncate(string(rb), 256),
		}
	}
	if jsonErr != nil {
		// HTML or garbage from a proxy in front of the relay.
		return nil, &RelayError{Relay: c.Name(), Method: method, Class: ClassNetwork, Status: resp.StatusCode,
			Message: "non-JSON response", Err: jsonErr}
	}
	return jr.Result, nil
}

// Bundle is an ordered eth_sendBundle payload.
type Bundle struct {
	Txs             [][]byte
	BlockNumber     uint64
	MinTimestamp    uint64
	MaxTimestamp    uint64
	ReplacementUUID string
	// RevertingTxHashes may revert without invalidating the bundle.
	RevertingTxHashes []common.Hash
}

func (b Bundle) mayRevert(hash string) bool {
	h := common.HexToHash(hash)
	for _, r := range b.RevertingTxHashes {
		if r == h {
			return true
		}
	}
	return false
}

func (b Bundle) params() map[string]any {
	txs := make([]string, len(b.Txs))
	for i, raw := range b.Txs {
		txs[i] = hexutil.Encode(raw)
	}
	p := map[string]any{
		"txs":         txs,
		"blockNumber": hexutil.EncodeUint64(b.BlockNumber),
	}
	if b.MinTimestamp > 0 {
		p["minTimestamp"] = b.MinTimestamp
	}
	if b.MaxTimestamp > 0 {
		p["maxTimestamp"] = b.MaxTimestamp
	}
	if b.ReplacementUUID != "" {
		p["replacementUuid"] = b.ReplacementUUID
	}
	if len(b.RevertingTxHashes) > 0 {
		hs := make([]string, len(b.RevertingTxHashes))
		for i, h := range b.RevertingTxHashes {
			hs[i] = h.Hex()
		}
		p["revertingTxHashes"] = hs
	}
	return p
}

// SendBundle submits b and returns the relay's bundle hash, possibly empty.
func (c *Client) SendBundle(ctx context.Context, b Bundle) (string, error) {
	if len(b.Txs) == 0 {
		return "", &RelayError{Relay: c.Name(), Method: "eth_sendBundle", Class: ClassSemantic, Message: "empty bundle"}
	}
	res, err := c.call(ctx, "eth_sendBundle", b.params())
	if err != nil {
		return "", err
	}
	var out struct {
		BundleHash string `json:"bundleHash"`
	}
	if json.Unmarshal(res, &out) == nil && out.BundleHash != "" {
		return out.BundleHash, nil
	}
	var s string
	_ = json.Unmarshal(res, &s)
	return s, nil
}

// SimResult is the eth_callBundle outcome.
type SimResult struct {
	BundleHash string
	GasUsed    uint64
	Results    []SimTx
}

type SimTx struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error"`
	Revert string `json:"revert"`
}

// CallBundle simulates b against stateBlock ("latest" by default). A
// reverting transaction not listed in b.RevertingTxHashes is returned as a
// semantic RelayError.
func (c *Client) CallBundle(ctx context.Context, b Bundle, stateBlock string) (*SimResult, error) {
	if stateBlock == "" {
		stateBlock = "latest"
	}
	p := b.params()
	p["stateBlockNumber"] = stateBlock
	delete(p, "replacementUuid")
	res, err := c.call(ctx, "eth_callBundle", p)
	if err != nil {
		return nil, err
	}
	var out struct {
		BundleHash   string  `json:"bundleHash"`
		TotalGasUsed uint64  `json:"totalGasUsed"`
		Results      []SimTx `json:"results"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, &RelayError{Relay: c.Name(), Method: "eth_callBundle", Class: ClassSemantic, Message: "bad simulation result", Err: err}
	}
	sim := &SimResult{BundleHash: out.BundleHash, GasUsed: out.TotalGasUsed, Results: out.Results}
	for _, r := range out.Results {
		if (r.Error != "" || r.Revert != "") && !b.mayRevert(r.TxHash) {
			return sim, &RelayError{
				Relay:   c.Name(),
				Method:  "eth_callBundle",
				Class:   ClassSemantic,
				Message: fmt.Sprintf("simulation failed: tx %s: %s", r.TxHash, strings.TrimSpace(r.Error+" "+r.Revert)),
			}
		}
	}
	return sim, nil
}

// SendPrivateTransaction submits one raw transaction privately. maxBlock of
// zero lets the relay choose its default window.
func (c *Client) SendPrivateTransaction(ctx context.Context, raw []byte, maxBlock uint64) (common.Hash, error) {
	p := map[string]any{
		"tx":          hexutil.Encode(raw),
		"preferences": map[string]any{"fast": true},
	}
	if maxBlock > 0 {
		p["maxBlockNumber"] = hexutil.EncodeUint64(maxBlock)
	}
	res, err := c.call(ctx, "eth_sendPrivateTransaction", p)
	if err != nil {
		return common.Hash{}, err
	}
	var s string
	if err := json.Unmarshal(res, &s); err != nil || !strings.HasPrefix(s, "0x") {
		return crypto.Keccak256Hash(raw), nil
	}
	return common.HexToHash(s), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
