// Package client talks to a Substrate node and returns blocks, events, and
// head information in a chain-neutral shape. Finalized head and storage
// queries go over the node's JSON-RPC; fully decoded blocks come from an
// API sidecar. All amounts leave this package normalized to 18 decimals and
// all addresses re-encoded to the network SS58 prefix.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/internal/constants"
	"github.com/chainscope/indexer-go/internal/errs"
)

// Config holds client configuration.
type Config struct {
	Network         constants.Network
	RPCEndpoint     string
	SidecarEndpoint string
	Timeout         time.Duration
	// RequestsPerSecond caps the combined rate against node and sidecar.
	// Zero disables limiting.
	RequestsPerSecond float64
	RequestBurst      int
	Logger            *zap.Logger
}

// Client is a Substrate chain client.
type Client struct {
	network constants.Network
	params  constants.NetworkParams

	rpcClient *rpc.Client
	httpc     *http.Client
	sidecar   string
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *zap.Logger
}

// New connects to the node RPC endpoint and prepares the sidecar client.
func New(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errs.Ef(errs.KindConfig, "client.New", "config cannot be nil")
	}
	params, ok := constants.Params(cfg.Network)
	if !ok {
		return nil, errs.Ef(errs.KindConfig, "client.New", "unknown network %q", cfg.Network)
	}
	if cfg.RPCEndpoint == "" || cfg.SidecarEndpoint == "" {
		return nil, errs.Ef(errs.KindConfig, "client.New", "rpc and sidecar endpoints are required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rpcClient, err := rpc.DialContext(dialCtx, cfg.RPCEndpoint)
	if err != nil {
		return nil, errs.E(errs.KindChainUnavailable, "client.New",
			fmt.Errorf("failed to connect to %s: %w", cfg.RPCEndpoint, err))
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.RequestBurst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	c := &Client{
		network:   cfg.Network,
		params:    params,
		rpcClient: rpcClient,
		httpc:     &http.Client{Timeout: timeout},
		sidecar:   strings.TrimRight(cfg.SidecarEndpoint, "/"),
		limiter:   limiter,
		timeout:   timeout,
		logger:    log,
	}

	if err := c.Ping(ctx); err != nil {
		rpcClient.Close()
		return nil, err
	}

	log.Info("connected to chain node",
		zap.String("network", string(cfg.Network)),
		zap.String("rpc_endpoint", cfg.RPCEndpoint),
		zap.String("sidecar_endpoint", cfg.SidecarEndpoint))
	return c, nil
}

// Ping verifies the node connection.
func (c *Client) Ping(ctx context.Context) error {
	var name string
	if err := c.call(ctx, &name, "system_chain"); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying connections.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.httpc.CloseIdleConnections()
}

// Network returns the configured network identifier.
func (c *Client) Network() constants.Network { return c.network }

// call performs one rate-limited, deadline-bounded JSON-RPC call.
func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.E(errs.KindChainUnavailable, "client."+method, err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.rpcClient.CallContext(callCtx, result, method, args...); err != nil {
		return errs.E(errs.KindChainUnavailable, "client."+method, err)
	}
	return nil
}

// header mirrors the relevant part of a chain_getHeader response.
type header struct {
	Number string `json:"number"`
}

// FinalizedHead returns the latest finalized block height.
func (c *Client) FinalizedHead(ctx context.Context) (uint32, error) {
	var hash string
	if err := c.call(ctx, &hash, "chain_getFinalizedHead"); err != nil {
		return 0, err
	}
	var h header
	if err := c.call(ctx, &h, "chain_getHeader", hash); err != nil {
		return 0, err
	}
	height, err := parseHexUint32(h.Number)
	if err != nil {
		return 0, errs.Ef(errs.KindChainMalformed, "client.FinalizedHead",
			"bad header number %q: %v", h.Number, err)
	}
	return height, nil
}

// blockHash resolves the canonical hash for a height.
func (c *Client) blockHash(ctx context.Context, height uint32) (string, error) {
	var hash *string
	if err := c.call(ctx, &hash, "chain_getBlockHash", height); err != nil {
		return "", err
	}
	if hash == nil || *hash == "" {
		return "", errs.Ef(errs.KindChainUnavailable, "client.blockHash",
			"no hash for height %d", height)
	}
	return *hash, nil
}

// FetchBlocks returns up to count contiguous blocks starting at start, each
// fully populated. Heights beyond the finalized head yield a short result
// without error.
func (c *Client) FetchBlocks(ctx context.Context, start uint32, count int) ([]chain.Block, error) {
	if count <= 0 {
		return nil, nil
	}
	head, err := c.FinalizedHead(ctx)
	if err != nil {
		return nil, err
	}
	if start > head {
		return nil, nil
	}
	end := start + uint32(count) - 1
	if end > head {
		end = head
	}

	raw, err := c.sidecarBlocks(ctx, start, end)
	if err != nil {
		return nil, err
	}

	blocks := make([]chain.Block, 0, len(raw))
	for _, rb := range raw {
		b, err := c.normalizeBlock(rb)
		if err != nil {
			// Malformed blocks are fatal for the affected height; surfaced,
			// never silently skipped.
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// sidecarBlocks fetches decoded blocks for [start, end] from the sidecar.
func (c *Client) sidecarBlocks(ctx context.Context, start, end uint32) ([]sidecarBlock, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errs.E(errs.KindChainUnavailable, "client.sidecarBlocks", err)
		}
	}

	url := fmt.Sprintf("%s/blocks?range=%d-%d", c.sidecar, start, end)
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.E(errs.KindChainUnavailable, "client.sidecarBlocks", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errs.E(errs.KindChainUnavailable, "client.sidecarBlocks", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, errs.E(errs.KindChainUnavailable, "client.sidecarBlocks", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Ef(errs.KindChainUnavailable, "client.sidecarBlocks",
			"sidecar returned %d for range %d-%d", resp.StatusCode, start, end)
	}

	var out []sidecarBlock
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Ef(errs.KindChainMalformed, "client.sidecarBlocks",
			"bad sidecar payload for range %d-%d: %v", start, end, err)
	}
	return out, nil
}

// QueryBalances returns the (free, reserved, staked) balances of the given
// addresses at a historical height, normalized to 18 decimals. Addresses
// with no account record report zero balances.
func (c *Client) QueryBalances(ctx context.Context, height uint32, addrs []string) (map[string]chain.BalanceTriple, error) {
	at, err := c.blockHash(ctx, height)
	if err != nil {
		return nil, err
	}

	out := make(map[string]chain.BalanceTriple, len(addrs))
	for _, addr := range addrs {
		pub, err := publicKey(addr)
		if err != nil {
			return nil, errs.Ef(errs.KindChainMalformed, "client.QueryBalances",
				"bad address %q: %v", addr, err)
		}

		var raw *string
		key := accountStorageKey(pub)
		if err := c.call(ctx, &raw, "state_getStorage", key, at); err != nil {
			return nil, err
		}

		triple := chain.BalanceTriple{
			Free:     new(big.Int),
			Reserved: new(big.Int),
			Staked:   new(big.Int),
		}
		if raw != nil && *raw != "" {
			info, err := decodeAccountInfo(*raw)
			if err != nil {
				return nil, errs.Ef(errs.KindChainMalformed, "client.QueryBalances",
					"account info for %s at %d: %v", addr, height, err)
			}
			triple.Free = c.scaleAmount(info.Free)
			triple.Reserved = c.scaleAmount(info.Reserved)
		}

		if c.params.StakePallet != "" {
			staked, err := c.queryStake(ctx, pub, at)
			if err != nil {
				return nil, err
			}
			triple.Staked = c.scaleAmount(staked)
		}
		out[addr] = triple
	}
	return out, nil
}

// queryStake reads the per-account stake map named by the network params.
func (c *Client) queryStake(ctx context.Context, pub []byte, at string) (*big.Int, error) {
	var raw *string
	key := mapStorageKey(c.params.StakePallet, c.params.StakeItem, pub)
	if err := c.call(ctx, &raw, "state_getStorage", key, at); err != nil {
		return nil, err
	}
	if raw == nil || *raw == "" {
		return new(big.Int), nil
	}
	v, err := decodeBalanceValue(*raw)
	if err != nil {
		return nil, errs.Ef(errs.KindChainMalformed, "client.queryStake",
			"stake value: %v", err)
	}
	return v, nil
}

// scaleAmount normalizes a raw chain amount to the 18-decimal fixed point
// used everywhere downstream.
func (c *Client) scaleAmount(v *big.Int) *big.Int {
	return scaleToNormalized(v, c.params.Decimals)
}

func parseHexUint32(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
