package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/tendermint/starksync/libs/log"
	"github.com/tendermint/starksync/types"
	"github.com/tendermint/starksync/version"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	apiKeyHeader = "X-Throttling-Bypass"

	defaultRequestTimeout = 30 * time.Second
	// error bodies are short; anything beyond this is not worth reading
	maxErrorBodySize = 1 << 16
)

// Client is a Provider backed by the feeder gateway HTTP API.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	feederURL *url.URL
	apiKey    string
	client    *http.Client
	logger    log.Logger

	timeout    time.Duration
	hasTimeout bool
}

var _ Provider = (*Client)(nil)

// ClientOption sets an optional parameter on the Client.
type ClientOption func(*Client)

// WithAPIKey sends key with every request to bypass rate limiting.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http client. hc is never modified;
// WithRequestTimeout applies to a copy of it.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithRequestTimeout bounds every request. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
		c.hasTimeout = true
	}
}

func WithLogger(logger log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a client for the feeder gateway at feederGatewayURL,
// e.g. https://alpha-mainnet.starknet.io/feeder_gateway.
func NewClient(feederGatewayURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(feederGatewayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feeder gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid feeder gateway url %q: expected an http(s) url", feederGatewayURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &Client{
		feederURL: u,
		client:    &http.Client{Timeout: defaultRequestTimeout},
		logger:    log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hasTimeout {
		hc := *c.client
		hc.Timeout = c.timeout
		c.client = &hc
	}
	return c, nil
}

// GetBlock implements Provider.
func (c *Client) GetBlock(ctx context.Context, blockN uint64) (*types.RawBlock, error) {
	var su stateUpdateWithBlock
	if err := c.getStateUpdate(ctx, strconv.FormatUint(blockN, 10), &su); err != nil {
		return nil, err
	}
	if su.Block.BlockNumber != nil && *su.Block.BlockNumber != blockN {
		return nil, fmt.Errorf("asked for block %d, got block %d", blockN, *su.Block.BlockNumber)
	}

	raw, err := su.toRawBlock()
	if err != nil {
		return nil, fmt.Errorf("converting block %d: %w", blockN, err)
	}
	return raw, nil
}

// GetPendingBlock implements Provider. It returns nil when the gateway
// answers with a closed block.
func (c *Client) GetPendingBlock(ctx context.Context) (*types.RawPendingBlock, error) {
	var su stateUpdateWithBlock
	if err := c.getStateUpdate(ctx, "pending", &su); err != nil {
		return nil, err
	}
	if su.Block.Status != blockStatusPending || su.Block.BlockNumber != nil {
		c.logger.Debug("no pending block", "status", su.Block.Status)
		return nil, nil
	}

	raw, err := su.toRawPendingBlock()
	if err != nil {
		return nil, fmt.Errorf("converting pending block: %w", err)
	}
	return raw, nil
}

func (c *Client) getStateUpdate(ctx context.Context, blockNumber string, v interface{}) error {
	u := *c.feederURL
	u.Path += "/get_state_update"
	u.RawQuery = url.Values{
		"blockNumber":  []string{blockNumber},
		"includeBlock": []string{"true"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("gateway request", "block", blockNumber, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return c.errorFromResponse(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a body cut short by the network is worth retrying
		return &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading state update of block %s: %w", blockNumber, err)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding state update of block %s: %w", blockNumber, err)
	}
	return nil
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Code == "" {
		return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if er.Code == errCodeBlockMissing {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, er.Message)
	}
	return &Error{StatusCode: resp.StatusCode, Code: er.Code, Message: er.Message}
}
