package mcpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/nftescrow/internal/auth"
)

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL     string // Base URL, e.g. "http://localhost:8080"
	PrivateKey string // hex wallet key; mutations are signed with it
}

// EscrowClient is a pure HTTP client for the escrow API.
type EscrowClient struct {
	baseURL    string
	key        *ecdsa.PrivateKey
	address    string
	now        func() time.Time
	httpClient *http.Client
}

// NewEscrowClient creates a client. A client without a key can only read.
func NewEscrowClient(cfg Config) (*EscrowClient, error) {
	c := &EscrowClient{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		now:        time.Now,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.key = key
		c.address = strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	}
	return c, nil
}

// Address is the wallet the client acts as, or "" for a read-only client.
func (c *EscrowClient) Address() string { return c.address }

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, signed bool) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.key == nil {
			return nil, fmt.Errorf("no wallet key configured")
		}
		ts := c.now().Unix()
		sig, err := auth.Sign(c.key, auth.Message(method, u.Path, ts))
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set(auth.HeaderAddress, c.address)
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, sig)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetDeal returns one mirror deal.
func (c *EscrowClient) GetDeal(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/deals/"+url.PathEscape(id), nil, nil, false)
}

// ListDeals lists deals where address is a participant.
func (c *EscrowClient) ListDeals(ctx context.Context, address, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("address", address)
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/deals", q, nil, false)
}

// GetActivity returns a deal's activity trail.
func (c *EscrowClient) GetActivity(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/deals/"+url.PathEscape(id)+"/activity", nil, nil, false)
}

// GetCustodyDeal returns the custody snapshot for an on-chain deal id.
func (c *EscrowClient) GetCustodyDeal(ctx context.Context, onchainID uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/custody/deals/"+strconv.FormatUint(onchainID, 10), nil, nil, false)
}

// GetPlatformStats returns the registry counters.
func (c *EscrowClient) GetPlatformStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/custody/stats", nil, nil, false)
}

// ProposeCounterOffer offers a new price on a pending deal.
func (c *EscrowClient) ProposeCounterOffer(ctx context.Context, id, price string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/deals/"+url.PathEscape(id)+"/counter-offer", nil,
		map[string]string{"price": price}, true)
}

// RespondCounterOffer accepts or declines the pending counter-offer.
func (c *EscrowClient) RespondCounterOffer(ctx context.Context, id string, accept bool) (json.RawMessage, error) {
	action := "decline"
	if accept {
		action = "accept"
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/deals/"+url.PathEscape(id)+"/counter-offer/"+action, nil, nil, true)
}

// RecoverDeal cancels a deal that is stuck in escrow and refunds both sides.
func (c *EscrowClient) RecoverDeal(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/recovery/deals/"+url.PathEscape(id)+"/cancel", nil, nil, true)
}
