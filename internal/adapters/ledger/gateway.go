// Package ledger talks to the escrow gateway: a JSON API in front of the
// chain node that submits signed transactions and serves receipt and
// contract read queries. The gateway never retries on behalf of callers, so
// error classification here is what the rest of the service relies on:
//
//	transport / 5xx          -> domain.ErrTransient
//	reverted transaction     -> domain.ErrLedgerRejected (with reason)
//	finality wait timed out  -> domain.ErrOutcomeUnknown (after submission)
package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ff4f/yieldharvest-sub002/internal/domain"
)

// Signer holds the operator identity used to sign gateway submissions.
type Signer struct {
	OperatorID string
	key        ed25519.PrivateKey
}

// NewSigner parses a hex-encoded ed25519 private key (seed or full key).
func NewSigner(operatorID, privateKeyHex string) (*Signer, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return nil, fmt.Errorf("signer: operator id is required")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer: decode private key: %w", err)
	}
	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("signer: private key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
	return &Signer{OperatorID: operatorID, key: key}, nil
}

func (s *Signer) sign(body []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.key, body))
}

// Gateway is the shared HTTP transport for the escrow contract and consensus
// log clients.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
}

func NewGateway(baseURL string, signer *Signer, httpClient *http.Client) *Gateway {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		signer:     signer,
	}
}

type gatewayError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *gatewayError) Error() string {
	return fmt.Sprintf("gateway %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// postSigned submits a signed body and decodes the response into out.
// Context cancellation before the response arrives is reported as-is; the
// caller decides whether submission state is known at that point.
func (g *Gateway) postSigned(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.signer != nil {
		req.Header.Set("X-Operator-Id", g.signer.OperatorID)
		req.Header.Set("X-Signature", g.signer.sign(body))
	}
	return g.do(req, out)
}

func (g *Gateway) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	return g.do(req, out)
}

func (g *Gateway) do(req *http.Request, out any) error {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrTransient, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s", domain.ErrTransient, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 400 {
		ge := &gatewayError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, ge)
		if ge.Message == "" {
			ge.Message = strings.TrimSpace(string(raw))
		}
		return ge
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func isNotFound(err error) bool {
	ge, ok := err.(*gatewayError)
	return ok && ge.StatusCode == http.StatusNotFound
}
