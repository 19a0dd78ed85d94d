// Package ledger wraps the relayer that owns the escrow contract. The
// platform never signs transactions itself; it asks the relayer to read
// project state or release funds and records the returned transaction hash.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Deposit is one token balance held in escrow for a project.
type Deposit struct {
	TokenAddress string `json:"token_address"`
	Amount       string `json:"amount"`
}

// ProjectDetails mirrors the escrow contract's per-project view.
type ProjectDetails struct {
	Owner         string    `json:"owner"`
	AssignedUsers []string  `json:"assigned_users"`
	Deposits      []Deposit `json:"deposits"`
}

// TokenDetails is the ERC-20 metadata needed to render amounts.
type TokenDetails struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Gateway is the escrow surface the engine depends on. Withdraw operations
// return the transaction hash reported by the relayer.
type Gateway interface {
	ProjectDetails(ctx context.Context, projectID string) (ProjectDetails, error)
	TokenDetails(ctx context.Context, tokenAddress string) (TokenDetails, error)
	WithdrawToDepositor(ctx context.Context, projectID string) (string, error)
	WithdrawToRecipient(ctx context.Context, projectID string) (string, error)
}

// Client calls the relayer over JSON-RPC.
type Client struct {
	url    string
	escrow string
	client *http.Client
}

func NewClient(url, escrowAddress string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		url:    strings.TrimRight(url, "/"),
		escrow: escrowAddress,
		client: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("relayer call %s: %w", method, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("relayer call %s: status %d: %s", method, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var rpcRes rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&rpcRes); err != nil {
		return fmt.Errorf("relayer call %s: decode response: %w", method, err)
	}
	if rpcRes.Error != nil {
		return fmt.Errorf("relayer call %s: %d %s", method, rpcRes.Error.Code, rpcRes.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpcRes.Result, out); err != nil {
			return fmt.Errorf("relayer call %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) ProjectDetails(ctx context.Context, projectID string) (ProjectDetails, error) {
	var details ProjectDetails
	err := c.call(ctx, "escrow_getProjectDetails", []any{c.escrow, projectID}, &details)
	return details, err
}

func (c *Client) TokenDetails(ctx context.Context, tokenAddress string) (TokenDetails, error) {
	var details TokenDetails
	err := c.call(ctx, "erc20_getTokenDetails", []any{tokenAddress}, &details)
	return details, err
}

func (c *Client) WithdrawToDepositor(ctx context.Context, projectID string) (string, error) {
	var hash string
	err := c.call(ctx, "escrow_withdrawToDepositorByOwner", []any{c.escrow, projectID}, &hash)
	return hash, err
}

func (c *Client) WithdrawToRecipient(ctx context.Context, projectID string) (string, error) {
	var hash string
	err := c.call(ctx, "escrow_withdrawToRecipientByOwner", []any{c.escrow, projectID}, &hash)
	return hash, err
}
