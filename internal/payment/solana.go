package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// SolanaRPC fetches finalized transactions from a Solana JSON-RPC endpoint.
// Balances are reported in lamports; the sender is the fee payer (first
// account key) and the recipient is the account whose balance grew the most.
type SolanaRPC struct {
	endpoint string
	client   *http.Client
}

// NewSolanaRPC creates a client for the given endpoint.
func NewSolanaRPC(endpoint string) *SolanaRPC {
	return &SolanaRPC{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result *struct {
		Meta struct {
			PreBalances  []int64 `json:"preBalances"`
			PostBalances []int64 `json:"postBalances"`
		} `json:"meta"`
		Transaction struct {
			Message struct {
				AccountKeys []string `json:"accountKeys"`
			} `json:"message"`
		} `json:"transaction"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GetConfirmedTransaction implements ChainRPC. A missing transaction returns
// (nil, nil); the verifier maps that to ErrTransactionNotFound.
func (s *SolanaRPC) GetConfirmedTransaction(ctx context.Context, signature string) (*ConfirmedTransfer, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params: []interface{}{
			signature,
			map[string]string{"encoding": "json", "commitment": "finalized"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if parsed.Result == nil {
		return nil, nil
	}

	keys := parsed.Result.Transaction.Message.AccountKeys
	pre := parsed.Result.Meta.PreBalances
	post := parsed.Result.Meta.PostBalances
	if len(keys) == 0 || len(pre) != len(keys) || len(post) != len(keys) {
		return nil, fmt.Errorf("malformed transaction %s: %d keys, %d/%d balances", signature, len(keys), len(pre), len(post))
	}

	recipient := ""
	var bestGain int64
	for i := range keys {
		if gain := post[i] - pre[i]; gain > bestGain {
			bestGain = gain
			recipient = keys[i]
		}
	}

	return &ConfirmedTransfer{
		From:        keys[0],
		To:          recipient,
		PreBalance:  decimal.NewFromInt(pre[0]),
		PostBalance: decimal.NewFromInt(post[0]),
	}, nil
}
