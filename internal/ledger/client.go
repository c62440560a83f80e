package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

var ErrLedgerUnavailable = errors.New("ledger unavailable")

// RejectedError is a node-level validation failure. Callers must not retry
// the same payload.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "ledger rejected transaction: " + e.Reason
}

type AccountInfo struct {
	BalanceMicro    uint64
	MinBalanceMicro uint64
	Assets          map[uint64]uint64
}

// Client is the narrow slice of the node API the coordinator needs. No
// retries here; retry policy belongs to callers.
type Client interface {
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
	AccountInformation(ctx context.Context, address string) (AccountInfo, error)
	AssetDecimals(ctx context.Context, assetID uint64) (uint32, error)
	SubmitRaw(ctx context.Context, raw []byte) (string, error)
	AwaitConfirmation(ctx context.Context, txID string, maxRounds uint64) (uint64, error)
}

type AlgodClient struct {
	client *algod.Client

	mu       sync.Mutex
	decimals map[uint64]uint32
}

func NewAlgodClient(endpoint, token string) (*AlgodClient, error) {
	client, err := algod.MakeClient(endpoint, token)
	if err != nil {
		return nil, err
	}
	return &AlgodClient{client: client, decimals: make(map[uint64]uint32)}, nil
}

func (c *AlgodClient) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	params, err := c.client.SuggestedParams().Do(ctx)
	if err != nil {
		return types.SuggestedParams{}, classify(err)
	}
	return params, nil
}

func (c *AlgodClient) AccountInformation(ctx context.Context, address string) (AccountInfo, error) {
	account, err := c.client.AccountInformation(address).Do(ctx)
	if err != nil {
		return AccountInfo{}, classify(err)
	}
	info := AccountInfo{
		BalanceMicro:    account.Amount,
		MinBalanceMicro: account.MinBalance,
		Assets:          make(map[uint64]uint64, len(account.Assets)),
	}
	for _, holding := range account.Assets {
		info.Assets[holding.AssetId] = holding.Amount
	}
	return info, nil
}

// AssetDecimals caches per asset id; decimals are immutable on chain.
func (c *AlgodClient) AssetDecimals(ctx context.Context, assetID uint64) (uint32, error) {
	c.mu.Lock()
	cached, ok := c.decimals[assetID]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}
	asset, err := c.client.GetAssetByID(assetID).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	decimals := uint32(asset.Params.Decimals)
	c.mu.Lock()
	c.decimals[assetID] = decimals
	c.mu.Unlock()
	return decimals, nil
}

func (c *AlgodClient) SubmitRaw(ctx context.Context, raw []byte) (string, error) {
	txID, err := c.client.SendRawTransaction(raw).Do(ctx)
	if err != nil {
		return "", classify(err)
	}
	return txID, nil
}

func (c *AlgodClient) AwaitConfirmation(ctx context.Context, txID string, maxRounds uint64) (uint64, error) {
	status, err := c.client.Status().Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	round := status.LastRound
	for waited := uint64(0); waited <= maxRounds; waited++ {
		pending, _, err := c.client.PendingTransactionInformation(txID).Do(ctx)
		if err != nil {
			return 0, classify(err)
		}
		if pending.ConfirmedRound > 0 {
			return pending.ConfirmedRound, nil
		}
		if pending.PoolError != "" {
			return 0, &RejectedError{Reason: pending.PoolError}
		}
		if _, err := c.client.StatusAfterBlock(round).Do(ctx); err != nil {
			return 0, classify(err)
		}
		round++
	}
	return 0, fmt.Errorf("%w: transaction %s not confirmed after %d rounds", ErrLedgerUnavailable, txID, maxRounds)
}

// classify separates transport failures from node-level rejections.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return &RejectedError{Reason: err.Error()}
}
