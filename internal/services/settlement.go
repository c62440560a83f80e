package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"confio/internal/ledger"
	"confio/internal/models"
	"confio/internal/money"
)

var ErrUnknownToken = errors.New("unknown token")

// PreparedGroup is a sponsored artifact handed to the client: the unsigned
// user leg signed on their device plus the already signed sponsor leg. Used
// for escrow funding and for asset opt-ins. JSON-serializable so it can sit
// in the cache between prepare and submit.
type PreparedGroup struct {
	GroupID     string `json:"group_id"`
	UserTxn     string `json:"user_txn"`
	SponsorTxn  string `json:"sponsor_txn"`
	FeeMicro    uint64 `json:"fee_micro"`
	UserAddress string `json:"user_address"`
	AmountMinor int64  `json:"amount_minor"`
	Token       string `json:"token"`
}

// ReleaseGroup is a fully signed settlement group. It is cached between
// attempts so a retry resubmits the exact same transactions instead of
// building a fresh group that could pay out a second time.
type ReleaseGroup struct {
	GroupID    string   `json:"group_id"`
	SignedLegs []string `json:"signed_legs"`
	FeeMicro   uint64   `json:"fee_micro"`
}

// Settler executes the on-chain side of escrow. The trade and dispute
// services only see token symbols, minor units and opaque hashes. Release
// groups are built and submitted in separate steps so a built group can be
// persisted and resubmitted unchanged.
type Settler interface {
	PrepareFunding(ctx context.Context, sellerAddr, token string, amountMinor int64, tradeID string) (PreparedGroup, error)
	PrepareOptIn(ctx context.Context, addr, token string) (PreparedGroup, error)
	SubmitPrepared(ctx context.Context, prepared PreparedGroup, signedUserTxn []byte) (string, error)
	BuildRelease(ctx context.Context, token string, amountMinor int64, recipientAddr string) (ReleaseGroup, error)
	BuildSplit(ctx context.Context, token string, firstMinor int64, firstAddr string, secondMinor int64, secondAddr string) (ReleaseGroup, error)
	SubmitRelease(ctx context.Context, group ReleaseGroup) (string, error)
	RequiresOptIn(ctx context.Context, addr, token string) (bool, error)
}

// LedgerSettler settles through sponsored atomic groups. Escrow releases are
// signed by the platform escrow account; funding and opt-in legs are signed
// by the participant.
type LedgerSettler struct {
	builder      *ledger.Builder
	client       ledger.Client
	escrowSigner ledger.Signer
	escrowAddr   string
	assetCUSD    uint64
	assetCONFIO  uint64
}

func NewLedgerSettler(builder *ledger.Builder, client ledger.Client, escrowSigner ledger.Signer, escrowAddr string, assetCUSD, assetCONFIO uint64) *LedgerSettler {
	return &LedgerSettler{
		builder:      builder,
		client:       client,
		escrowSigner: escrowSigner,
		escrowAddr:   escrowAddr,
		assetCUSD:    assetCUSD,
		assetCONFIO:  assetCONFIO,
	}
}

func (s *LedgerSettler) assetID(token string) (uint64, error) {
	switch token {
	case models.TokenCUSD:
		return s.assetCUSD, nil
	case models.TokenCONFIO:
		return s.assetCONFIO, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownToken, token)
}

func (s *LedgerSettler) baseUnits(ctx context.Context, token string, amountMinor int64) (uint64, uint64, error) {
	assetID, err := s.assetID(token)
	if err != nil {
		return 0, 0, err
	}
	decimals, err := s.client.AssetDecimals(ctx, assetID)
	if err != nil {
		return 0, 0, err
	}
	base, err := money.ToBaseUnits(amountMinor, decimals)
	if err != nil {
		return 0, 0, err
	}
	return assetID, base, nil
}

func (s *LedgerSettler) PrepareFunding(ctx context.Context, sellerAddr, token string, amountMinor int64, tradeID string) (PreparedGroup, error) {
	assetID, base, err := s.baseUnits(ctx, token, amountMinor)
	if err != nil {
		return PreparedGroup{}, err
	}
	artifact, err := s.builder.BuildTransfer(ctx, sellerAddr, s.escrowAddr, base, assetID, []byte("escrow:"+tradeID))
	if err != nil {
		return PreparedGroup{}, err
	}
	return PreparedGroup{
		GroupID:     artifact.GroupID,
		UserTxn:     base64.StdEncoding.EncodeToString(artifact.UserTxn),
		SponsorTxn:  base64.StdEncoding.EncodeToString(artifact.SignedSponsorTxn),
		FeeMicro:    artifact.SponsorFeeMicro,
		UserAddress: sellerAddr,
		AmountMinor: amountMinor,
		Token:       token,
	}, nil
}

// PrepareOptIn builds the sponsored zero-transfer that opts the account in to
// the token's asset.
func (s *LedgerSettler) PrepareOptIn(ctx context.Context, addr, token string) (PreparedGroup, error) {
	assetID, err := s.assetID(token)
	if err != nil {
		return PreparedGroup{}, err
	}
	artifact, err := s.builder.BuildOptIn(ctx, addr, assetID)
	if err != nil {
		return PreparedGroup{}, err
	}
	return PreparedGroup{
		GroupID:     artifact.GroupID,
		UserTxn:     base64.StdEncoding.EncodeToString(artifact.UserTxn),
		SponsorTxn:  base64.StdEncoding.EncodeToString(artifact.SignedSponsorTxn),
		FeeMicro:    artifact.SponsorFeeMicro,
		UserAddress: addr,
		Token:       token,
	}, nil
}

func (s *LedgerSettler) SubmitPrepared(ctx context.Context, prepared PreparedGroup, signedUserTxn []byte) (string, error) {
	sponsorTxn, err := base64.StdEncoding.DecodeString(prepared.SponsorTxn)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrGroupMalformed, err)
	}
	txID, _, err := s.builder.SubmitGroup(ctx, prepared.FeeMicro, signedUserTxn, sponsorTxn)
	if err != nil {
		return "", err
	}
	return txID, nil
}

func (s *LedgerSettler) BuildRelease(ctx context.Context, token string, amountMinor int64, recipientAddr string) (ReleaseGroup, error) {
	assetID, base, err := s.baseUnits(ctx, token, amountMinor)
	if err != nil {
		return ReleaseGroup{}, err
	}
	artifact, err := s.builder.BuildTransfer(ctx, s.escrowAddr, recipientAddr, base, assetID, nil)
	if err != nil {
		return ReleaseGroup{}, err
	}
	signed, err := ledger.SignLeg(ctx, s.escrowSigner, artifact.UserTxn)
	if err != nil {
		return ReleaseGroup{}, err
	}
	return ReleaseGroup{
		GroupID: artifact.GroupID,
		SignedLegs: []string{
			base64.StdEncoding.EncodeToString(signed),
			base64.StdEncoding.EncodeToString(artifact.SignedSponsorTxn),
		},
		FeeMicro: artifact.SponsorFeeMicro,
	}, nil
}

// BuildSplit signs both shares of a partial refund into one atomic group.
func (s *LedgerSettler) BuildSplit(ctx context.Context, token string, firstMinor int64, firstAddr string, secondMinor int64, secondAddr string) (ReleaseGroup, error) {
	assetID, firstBase, err := s.baseUnits(ctx, token, firstMinor)
	if err != nil {
		return ReleaseGroup{}, err
	}
	decimals, err := s.client.AssetDecimals(ctx, assetID)
	if err != nil {
		return ReleaseGroup{}, err
	}
	secondBase, err := money.ToBaseUnits(secondMinor, decimals)
	if err != nil {
		return ReleaseGroup{}, err
	}
	artifact, err := s.builder.BuildSplitTransfer(ctx, s.escrowAddr, firstAddr, firstBase, secondAddr, secondBase, assetID)
	if err != nil {
		return ReleaseGroup{}, err
	}
	legs := make([]string, 0, len(artifact.UserTxns)+1)
	for _, unsigned := range artifact.UserTxns {
		signed, err := ledger.SignLeg(ctx, s.escrowSigner, unsigned)
		if err != nil {
			return ReleaseGroup{}, err
		}
		legs = append(legs, base64.StdEncoding.EncodeToString(signed))
	}
	legs = append(legs, base64.StdEncoding.EncodeToString(artifact.SignedSponsorTxn))
	return ReleaseGroup{
		GroupID:    artifact.GroupID,
		SignedLegs: legs,
		FeeMicro:   artifact.SponsorFeeMicro,
	}, nil
}

func (s *LedgerSettler) SubmitRelease(ctx context.Context, group ReleaseGroup) (string, error) {
	legs := make([][]byte, 0, len(group.SignedLegs))
	for _, leg := range group.SignedLegs {
		raw, err := base64.StdEncoding.DecodeString(leg)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ledger.ErrGroupMalformed, err)
		}
		legs = append(legs, raw)
	}
	txID, _, err := s.builder.SubmitGroup(ctx, group.FeeMicro, legs...)
	return txID, err
}

func (s *LedgerSettler) RequiresOptIn(ctx context.Context, addr, token string) (bool, error) {
	assetID, err := s.assetID(token)
	if err != nil {
		return false, err
	}
	info, err := s.client.AccountInformation(ctx, addr)
	if err != nil {
		return false, err
	}
	_, holds := info.Assets[assetID]
	return !holds, nil
}

// TestSettler returns synthetic hashes so the full trade lifecycle runs
// without a node.
type TestSettler struct{}

func (TestSettler) PrepareFunding(_ context.Context, sellerAddr, token string, amountMinor int64, tradeID string) (PreparedGroup, error) {
	return PreparedGroup{
		GroupID:     "SIM-GROUP-" + tradeID,
		UserTxn:     base64.StdEncoding.EncodeToString([]byte("sim")),
		SponsorTxn:  base64.StdEncoding.EncodeToString([]byte("sim")),
		UserAddress: sellerAddr,
		AmountMinor: amountMinor,
		Token:       token,
	}, nil
}

func (TestSettler) PrepareOptIn(_ context.Context, addr, token string) (PreparedGroup, error) {
	return PreparedGroup{
		GroupID:     "SIM-OPTIN-" + uuid.NewString(),
		UserTxn:     base64.StdEncoding.EncodeToString([]byte("sim")),
		SponsorTxn:  base64.StdEncoding.EncodeToString([]byte("sim")),
		UserAddress: addr,
		Token:       token,
	}, nil
}

func (TestSettler) SubmitPrepared(context.Context, PreparedGroup, []byte) (string, error) {
	return "SIM-FUND-" + uuid.NewString(), nil
}

func (TestSettler) BuildRelease(context.Context, string, int64, string) (ReleaseGroup, error) {
	return ReleaseGroup{GroupID: "SIM-RELEASE-" + uuid.NewString()}, nil
}

func (TestSettler) BuildSplit(context.Context, string, int64, string, int64, string) (ReleaseGroup, error) {
	return ReleaseGroup{GroupID: "SIM-SPLIT-" + uuid.NewString()}, nil
}

// SubmitRelease echoes the group id so resubmitting the same group yields the
// same hash, matching real-node behavior.
func (TestSettler) SubmitRelease(_ context.Context, group ReleaseGroup) (string, error) {
	return group.GroupID, nil
}

func (TestSettler) RequiresOptIn(context.Context, string, string) (bool, error) {
	return false, nil
}
