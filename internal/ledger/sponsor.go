package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

var (
	ErrSponsorInsufficient = errors.New("sponsor balance insufficient")
	ErrGroupMalformed      = errors.New("sponsored group malformed")
)

// GroupArtifact is the opaque output of the builder: the user leg unsigned,
// the sponsor leg already signed, both msgpack blobs. Nothing outside this
// package handles SDK types.
type GroupArtifact struct {
	GroupID          string
	UserTxn          []byte
	SignedSponsorTxn []byte
	SponsorFeeMicro  uint64
}

// Gate is the sponsor-health check every build consults before touching the
// ledger.
type Gate interface {
	CanSponsor(ctx context.Context) (bool, error)
	RecordSponsored(ctx context.Context, feeMicro uint64)
	RecordFailed(ctx context.Context)
}

// Builder constructs sponsored atomic groups: the user leg pays zero fee and
// the sponsor leg carries the combined fee.
type Builder struct {
	client        Client
	sponsor       Signer
	gate          Gate
	maxFeeMicro   uint64
	maxWaitRounds uint64
}

func NewBuilder(client Client, sponsor Signer, gate Gate, maxFeeMicro, maxWaitRounds uint64) *Builder {
	return &Builder{
		client:        client,
		sponsor:       sponsor,
		gate:          gate,
		maxFeeMicro:   maxFeeMicro,
		maxWaitRounds: maxWaitRounds,
	}
}

// BuildTransfer builds a 2-txn group moving amountBase from sender to
// recipient. assetID 0 means the network's native coin.
func (b *Builder) BuildTransfer(ctx context.Context, sender, recipient string, amountBase uint64, assetID uint64, note []byte) (GroupArtifact, error) {
	if amountBase == 0 {
		return GroupArtifact{}, fmt.Errorf("%w: zero amount", ErrGroupMalformed)
	}
	return b.build(ctx, func(params types.SuggestedParams) ([]types.Transaction, error) {
		userTxn, err := makeUserLeg(sender, recipient, amountBase, assetID, note, params)
		if err != nil {
			return nil, err
		}
		return []types.Transaction{userTxn}, nil
	})
}

// BuildOptIn builds a 2-txn group whose user leg is the 0-amount
// self-transfer that opts the account in to the asset. Opt-in is never
// combined with a transfer; callers issue it as its own group first.
func (b *Builder) BuildOptIn(ctx context.Context, account string, assetID uint64) (GroupArtifact, error) {
	if assetID == 0 {
		return GroupArtifact{}, fmt.Errorf("%w: opt-in requires an asset id", ErrGroupMalformed)
	}
	return b.build(ctx, func(params types.SuggestedParams) ([]types.Transaction, error) {
		userTxn, err := makeUserLeg(account, account, 0, assetID, nil, params)
		if err != nil {
			return nil, err
		}
		return []types.Transaction{userTxn}, nil
	})
}

// BuildSplitTransfer builds one atomic group with two user transfers from the
// same sender, used by partial dispute refunds so both shares settle or
// neither does.
func (b *Builder) BuildSplitTransfer(ctx context.Context, sender, firstRecipient string, firstBase uint64, secondRecipient string, secondBase uint64, assetID uint64) (SplitArtifact, error) {
	if firstBase == 0 || secondBase == 0 {
		return SplitArtifact{}, fmt.Errorf("%w: zero amount in split", ErrGroupMalformed)
	}
	artifact, err := b.buildN(ctx, func(params types.SuggestedParams) ([]types.Transaction, error) {
		first, err := makeUserLeg(sender, firstRecipient, firstBase, assetID, nil, params)
		if err != nil {
			return nil, err
		}
		second, err := makeUserLeg(sender, secondRecipient, secondBase, assetID, nil, params)
		if err != nil {
			return nil, err
		}
		return []types.Transaction{first, second}, nil
	})
	if err != nil {
		return SplitArtifact{}, err
	}
	return artifact, nil
}

// SplitArtifact carries the two unsigned user legs of a split group.
type SplitArtifact struct {
	GroupID          string
	UserTxns         [][]byte
	SignedSponsorTxn []byte
	SponsorFeeMicro  uint64
}

func (b *Builder) build(ctx context.Context, legs func(types.SuggestedParams) ([]types.Transaction, error)) (GroupArtifact, error) {
	artifact, err := b.buildN(ctx, legs)
	if err != nil {
		return GroupArtifact{}, err
	}
	return GroupArtifact{
		GroupID:          artifact.GroupID,
		UserTxn:          artifact.UserTxns[0],
		SignedSponsorTxn: artifact.SignedSponsorTxn,
		SponsorFeeMicro:  artifact.SponsorFeeMicro,
	}, nil
}

func (b *Builder) buildN(ctx context.Context, legs func(types.SuggestedParams) ([]types.Transaction, error)) (SplitArtifact, error) {
	ok, err := b.gate.CanSponsor(ctx)
	if err != nil {
		return SplitArtifact{}, err
	}
	if !ok {
		return SplitArtifact{}, ErrSponsorInsufficient
	}
	params, err := b.client.SuggestedParams(ctx)
	if err != nil {
		return SplitArtifact{}, err
	}

	userParams := params
	userParams.FlatFee = true
	userParams.Fee = 0
	userTxns, err := legs(userParams)
	if err != nil {
		return SplitArtifact{}, fmt.Errorf("%w: %v", ErrGroupMalformed, err)
	}

	fee, err := sponsorFee(params.MinFee, uint64(len(userTxns))+1, b.maxFeeMicro)
	if err != nil {
		return SplitArtifact{}, err
	}
	sponsorParams := params
	sponsorParams.FlatFee = true
	sponsorParams.Fee = types.MicroAlgos(fee)
	// The sponsor leg moves no value; it exists to carry the group fee.
	sponsorTxn, err := transaction.MakePaymentTxn(b.sponsor.Address(), userTxns[0].Sender.String(), 0, nil, "", sponsorParams)
	if err != nil {
		return SplitArtifact{}, fmt.Errorf("%w: %v", ErrGroupMalformed, err)
	}

	group := append(append([]types.Transaction{}, userTxns...), sponsorTxn)
	grouped, err := transaction.AssignGroupID(group, "")
	if err != nil {
		return SplitArtifact{}, fmt.Errorf("%w: %v", ErrGroupMalformed, err)
	}

	signedSponsor, err := b.sponsor.Sign(ctx, grouped[len(grouped)-1])
	if err != nil {
		return SplitArtifact{}, err
	}

	encoded := make([][]byte, 0, len(grouped)-1)
	for _, txn := range grouped[:len(grouped)-1] {
		leg := txn
		encoded = append(encoded, msgpack.Encode(&leg))
	}
	groupID := base64.StdEncoding.EncodeToString(grouped[0].Group[:])
	return SplitArtifact{
		GroupID:          groupID,
		UserTxns:         encoded,
		SignedSponsorTxn: signedSponsor,
		SponsorFeeMicro:  fee,
	}, nil
}

// SignLeg signs one unsigned leg with the given signer. Used for
// platform-held accounts; end users sign on their own device.
func SignLeg(ctx context.Context, signer Signer, unsigned []byte) ([]byte, error) {
	var txn types.Transaction
	if err := msgpack.Decode(unsigned, &txn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGroupMalformed, err)
	}
	return signer.Sign(ctx, txn)
}

// SubmitGroup concatenates the signed legs in group order and submits them as
// one raw blob; the node parses the blob sequentially and validates the group
// atomically.
func (b *Builder) SubmitGroup(ctx context.Context, feeMicro uint64, signedLegs ...[]byte) (string, uint64, error) {
	var raw []byte
	for _, leg := range signedLegs {
		if len(leg) == 0 {
			return "", 0, fmt.Errorf("%w: empty signed leg", ErrGroupMalformed)
		}
		raw = append(raw, leg...)
	}
	txID, err := b.client.SubmitRaw(ctx, raw)
	if err != nil {
		b.gate.RecordFailed(ctx)
		return "", 0, err
	}
	round, err := b.client.AwaitConfirmation(ctx, txID, b.maxWaitRounds)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			b.gate.RecordFailed(ctx)
		}
		return txID, 0, err
	}
	b.gate.RecordSponsored(ctx, feeMicro)
	return txID, round, nil
}

func makeUserLeg(sender, recipient string, amountBase, assetID uint64, note []byte, params types.SuggestedParams) (types.Transaction, error) {
	if assetID == 0 {
		return transaction.MakePaymentTxn(sender, recipient, amountBase, note, "", params)
	}
	return transaction.MakeAssetTransferTxn(sender, recipient, amountBase, note, params, "", assetID)
}

// sponsorFee covers every leg of the group and stays inside both the
// protocol bound and the operator's per-tx cap.
func sponsorFee(minFee, legs, maxFeeMicro uint64) (uint64, error) {
	if minFee == 0 {
		minFee = 1000
	}
	fee := minFee * legs
	if fee < 2*minFee {
		fee = 2 * minFee
	}
	if fee > 20*minFee {
		fee = 20 * minFee
	}
	if maxFeeMicro > 0 && fee > maxFeeMicro {
		return 0, fmt.Errorf("%w: fee %d exceeds cap %d", ErrGroupMalformed, fee, maxFeeMicro)
	}
	return fee, nil
}
