// Package prover maintains the rolling window of admitted batches and
// verifies result-membership proofs against them.
//
// A batch is admitted only when validators holding at least two thirds of
// the total voting power signed its id, each proven a member of the current
// frontier batch's validator set. Admission advances the frontier and prunes
// batches that fall out of the retention window.
package prover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sedaprotocol/seda-overlay-prover/internal/merkle"
	"github.com/sedaprotocol/seda-overlay-prover/internal/sigverify"
	"github.com/sedaprotocol/seda-overlay-prover/internal/types"
)

// Voting power is a fixed-point share of TotalVotingPower (1e8 units).
const (
	TotalVotingPower uint64 = 100_000_000
	// ConsensusThreshold is the smallest power that clears two thirds of the
	// total: ceil(2 * 1e8 / 3). A signer set summing to 66_666_666 is short
	// of quorum; 66_666_667 reaches it.
	ConsensusThreshold uint64 = 66_666_667
)

// Redis key layout
const (
	latestHeightKey = "prover:latest_height"
	heightsKey      = "prover:heights" // zset of retained heights
	batchKeyPrefix  = "prover:batch:"
)

func batchKey(height uint64) string {
	return batchKeyPrefix + strconv.FormatUint(height, 10)
}

// Prover is the batch-verification state machine. All writes of one
// admission are committed through a single transaction pipeline.
type Prover struct {
	rdb         *redis.Client
	maxBatchAge uint64
	log         *zap.Logger
}

func New(rdb *redis.Client, maxBatchAge uint64, log *zap.Logger) *Prover {
	return &Prover{rdb: rdb, maxBatchAge: maxBatchAge, log: log}
}

// Initialize seeds the genesis batch. The genesis validator set is trusted
// by configuration, not by proof. Fails with ErrAlreadyInitialized when a
// frontier already exists.
func (p *Prover) Initialize(ctx context.Context, genesis types.Batch) error {
	ok, err := p.rdb.SetNX(ctx, latestHeightKey, genesis.Height, 0).Result()
	if err != nil {
		return fmt.Errorf("init latest height: %w", err)
	}
	if !ok {
		return ErrAlreadyInitialized
	}

	pipe := p.rdb.TxPipeline()
	stageBatch(ctx, pipe, genesis, common.Address{})
	pipe.ZAdd(ctx, heightsKey, redis.Z{
		Score:  float64(genesis.Height),
		Member: strconv.FormatUint(genesis.Height, 10),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}
	p.log.Info("genesis batch set",
		zap.Uint64("height", genesis.Height),
		zap.String("validators_root", genesis.ValidatorsRoot.Hex()),
	)
	return nil
}

// LatestHeight returns the current frontier height.
func (p *Prover) LatestHeight(ctx context.Context) (uint64, error) {
	raw, err := p.rdb.Get(ctx, latestHeightKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotInitialized
	}
	if err != nil {
		return 0, fmt.Errorf("get latest height: %w", err)
	}
	h, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt latest height %q: %w", raw, err)
	}
	return h, nil
}

// GetBatch returns the batch stored at height together with the relayer that
// admitted it. Fails with ErrBatchNotFound for heights outside the retained
// window.
func (p *Prover) GetBatch(ctx context.Context, height uint64) (types.Batch, common.Address, error) {
	vals, err := p.rdb.HGetAll(ctx, batchKey(height)).Result()
	if err != nil {
		return types.Batch{}, common.Address{}, fmt.Errorf("get batch %d: %w", height, err)
	}
	if len(vals) == 0 {
		return types.Batch{}, common.Address{}, ErrBatchNotFound
	}
	return batchFromMap(vals)
}

// AdmitBatch verifies a quorum of validator signatures over newBatch and
// commits it, advancing the frontier and pruning batches older than the
// retention window.
//
// signatures[i] must be signed by proofs[i].Signer, and proofs must be in
// strictly increasing signer order so duplicates cannot inflate the
// accumulated power.
func (p *Prover) AdmitBatch(
	ctx context.Context,
	relayer common.Address,
	newBatch types.Batch,
	signatures [][]byte,
	proofs []types.ValidatorProof,
) error {
	if len(signatures) != len(proofs) {
		return ErrMismatchedSignaturesAndProofs
	}

	latest, err := p.LatestHeight(ctx)
	if err != nil {
		return err
	}
	exists, err := p.rdb.Exists(ctx, batchKey(newBatch.Height)).Result()
	if err != nil {
		return fmt.Errorf("check batch %d: %w", newBatch.Height, err)
	}
	if exists == 1 {
		return ErrBatchAlreadyExists
	}
	if latest > p.maxBatchAge && newBatch.Height < latest-p.maxBatchAge {
		return ErrBatchHeightTooOld
	}

	// Validator membership is proven against the frontier batch's
	// validator-set root.
	frontier, _, err := p.GetBatch(ctx, latest)
	if err != nil {
		return err
	}

	batchID := newBatch.ID()
	var power uint64
	var prev common.Address
	for i := range proofs {
		proof := &proofs[i]
		if i > 0 && bytes.Compare(proof.Signer.Bytes(), prev.Bytes()) <= 0 {
			return ErrInvalidValidatorOrder
		}
		prev = proof.Signer

		if !merkle.Verify(frontier.ValidatorsRoot, proof.Leaf(), proof.MerkleProof) {
			return ErrInvalidValidatorProof
		}
		signer, err := sigverify.Recover(batchID, signatures[i])
		if err != nil || signer != proof.Signer {
			return ErrInvalidSignature
		}
		power += uint64(proof.VotingPower)
	}
	if power < ConsensusThreshold {
		return ErrConsensusNotReached
	}

	newLatest := latest
	if newBatch.Height > newLatest {
		newLatest = newBatch.Height
	}

	// Collect prune victims before staging any write; the heights zset still
	// reflects the pre-admission window here.
	var pruned []string
	if newLatest > p.maxBatchAge {
		cutoff := newLatest - p.maxBatchAge // retain heights >= cutoff
		pruned, err = p.rdb.ZRangeByScore(ctx, heightsKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatUint(cutoff, 10),
		}).Result()
		if err != nil {
			return fmt.Errorf("scan prune window: %w", err)
		}
	}

	pipe := p.rdb.TxPipeline()
	stageBatch(ctx, pipe, newBatch, relayer)
	pipe.ZAdd(ctx, heightsKey, redis.Z{
		Score:  float64(newBatch.Height),
		Member: strconv.FormatUint(newBatch.Height, 10),
	})
	pipe.Set(ctx, latestHeightKey, newLatest, 0)
	for _, member := range pruned {
		h, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt height member %q: %w", member, err)
		}
		pipe.Del(ctx, batchKey(h))
		pipe.ZRem(ctx, heightsKey, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit batch %d: %w", newBatch.Height, err)
	}

	p.log.Info("batch admitted",
		zap.Uint64("height", newBatch.Height),
		zap.Uint64("latest_height", newLatest),
		zap.Uint64("voting_power", power),
		zap.Int("validators", len(proofs)),
		zap.Int("pruned", len(pruned)),
		zap.String("relayer", relayer.Hex()),
	)
	return nil
}

// VerifyResultProof checks that resultID's leaf is Merkle-included in the
// resultsRoot of the batch at batchHeight. View-only. Returns the relayer
// that admitted the batch, for fee attribution. Heights outside the retained
// window fail with ErrBatchNotFound.
func (p *Prover) VerifyResultProof(
	ctx context.Context,
	resultID common.Hash,
	batchHeight uint64,
	proof []common.Hash,
) (bool, common.Address, error) {
	latest, err := p.LatestHeight(ctx)
	if err != nil {
		return false, common.Address{}, err
	}
	if batchHeight > latest || (latest > p.maxBatchAge && batchHeight < latest-p.maxBatchAge) {
		return false, common.Address{}, ErrBatchNotFound
	}

	batch, relayer, err := p.GetBatch(ctx, batchHeight)
	if err != nil {
		return false, common.Address{}, err
	}
	ok := merkle.Verify(batch.ResultsRoot, types.ResultLeaf(resultID), proof)
	return ok, relayer, nil
}

func stageBatch(ctx context.Context, pipe redis.Pipeliner, b types.Batch, relayer common.Address) {
	pipe.HSet(ctx, batchKey(b.Height),
		"height", b.Height,
		"origin_height", b.OriginHeight,
		"validators_root", b.ValidatorsRoot.Hex(),
		"results_root", b.ResultsRoot.Hex(),
		"proving_metadata", b.ProvingMetadata.Hex(),
		"relayer", relayer.Hex(),
	)
}

func batchFromMap(m map[string]string) (types.Batch, common.Address, error) {
	height, err := strconv.ParseUint(m["height"], 10, 64)
	if err != nil {
		return types.Batch{}, common.Address{}, fmt.Errorf("corrupt batch height %q: %w", m["height"], err)
	}
	originHeight, err := strconv.ParseUint(m["origin_height"], 10, 64)
	if err != nil {
		return types.Batch{}, common.Address{}, fmt.Errorf("corrupt origin height %q: %w", m["origin_height"], err)
	}
	b := types.Batch{
		Height:          height,
		OriginHeight:    originHeight,
		ValidatorsRoot:  common.HexToHash(m["validators_root"]),
		ResultsRoot:     common.HexToHash(m["results_root"]),
		ProvingMetadata: common.HexToHash(m["proving_metadata"]),
	}
	return b, common.HexToAddress(m["relayer"]), nil
}
