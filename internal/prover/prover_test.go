package prover

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sedaprotocol/seda-overlay-prover/internal/merkle"
	"github.com/sedaprotocol/seda-overlay-prover/internal/types"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb, mr
}

// validator is a test signer with its committed weight.
type validator struct {
	key   *ecdsa.PrivateKey
	addr  common.Address
	power uint32
}

// newValidatorSet generates n signers sorted by address, splitting the total
// voting power evenly with the remainder on the first.
func newValidatorSet(t *testing.T, n int) []validator {
	t.Helper()
	vals := make([]validator, n)
	for i := range vals {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		vals[i] = validator{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
	}
	sort.Slice(vals, func(i, j int) bool {
		return bytes.Compare(vals[i].addr.Bytes(), vals[j].addr.Bytes()) < 0
	})

	share := uint32(TotalVotingPower / uint64(n))
	for i := range vals {
		vals[i].power = share
	}
	vals[0].power += uint32(TotalVotingPower - uint64(share)*uint64(n))
	return vals
}

func validatorLeaves(vals []validator) []common.Hash {
	leaves := make([]common.Hash, len(vals))
	for i, v := range vals {
		p := types.ValidatorProof{Signer: v.addr, VotingPower: v.power}
		leaves[i] = p.Leaf()
	}
	return leaves
}

// signBatch produces signatures and membership proofs for vals[indices],
// in the given order.
func signBatch(t *testing.T, b types.Batch, vals []validator, indices []int) ([][]byte, []types.ValidatorProof) {
	t.Helper()
	leaves := validatorLeaves(vals)
	id := b.ID()

	sigs := make([][]byte, len(indices))
	proofs := make([]types.ValidatorProof, len(indices))
	for i, idx := range indices {
		sig, err := crypto.Sign(id.Bytes(), vals[idx].key)
		if err != nil {
			t.Fatal(err)
		}
		sigs[i] = sig
		proofs[i] = types.ValidatorProof{
			Signer:      vals[idx].addr,
			VotingPower: vals[idx].power,
			MerkleProof: merkle.Prove(leaves, idx),
		}
	}
	return sigs, proofs
}

func genesisBatch(vals []validator) types.Batch {
	return types.Batch{
		Height:          1,
		OriginHeight:    100,
		ValidatorsRoot:  merkle.Root(validatorLeaves(vals)),
		ResultsRoot:     crypto.Keccak256Hash([]byte("genesis-results")),
		ProvingMetadata: common.Hash{},
	}
}

func nextBatch(height uint64) types.Batch {
	return types.Batch{
		Height:          height,
		OriginHeight:    100 + height*10,
		ValidatorsRoot:  crypto.Keccak256Hash([]byte{byte(height), 'v'}),
		ResultsRoot:     crypto.Keccak256Hash([]byte{byte(height), 'r'}),
		ProvingMetadata: common.Hash{},
	}
}

// seeded returns a prover with genesis at height 1 over vals.
func seeded(t *testing.T, vals []validator, maxBatchAge uint64) (*Prover, context.Context) {
	t.Helper()
	rdb, _ := newTestRedis(t)
	ctx := context.Background()

	p := New(rdb, maxBatchAge, zap.NewNop())
	if err := p.Initialize(ctx, genesisBatch(vals)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return p, ctx
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// ── Initialize / LatestHeight ─────────────────────────────────────────────────

func TestInitialize(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	h, err := p.LatestHeight(ctx)
	if err != nil {
		t.Fatalf("LatestHeight: %v", err)
	}
	if h != 1 {
		t.Fatalf("latest height: got %d want 1", h)
	}

	batch, relayer, err := p.GetBatch(ctx, 1)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if batch.ValidatorsRoot != genesisBatch(vals).ValidatorsRoot {
		t.Error("stored genesis validators root does not match")
	}
	if relayer != (common.Address{}) {
		t.Errorf("genesis relayer: got %s want zero address", relayer.Hex())
	}
}

func TestInitialize_Twice(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	err := p.Initialize(ctx, genesisBatch(vals))
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestLatestHeight_NotInitialized(t *testing.T) {
	rdb, _ := newTestRedis(t)
	p := New(rdb, 100, zap.NewNop())

	_, err := p.LatestHeight(context.Background())
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

// ── AdmitBatch ────────────────────────────────────────────────────────────────

func TestAdmitBatch(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	relayer := common.HexToAddress("0x00000000000000000000000000000000000Re1a1")
	b := nextBatch(2)
	sigs, proofs := signBatch(t, b, vals, allIndices(4))

	if err := p.AdmitBatch(ctx, relayer, b, sigs, proofs); err != nil {
		t.Fatalf("AdmitBatch: %v", err)
	}

	h, _ := p.LatestHeight(ctx)
	if h != 2 {
		t.Fatalf("latest height: got %d want 2", h)
	}
	got, gotRelayer, err := p.GetBatch(ctx, 2)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.ID() != b.ID() {
		t.Error("stored batch does not round-trip")
	}
	if gotRelayer != relayer {
		t.Errorf("relayer: got %s want %s", gotRelayer.Hex(), relayer.Hex())
	}
}

func TestAdmitBatch_QuorumSubset(t *testing.T) {
	// 3 of 4 equal-weight validators clear two thirds.
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	b := nextBatch(2)
	sigs, proofs := signBatch(t, b, vals, []int{0, 1, 2})
	if err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs); err != nil {
		t.Fatalf("AdmitBatch with 3/4 power: %v", err)
	}
}

func TestAdmitBatch_ConsensusNotReached(t *testing.T) {
	// 2 of 4 equal-weight validators is half the power, below two thirds.
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	b := nextBatch(2)
	sigs, proofs := signBatch(t, b, vals, []int{0, 1})
	err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs)
	if !errors.Is(err, ErrConsensusNotReached) {
		t.Fatalf("expected ErrConsensusNotReached, got %v", err)
	}
	if h, _ := p.LatestHeight(ctx); h != 1 {
		t.Fatalf("failed admission moved the frontier to %d", h)
	}
}

func TestAdmitBatch_ThresholdBoundary(t *testing.T) {
	// Two validators holding exactly 66_666_666 and 66_666_667: one unit
	// below the threshold must fail, the threshold itself must pass.
	cases := []struct {
		power   uint32
		admit   bool
		wantErr error
	}{
		{66_666_666, false, ErrConsensusNotReached},
		{66_666_667, true, nil},
	}
	for _, tc := range cases {
		vals := newValidatorSet(t, 2)
		vals[0].power = tc.power
		vals[1].power = uint32(TotalVotingPower) - tc.power

		p, ctx := seeded(t, vals, 100)
		b := nextBatch(2)
		sigs, proofs := signBatch(t, b, vals, []int{0})

		err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs)
		if tc.admit && err != nil {
			t.Errorf("power %d: expected admission, got %v", tc.power, err)
		}
		if !tc.admit && !errors.Is(err, tc.wantErr) {
			t.Errorf("power %d: expected %v, got %v", tc.power, tc.wantErr, err)
		}
	}
}

func TestAdmitBatch_MismatchedLengths(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	b := nextBatch(2)
	sigs, proofs := signBatch(t, b, vals, allIndices(4))
	err := p.AdmitBatch(ctx, common.Address{1}, b, sigs[:3], proofs)
	if !errors.Is(err, ErrMismatchedSignaturesAndProofs) {
		t.Fatalf("expected ErrMismatchedSignaturesAndProofs, got %v", err)
	}
}

func TestAdmitBatch_AlreadyExists(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	b := nextBatch(2)
	sigs, proofs := signBatch(t, b, vals, allIndices(4))
	if err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs); err != nil {
		t.Fatal(err)
	}

	err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs)
	if !errors.Is(err, ErrBatchAlreadyExists) {
		t.Fatalf("expected ErrBatchAlreadyExists, got %v", err)
	}

	// Same height, different content: still rejected.
	other := nextBatch(2)
	other.ResultsRoot = crypto.Keccak256Hash([]byte("other"))
	sigs, proofs = signBatch(t, other, vals, allIndices(4))
	err = p.AdmitBatch(ctx, common.Address{1}, other, sigs, proofs)
	if !errors.Is(err, ErrBatchAlreadyExists) {
		t.Fatalf("expected ErrBatchAlreadyExists for same-height batch, got %v", err)
	}
}

func TestAdmitBatch_UnsortedSigners(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	b := nextBatch(2)
	sigs, proofs := signBatch(t, b, vals, []int{1, 0, 2, 3})
	err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs)
	if !errors.Is(err, ErrInvalidValidatorOrder) {
		t.Fatalf("expected ErrInvalidValidatorOrder, got %v", err)
	}
}

func TestAdmitBatch_DuplicateSigner(t *testing.T) {
	// A validator repeated to inflate its power trips the strict ordering.
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	b := nextBatch(2)
	sigs, proofs := signBatch(t, b, vals, []int{0, 0, 1, 2})
	err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs)
	if !errors.Is(err, ErrInvalidValidatorOrder) {
		t.Fatalf("expected ErrInvalidValidatorOrder, got %v", err)
	}
}

func TestAdmitBatch_NonMemberValidator(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	b := nextBatch(2)
	sigs, proofs := signBatch(t, b, vals, allIndices(4))

	// Overstate one validator's power; its leaf no longer matches the tree.
	proofs[0].VotingPower++
	err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs)
	if !errors.Is(err, ErrInvalidValidatorProof) {
		t.Fatalf("expected ErrInvalidValidatorProof, got %v", err)
	}
}

func TestAdmitBatch_SignatureFromWrongKey(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	b := nextBatch(2)
	sigs, proofs := signBatch(t, b, vals, allIndices(4))

	// vals[1]'s slot carries vals[2]'s signature.
	wrongSig, _ := crypto.Sign(b.ID().Bytes(), vals[2].key)
	sigs[1] = wrongSig
	err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestAdmitBatch_SignatureOverWrongBatch(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	decoy := nextBatch(3)
	sigs, _ := signBatch(t, decoy, vals, allIndices(4))
	b := nextBatch(2)
	_, proofs := signBatch(t, b, vals, allIndices(4))

	err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestAdmitBatch_TooOld(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 5)

	// Move the frontier far forward.
	for h := uint64(2); h <= 10; h++ {
		b := nextBatch(h)
		sigs, proofs := signBatch(t, b, vals, allIndices(4))
		if err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs); err != nil {
			t.Fatalf("admit %d: %v", h, err)
		}
	}

	// Height 4 < 10-5, outside the window.
	b := nextBatch(4)
	sigs, proofs := signBatch(t, b, vals, allIndices(4))
	err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs)
	if !errors.Is(err, ErrBatchHeightTooOld) {
		t.Fatalf("expected ErrBatchHeightTooOld, got %v", err)
	}
}

func TestAdmitBatch_BackfillWithinWindow(t *testing.T) {
	// A gap height inside the window is admissible and does not move the
	// frontier backwards.
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	b5 := nextBatch(5)
	sigs, proofs := signBatch(t, b5, vals, allIndices(4))
	if err := p.AdmitBatch(ctx, common.Address{1}, b5, sigs, proofs); err != nil {
		t.Fatal(err)
	}

	b3 := nextBatch(3)
	sigs, proofs = signBatch(t, b3, vals, allIndices(4))
	if err := p.AdmitBatch(ctx, common.Address{1}, b3, sigs, proofs); err != nil {
		t.Fatalf("backfill admit: %v", err)
	}
	if h, _ := p.LatestHeight(ctx); h != 5 {
		t.Fatalf("frontier moved backwards: got %d want 5", h)
	}
}

func TestAdmitBatch_Pruning(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 3)

	for h := uint64(2); h <= 6; h++ {
		b := nextBatch(h)
		sigs, proofs := signBatch(t, b, vals, allIndices(4))
		if err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs); err != nil {
			t.Fatalf("admit %d: %v", h, err)
		}
	}

	// Window is [3, 6]; heights 1 and 2 must be gone.
	for _, h := range []uint64{1, 2} {
		if _, _, err := p.GetBatch(ctx, h); !errors.Is(err, ErrBatchNotFound) {
			t.Errorf("height %d: expected ErrBatchNotFound, got %v", h, err)
		}
	}
	for _, h := range []uint64{3, 4, 5, 6} {
		if _, _, err := p.GetBatch(ctx, h); err != nil {
			t.Errorf("height %d: expected retained batch, got %v", h, err)
		}
	}
}

func TestAdmitBatch_ValidatorSetRotation(t *testing.T) {
	// The admitted batch's validatorsRoot governs the next admission.
	oldVals := newValidatorSet(t, 4)
	p, ctx := seeded(t, oldVals, 100)

	newVals := newValidatorSet(t, 3)
	b2 := nextBatch(2)
	b2.ValidatorsRoot = merkle.Root(validatorLeaves(newVals))
	sigs, proofs := signBatch(t, b2, oldVals, allIndices(4))
	if err := p.AdmitBatch(ctx, common.Address{1}, b2, sigs, proofs); err != nil {
		t.Fatal(err)
	}

	// Old set can no longer admit.
	b3 := nextBatch(3)
	sigs, proofs = signBatch(t, b3, oldVals, allIndices(4))
	err := p.AdmitBatch(ctx, common.Address{1}, b3, sigs, proofs)
	if !errors.Is(err, ErrInvalidValidatorProof) {
		t.Fatalf("old validator set admitted after rotation: %v", err)
	}

	// New set can.
	sigs, proofs = signBatch(t, b3, newVals, allIndices(3))
	if err := p.AdmitBatch(ctx, common.Address{1}, b3, sigs, proofs); err != nil {
		t.Fatalf("new validator set rejected: %v", err)
	}
}

// ── VerifyResultProof ─────────────────────────────────────────────────────────

func TestVerifyResultProof(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 100)

	resultIDs := []common.Hash{
		crypto.Keccak256Hash([]byte("result-0")),
		crypto.Keccak256Hash([]byte("result-1")),
		crypto.Keccak256Hash([]byte("result-2")),
	}
	leaves := make([]common.Hash, len(resultIDs))
	for i, id := range resultIDs {
		leaves[i] = types.ResultLeaf(id)
	}

	relayer := common.HexToAddress("0x00000000000000000000000000000000000Re1a1")
	b := nextBatch(2)
	b.ResultsRoot = merkle.Root(leaves)
	sigs, proofs := signBatch(t, b, vals, allIndices(4))
	if err := p.AdmitBatch(ctx, relayer, b, sigs, proofs); err != nil {
		t.Fatal(err)
	}

	for i, id := range resultIDs {
		ok, gotRelayer, err := p.VerifyResultProof(ctx, id, 2, merkle.Prove(leaves, i))
		if err != nil {
			t.Fatalf("VerifyResultProof(%d): %v", i, err)
		}
		if !ok {
			t.Errorf("result %d: valid proof rejected", i)
		}
		if gotRelayer != relayer {
			t.Errorf("result %d: relayer %s want %s", i, gotRelayer.Hex(), relayer.Hex())
		}
	}

	// Unknown result id fails cleanly.
	ok, _, err := p.VerifyResultProof(ctx, crypto.Keccak256Hash([]byte("absent")), 2, merkle.Prove(leaves, 0))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("proof verified for a result not in the tree")
	}
}

func TestVerifyResultProof_HeightOutsideWindow(t *testing.T) {
	vals := newValidatorSet(t, 4)
	p, ctx := seeded(t, vals, 3)

	for h := uint64(2); h <= 6; h++ {
		b := nextBatch(h)
		sigs, proofs := signBatch(t, b, vals, allIndices(4))
		if err := p.AdmitBatch(ctx, common.Address{1}, b, sigs, proofs); err != nil {
			t.Fatal(err)
		}
	}

	id := crypto.Keccak256Hash([]byte("result"))
	for _, h := range []uint64{1, 2, 7} {
		_, _, err := p.VerifyResultProof(ctx, id, h, nil)
		if !errors.Is(err, ErrBatchNotFound) {
			t.Errorf("height %d: expected ErrBatchNotFound, got %v", h, err)
		}
	}
}

func TestVerifyResultProof_NotInitialized(t *testing.T) {
	rdb, _ := newTestRedis(t)
	p := New(rdb, 100, zap.NewNop())

	_, _, err := p.VerifyResultProof(context.Background(), common.Hash{}, 1, nil)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
