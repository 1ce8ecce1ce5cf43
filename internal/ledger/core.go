// Package ledger implements the proof-settlement core: the request and
// result ledgers, the pending-request pool, and pull-based fee escrow.
//
// Every public operation is atomic: all reads and verification happen
// first, then every write of the operation is committed through a single
// transaction pipeline. A failing operation stages nothing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sedaprotocol/seda-overlay-prover/internal/events"
	"github.com/sedaprotocol/seda-overlay-prover/internal/payout"
	"github.com/sedaprotocol/seda-overlay-prover/internal/types"
)

// batchVerifier is the slice of the batch prover the core depends on.
type batchVerifier interface {
	AdmitBatch(ctx context.Context, relayer common.Address, newBatch types.Batch, signatures [][]byte, proofs []types.ValidatorProof) error
	VerifyResultProof(ctx context.Context, resultID common.Hash, batchHeight uint64, proof []common.Hash) (bool, common.Address, error)
}

// Core is the single entry point for every engine operation. A process-wide
// mutex models the host's global sequential execution order. The only
// external call — the withdrawal transfer — runs outside the lock, after its
// balance debit has committed, so a re-entering recipient observes the
// already-zeroed balance.
type Core struct {
	mu         sync.Mutex
	rdb        *redis.Client
	prover     batchVerifier
	transferor payout.Transferor
	sink       events.Sink
	limits     Limits
	log        *zap.Logger
}

func NewCore(
	rdb *redis.Client,
	prover batchVerifier,
	transferor payout.Transferor,
	sink events.Sink,
	limits Limits,
	log *zap.Logger,
) *Core {
	return &Core{
		rdb:        rdb,
		prover:     prover,
		transferor: transferor,
		sink:       sink,
		limits:     limits,
		log:        log,
	}
}

// PostRequest validates parameter floors, escrows the attached fees, stores
// the request, and adds it to the pending pool.
//
// Posting is idempotent by content: identical inputs collide to the same id,
// and a duplicate returns the existing id without writing state, emitting an
// event, or escrowing the attached value again.
func (c *Core) PostRequest(
	ctx context.Context,
	caller common.Address,
	req types.Request,
	fees types.RequestFees,
	attachedValue *big.Int,
) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateRequest(&req, c.limits); err != nil {
		return common.Hash{}, err
	}
	id := req.ID()

	if _, err := getRequestRecord(ctx, c.rdb, id); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrRequestNotFound) {
		return common.Hash{}, err
	}

	if attachedValue == nil || attachedValue.Cmp(fees.Total()) != 0 {
		return common.Hash{}, ErrInvalidFeeAmount
	}

	rec := &RequestRecord{
		Request:   req,
		Requester: caller,
		Fees:      fees,
		PostedAt:  time.Now().Unix(),
	}
	pipe := c.rdb.TxPipeline()
	if err := stageRequestRecord(ctx, pipe, id, rec); err != nil {
		return common.Hash{}, err
	}
	if err := poolAdd(ctx, c.rdb, pipe, id); err != nil {
		return common.Hash{}, err
	}
	if err := stageAmountDelta(ctx, c.rdb, pipe, escrowTotalKey, attachedValue); err != nil {
		return common.Hash{}, err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return common.Hash{}, fmt.Errorf("commit request: %w", err)
	}

	c.sink.Emit(ctx, events.Event{Type: events.TypeRequestPosted, Fields: map[string]string{
		"request_id": id.Hex(),
		"requester":  caller.Hex(),
		"escrow":     attachedValue.String(),
	}})
	return id, nil
}

// GetRequest returns the stored request record for id.
func (c *Core) GetRequest(ctx context.Context, id common.Hash) (*RequestRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return getRequestRecord(ctx, c.rdb, id)
}

// ListPending returns up to limit pending request ids starting at offset, in
// current pool order. Pages taken while the pool mutates may omit or repeat
// entries; see the pool's consistency note.
func (c *Core) ListPending(ctx context.Context, offset, limit int64) ([]common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return poolList(ctx, c.rdb, offset, limit)
}

// PendingCount returns the number of requests awaiting a result.
func (c *Core) PendingCount(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return poolLen(ctx, c.rdb)
}

// IncreaseFees escrows additional fees for a still-pending request. The
// attached value must equal the sum of the additional fees; totals only ever
// grow.
func (c *Core) IncreaseFees(
	ctx context.Context,
	caller common.Address,
	requestID common.Hash,
	additional types.RequestFees,
	attachedValue *big.Int,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := getRequestRecord(ctx, c.rdb, requestID)
	if err != nil {
		return err
	}
	pending, err := poolContains(ctx, c.rdb, requestID)
	if err != nil {
		return err
	}
	if !pending {
		return ErrRequestAlreadyResolved
	}
	if attachedValue == nil || attachedValue.Cmp(additional.Total()) != 0 {
		return ErrInvalidFeeAmount
	}

	rec.Fees = rec.Fees.Add(additional)
	pipe := c.rdb.TxPipeline()
	if err := stageRequestRecord(ctx, pipe, requestID, rec); err != nil {
		return err
	}
	if err := stageAmountDelta(ctx, c.rdb, pipe, escrowTotalKey, attachedValue); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit fee increase: %w", err)
	}

	c.sink.Emit(ctx, events.Event{Type: events.TypeFeesIncreased, Fields: map[string]string{
		"request_id":  requestID.Hex(),
		"caller":      caller.Hex(),
		"request_fee": rec.Fees.RequestFee.String(),
		"result_fee":  rec.Fees.ResultFee.String(),
		"batch_fee":   rec.Fees.BatchFee.String(),
	}})
	return nil
}

// AdmitBatch advances the trusted frontier with a quorum-signed batch,
// attributing it to the submitting relayer for later batch-fee settlement.
func (c *Core) AdmitBatch(
	ctx context.Context,
	relayer common.Address,
	newBatch types.Batch,
	signatures [][]byte,
	proofs []types.ValidatorProof,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.prover.AdmitBatch(ctx, relayer, newBatch, signatures, proofs); err != nil {
		return err
	}
	c.sink.Emit(ctx, events.Event{Type: events.TypeBatchAdmitted, Fields: map[string]string{
		"height":   strconv.FormatUint(newBatch.Height, 10),
		"batch_id": newBatch.ID().Hex(),
		"relayer":  relayer.Hex(),
	}})
	return nil
}

// PostResult verifies the result's membership proof against an admitted
// batch, stores it, removes the settled request from the pending pool, and
// distributes the escrowed fees. Exactly one result settles a request; a
// second result for the same request fails with ErrRequestAlreadyResolved.
func (c *Core) PostResult(
	ctx context.Context,
	caller common.Address,
	res types.Result,
	batchHeight uint64,
	proof []common.Hash,
) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := res.ID()
	if _, err := getResultRecord(ctx, c.rdb, id); err == nil {
		return common.Hash{}, ErrResultAlreadyExists
	} else if !errors.Is(err, ErrResultNotFound) {
		return common.Hash{}, err
	}

	ok, relayer, err := c.prover.VerifyResultProof(ctx, id, batchHeight, proof)
	if err != nil {
		return common.Hash{}, err
	}
	if !ok {
		return common.Hash{}, ErrInvalidResultProof
	}

	reqRec, err := getRequestRecord(ctx, c.rdb, res.RequestID)
	if err != nil {
		return common.Hash{}, err
	}
	pending, err := poolContains(ctx, c.rdb, res.RequestID)
	if err != nil {
		return common.Hash{}, err
	}
	if !pending {
		return common.Hash{}, ErrRequestAlreadyResolved
	}

	credits := settleFees(reqRec, &res, caller, relayer)

	rec := &ResultRecord{
		Result:      res,
		BatchHeight: batchHeight,
		Submitter:   caller,
		PostedAt:    time.Now().Unix(),
	}
	pipe := c.rdb.TxPipeline()
	if err := stageResultRecord(ctx, pipe, id, rec); err != nil {
		return common.Hash{}, err
	}
	if err := poolRemove(ctx, c.rdb, pipe, res.RequestID); err != nil {
		return common.Hash{}, err
	}
	if err := stageCredits(ctx, c.rdb, pipe, credits); err != nil {
		return common.Hash{}, err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return common.Hash{}, fmt.Errorf("commit result: %w", err)
	}

	c.sink.Emit(ctx, events.Event{Type: events.TypeResultPosted, Fields: map[string]string{
		"result_id":    id.Hex(),
		"request_id":   res.RequestID.Hex(),
		"batch_height": strconv.FormatUint(batchHeight, 10),
		"submitter":    caller.Hex(),
	}})
	for addr, amount := range credits {
		c.sink.Emit(ctx, events.Event{Type: events.TypeFeeDistributed, Fields: map[string]string{
			"request_id": res.RequestID.Hex(),
			"recipient":  addr.Hex(),
			"amount":     amount.String(),
		}})
	}
	return id, nil
}

// GetResult returns the stored result record for id.
func (c *Core) GetResult(ctx context.Context, id common.Hash) (*ResultRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return getResultRecord(ctx, c.rdb, id)
}

// Credit adds attachedValue to the recipient's fee balance.
func (c *Core) Credit(ctx context.Context, recipient common.Address, attachedValue *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if recipient == (common.Address{}) {
		return ErrInvalidRecipient
	}
	if attachedValue == nil || attachedValue.Sign() < 0 {
		return ErrInvalidFeeAmount
	}

	pipe := c.rdb.TxPipeline()
	if err := stageCredits(ctx, c.rdb, pipe, map[common.Address]*big.Int{recipient: attachedValue}); err != nil {
		return err
	}
	if err := stageAmountDelta(ctx, c.rdb, pipe, escrowTotalKey, attachedValue); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit credit: %w", err)
	}

	c.sink.Emit(ctx, events.Event{Type: events.TypeFeeAdded, Fields: map[string]string{
		"recipient": recipient.Hex(),
		"amount":    attachedValue.String(),
	}})
	return nil
}

// CreditMany credits each (recipient, amount) pair all-or-nothing. The
// attached value must equal the sum of the amounts.
func (c *Core) CreditMany(ctx context.Context, recipients []common.Address, amounts []*big.Int, attachedValue *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(recipients) != len(amounts) {
		return ErrArrayLengthMismatch
	}

	sum := new(big.Int)
	credits := make(map[common.Address]*big.Int, len(recipients))
	for i, recipient := range recipients {
		if recipient == (common.Address{}) {
			return ErrInvalidRecipient
		}
		amount := amounts[i]
		if amount == nil || amount.Sign() < 0 {
			return ErrInvalidFeeAmount
		}
		sum.Add(sum, amount)
		if cur, ok := credits[recipient]; ok {
			cur.Add(cur, amount)
		} else {
			credits[recipient] = new(big.Int).Set(amount)
		}
	}
	if attachedValue == nil || attachedValue.Cmp(sum) != 0 {
		return ErrFeeAmountMismatch
	}

	pipe := c.rdb.TxPipeline()
	if err := stageCredits(ctx, c.rdb, pipe, credits); err != nil {
		return err
	}
	if err := stageAmountDelta(ctx, c.rdb, pipe, escrowTotalKey, attachedValue); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit credits: %w", err)
	}

	for i, recipient := range recipients {
		c.sink.Emit(ctx, events.Event{Type: events.TypeFeeAdded, Fields: map[string]string{
			"recipient": recipient.Hex(),
			"amount":    amounts[i].String(),
		}})
	}
	return nil
}

// Balance returns the withdrawable fee balance of addr.
func (c *Core) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return getAmount(ctx, c.rdb, balanceKey(addr))
}

// Withdraw pays out the caller's entire fee balance. The balance is zeroed
// and committed before the external transfer runs, so a transfer callback
// that re-enters Withdraw fails with ErrNoFeesToWithdraw. A failed transfer
// restores the balance and returns ErrFeeTransferFailed.
func (c *Core) Withdraw(ctx context.Context, caller common.Address) (*big.Int, error) {
	c.mu.Lock()
	amount, err := c.debitAll(ctx, caller)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := c.transferor.Transfer(ctx, caller, amount); err != nil {
		c.mu.Lock()
		restoreErr := c.restoreBalance(ctx, caller, amount)
		c.mu.Unlock()
		if restoreErr != nil {
			// The store rejected the restore; the debit already committed, so
			// this needs operator attention.
			c.log.Error("balance restore failed after transfer failure",
				zap.String("recipient", caller.Hex()),
				zap.String("amount", amount.String()),
				zap.Error(restoreErr),
			)
		}
		return nil, fmt.Errorf("%w: %v", ErrFeeTransferFailed, err)
	}

	c.sink.Emit(ctx, events.Event{Type: events.TypeFeeWithdrawn, Fields: map[string]string{
		"recipient": caller.Hex(),
		"amount":    amount.String(),
	}})
	return amount, nil
}

func (c *Core) debitAll(ctx context.Context, caller common.Address) (*big.Int, error) {
	bal, err := getAmount(ctx, c.rdb, balanceKey(caller))
	if err != nil {
		return nil, err
	}
	if bal.Sign() == 0 {
		return nil, ErrNoFeesToWithdraw
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, balanceKey(caller), "0", 0)
	if err := stageAmountDelta(ctx, c.rdb, pipe, escrowTotalKey, new(big.Int).Neg(bal)); err != nil {
		return nil, err
	}
	if err := stageAmountDelta(ctx, c.rdb, pipe, totalWithdrawnKey, bal); err != nil {
		return nil, err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("commit withdrawal: %w", err)
	}
	return bal, nil
}

// restoreBalance re-credits a debited balance after a failed transfer. The
// balance is re-read: a transfer callback may have credited the caller in
// the meantime.
func (c *Core) restoreBalance(ctx context.Context, caller common.Address, amount *big.Int) error {
	pipe := c.rdb.TxPipeline()
	if err := stageAmountDelta(ctx, c.rdb, pipe, balanceKey(caller), amount); err != nil {
		return err
	}
	if err := stageAmountDelta(ctx, c.rdb, pipe, escrowTotalKey, amount); err != nil {
		return err
	}
	if err := stageAmountDelta(ctx, c.rdb, pipe, totalWithdrawnKey, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit restore: %w", err)
	}
	return nil
}
