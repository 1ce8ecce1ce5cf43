package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/sedaprotocol/seda-overlay-prover/internal/types"
)

const resultKeyPrefix = "ledger:result:"

// ResultRecord is a stored result plus its settlement attribution.
type ResultRecord struct {
	Result      types.Result   `json:"result"`
	BatchHeight uint64         `json:"batch_height"`
	Submitter   common.Address `json:"submitter"`
	PostedAt    int64          `json:"posted_at"`
}

func resultKey(id common.Hash) string {
	return resultKeyPrefix + id.Hex()
}

func getResultRecord(ctx context.Context, rdb *redis.Client, id common.Hash) (*ResultRecord, error) {
	raw, err := rdb.Get(ctx, resultKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id.Hex(), err)
	}
	var rec ResultRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", id.Hex(), err)
	}
	return &rec, nil
}

func stageResultRecord(ctx context.Context, pipe redis.Pipeliner, id common.Hash, rec *ResultRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", id.Hex(), err)
	}
	pipe.Set(ctx, resultKey(id), string(raw), 0)
	return nil
}

// settleFees computes the credit snapshot for a settled request. The split:
//
//   - requestFee: paid to the result's payback address proportional to
//     gasUsed over the request's total gas limit; the remainder refunds to
//     the requester. An absent or malformed payback address refunds the
//     whole requestFee.
//   - resultFee: paid to the caller that posted the result.
//   - batchFee: paid to the relayer that admitted the covering batch, or
//     refunded to the requester when the relayer is unknown (genesis).
//
// The returned map is the immutable snapshot all balance writes are staged
// from; nothing external runs between here and commit.
func settleFees(req *RequestRecord, res *types.Result, caller, relayer common.Address) map[common.Address]*big.Int {
	credits := make(map[common.Address]*big.Int)
	add := func(addr common.Address, amount *big.Int) {
		if amount.Sign() <= 0 {
			return
		}
		if cur, ok := credits[addr]; ok {
			cur.Add(cur, amount)
			return
		}
		credits[addr] = new(big.Int).Set(amount)
	}

	fees := req.Fees
	if requestFee := fees.RequestFee; requestFee != nil && requestFee.Sign() > 0 {
		payback, ok := paybackAddress(res.PaybackAddress)
		if ok {
			paid := proratedFee(requestFee, res.GasUsed, req.Request.ExecGasLimit, req.Request.TallyGasLimit)
			add(payback, paid)
			add(req.Requester, new(big.Int).Sub(requestFee, paid))
		} else {
			add(req.Requester, requestFee)
		}
	}
	if fees.ResultFee != nil {
		add(caller, fees.ResultFee)
	}
	if batchFee := fees.BatchFee; batchFee != nil {
		if relayer == (common.Address{}) {
			add(req.Requester, batchFee)
		} else {
			add(relayer, batchFee)
		}
	}
	return credits
}

// paybackAddress interprets the result's raw payback bytes; only a non-zero
// 20-byte value is payable.
func paybackAddress(raw []byte) (common.Address, bool) {
	if len(raw) != common.AddressLength {
		return common.Address{}, false
	}
	addr := common.BytesToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

// proratedFee returns fee * gasUsed / (execGasLimit + tallyGasLimit), capped
// at fee. Integer division rounds down; the shortfall stays with the
// requester refund.
func proratedFee(fee, gasUsed *big.Int, execGasLimit, tallyGasLimit uint64) *big.Int {
	if gasUsed == nil || gasUsed.Sign() <= 0 {
		return new(big.Int)
	}
	totalGas := new(big.Int).Add(
		new(big.Int).SetUint64(execGasLimit),
		new(big.Int).SetUint64(tallyGasLimit),
	)
	if totalGas.Sign() == 0 || gasUsed.Cmp(totalGas) >= 0 {
		return new(big.Int).Set(fee)
	}
	paid := new(big.Int).Mul(fee, gasUsed)
	return paid.Div(paid, totalGas)
}
