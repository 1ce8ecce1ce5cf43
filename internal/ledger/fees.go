package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// Fee balances are pull-based escrow: settlement credits them, recipients
// withdraw explicitly. Amounts are u256, stored as decimal strings.
//
// Lifetime counters back the conservation invariant
// sum(balances) <= total_credited - total_withdrawn <= escrow_total held.
const (
	balanceKeyPrefix  = "fees:balance:"
	escrowTotalKey    = "fees:escrow_total"
	totalCreditedKey  = "fees:total_credited"
	totalWithdrawnKey = "fees:total_withdrawn"
)

func balanceKey(addr common.Address) string {
	return balanceKeyPrefix + addr.Hex()
}

func getAmount(ctx context.Context, rdb *redis.Client, key string) (*big.Int, error) {
	raw, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount at %s: %q", key, raw)
	}
	return v, nil
}

// stageCredits stages the balance increments for an immutable credit
// snapshot and bumps the lifetime credited counter by their sum. Zero
// amounts are skipped.
func stageCredits(ctx context.Context, rdb *redis.Client, pipe redis.Pipeliner, credits map[common.Address]*big.Int) error {
	total := new(big.Int)
	for addr, amount := range credits {
		if amount.Sign() <= 0 {
			continue
		}
		bal, err := getAmount(ctx, rdb, balanceKey(addr))
		if err != nil {
			return err
		}
		pipe.Set(ctx, balanceKey(addr), new(big.Int).Add(bal, amount).String(), 0)
		total.Add(total, amount)
	}
	if total.Sign() > 0 {
		credited, err := getAmount(ctx, rdb, totalCreditedKey)
		if err != nil {
			return err
		}
		pipe.Set(ctx, totalCreditedKey, new(big.Int).Add(credited, total).String(), 0)
	}
	return nil
}

// stageAmountDelta stages key = key + delta (delta may be negative).
func stageAmountDelta(ctx context.Context, rdb *redis.Client, pipe redis.Pipeliner, key string, delta *big.Int) error {
	if delta.Sign() == 0 {
		return nil
	}
	current, err := getAmount(ctx, rdb, key)
	if err != nil {
		return err
	}
	pipe.Set(ctx, key, new(big.Int).Add(current, delta).String(), 0)
	return nil
}
