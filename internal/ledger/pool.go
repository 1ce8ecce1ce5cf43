package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// The pending pool is a dense Redis list of request ids plus an id → index
// hash. Removal swaps the final element into the vacated slot, so one
// LSET/RPOP pair keeps the list gapless and removal stays O(1).
//
// Pagination over the list is weakly consistent: a removal may move an
// unrelated id into or out of a page, so callers listing while the pool
// mutates can observe omissions or repeats.
const (
	pendingListKey  = "ledger:pending"
	pendingIndexKey = "ledger:pending_index"
)

func poolAdd(ctx context.Context, rdb *redis.Client, pipe redis.Pipeliner, id common.Hash) error {
	n, err := rdb.LLen(ctx, pendingListKey).Result()
	if err != nil {
		return fmt.Errorf("pool len: %w", err)
	}
	member := id.Hex()
	pipe.RPush(ctx, pendingListKey, member)
	pipe.HSet(ctx, pendingIndexKey, member, n)
	return nil
}

// poolRemove stages the swap-with-last removal of id. Absent ids are a
// silent no-op.
func poolRemove(ctx context.Context, rdb *redis.Client, pipe redis.Pipeliner, id common.Hash) error {
	member := id.Hex()
	idxStr, err := rdb.HGet(ctx, pendingIndexKey, member).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pool index of %s: %w", member, err)
	}
	idx, err := strconv.ParseInt(idxStr, 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt pool index %q: %w", idxStr, err)
	}
	last, err := rdb.LIndex(ctx, pendingListKey, -1).Result()
	if err != nil {
		return fmt.Errorf("pool last element: %w", err)
	}

	if last != member {
		pipe.LSet(ctx, pendingListKey, idx, last)
		pipe.HSet(ctx, pendingIndexKey, last, idx)
	}
	pipe.RPop(ctx, pendingListKey)
	pipe.HDel(ctx, pendingIndexKey, member)
	return nil
}

func poolContains(ctx context.Context, rdb *redis.Client, id common.Hash) (bool, error) {
	ok, err := rdb.HExists(ctx, pendingIndexKey, id.Hex()).Result()
	if err != nil {
		return false, fmt.Errorf("pool contains: %w", err)
	}
	return ok, nil
}

func poolLen(ctx context.Context, rdb *redis.Client) (int64, error) {
	n, err := rdb.LLen(ctx, pendingListKey).Result()
	if err != nil {
		return 0, fmt.Errorf("pool len: %w", err)
	}
	return n, nil
}

func poolList(ctx context.Context, rdb *redis.Client, offset, limit int64) ([]common.Hash, error) {
	if limit <= 0 {
		return nil, nil
	}
	vals, err := rdb.LRange(ctx, pendingListKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("pool list: %w", err)
	}
	ids := make([]common.Hash, len(vals))
	for i, v := range vals {
		ids[i] = common.HexToHash(v)
	}
	return ids, nil
}
