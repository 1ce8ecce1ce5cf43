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

const requestKeyPrefix = "ledger:request:"

// Limits are the parameter floors enforced on postRequest.
type Limits struct {
	MinGasPrice      *big.Int
	MinExecGasLimit  uint64
	MinTallyGasLimit uint64
}

// DefaultLimits returns the protocol default floors.
func DefaultLimits() Limits {
	return Limits{
		MinGasPrice:      big.NewInt(2_000),
		MinExecGasLimit:  10_000_000_000_000,
		MinTallyGasLimit: 10_000_000_000_000,
	}
}

// RequestRecord is a stored request plus its escrow bookkeeping. The request
// itself is immutable; Fees grows monotonically through IncreaseFees until
// settlement.
type RequestRecord struct {
	Request   types.Request     `json:"request"`
	Requester common.Address    `json:"requester"`
	Fees      types.RequestFees `json:"fees"`
	PostedAt  int64             `json:"posted_at"`
}

func requestKey(id common.Hash) string {
	return requestKeyPrefix + id.Hex()
}

func validateRequest(req *types.Request, lim Limits) error {
	if req.ReplicationFactor < 1 {
		return &InvalidParameterError{
			Field: "replication_factor",
			Got:   big.NewInt(int64(req.ReplicationFactor)),
			Min:   big.NewInt(1),
		}
	}
	gasPrice := req.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	if gasPrice.Cmp(lim.MinGasPrice) < 0 {
		return &InvalidParameterError{
			Field: "gas_price",
			Got:   new(big.Int).Set(gasPrice),
			Min:   new(big.Int).Set(lim.MinGasPrice),
		}
	}
	if req.ExecGasLimit < lim.MinExecGasLimit {
		return &InvalidParameterError{
			Field: "exec_gas_limit",
			Got:   new(big.Int).SetUint64(req.ExecGasLimit),
			Min:   new(big.Int).SetUint64(lim.MinExecGasLimit),
		}
	}
	if req.TallyGasLimit < lim.MinTallyGasLimit {
		return &InvalidParameterError{
			Field: "tally_gas_limit",
			Got:   new(big.Int).SetUint64(req.TallyGasLimit),
			Min:   new(big.Int).SetUint64(lim.MinTallyGasLimit),
		}
	}
	return nil
}

func getRequestRecord(ctx context.Context, rdb *redis.Client, id common.Hash) (*RequestRecord, error) {
	raw, err := rdb.Get(ctx, requestKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id.Hex(), err)
	}
	var rec RequestRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id.Hex(), err)
	}
	return &rec, nil
}

func stageRequestRecord(ctx context.Context, pipe redis.Pipeliner, id common.Hash, rec *RequestRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", id.Hex(), err)
	}
	pipe.Set(ctx, requestKey(id), string(raw), 0)
	return nil
}
