// cmd/genesis seeds the first trusted batch into Redis. Run it once before
// starting the prover against a fresh store, or rely on the prover's own
// startup seeding from GENESIS_* env vars.
//
// Usage:
//
//	go run ./cmd/genesis/ \
//	  --redis           localhost:6379 \
//	  --height          1 \
//	  --origin-height   100 \
//	  --validators-root 0x<32 bytes> \
//	  --results-root    0x<32 bytes>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sedaprotocol/seda-overlay-prover/internal/prover"
	"github.com/sedaprotocol/seda-overlay-prover/internal/types"
)

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	redisPass := flag.String("redis-password", "", "Redis password")
	height := flag.Uint64("height", 0, "Genesis batch height")
	originHeight := flag.Uint64("origin-height", 0, "Origin-chain height of the genesis batch")
	validatorsRoot := flag.String("validators-root", "", "Validator-set Merkle root (hex, required)")
	resultsRoot := flag.String("results-root", "", "Results Merkle root (hex)")
	provingMetadata := flag.String("proving-metadata", "", "Proving metadata hash (hex)")
	maxBatchAge := flag.Uint64("max-batch-age", 100, "Retention window in batch heights")
	flag.Parse()

	if *validatorsRoot == "" {
		fmt.Fprintln(os.Stderr, "error: --validators-root is required")
		os.Exit(1)
	}

	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr, Password: *redisPass})
	if err := rdb.Ping(ctx).Err(); err != nil {
		fatalf("redis ping: %v", err)
	}

	genesis := types.Batch{
		Height:          *height,
		OriginHeight:    *originHeight,
		ValidatorsRoot:  common.HexToHash(*validatorsRoot),
		ResultsRoot:     common.HexToHash(*resultsRoot),
		ProvingMetadata: common.HexToHash(*provingMetadata),
	}

	prv := prover.New(rdb, *maxBatchAge, log)
	if err := prv.Initialize(ctx, genesis); err != nil {
		if errors.Is(err, prover.ErrAlreadyInitialized) {
			latest, lerr := prv.LatestHeight(ctx)
			if lerr != nil {
				fatalf("latest height: %v", lerr)
			}
			fmt.Printf("store already initialized, frontier at height %d\n", latest)
			return
		}
		fatalf("initialize: %v", err)
	}

	fmt.Printf("genesis batch seeded\n")
	fmt.Printf("  height:          %d\n", genesis.Height)
	fmt.Printf("  batch id:        %s\n", genesis.ID().Hex())
	fmt.Printf("  validators root: %s\n", genesis.ValidatorsRoot.Hex())
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
