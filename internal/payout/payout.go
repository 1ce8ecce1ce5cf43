// Package payout executes the external value transfer behind fee
// withdrawal.
package payout

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Transferor sends amount of the native token to the recipient. This is the
// only external call the engine makes; implementations may re-enter the
// engine before returning.
type Transferor interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
}

// TransferorFunc adapts a function to the Transferor interface.
type TransferorFunc func(ctx context.Context, to common.Address, amount *big.Int) error

func (f TransferorFunc) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return f(ctx, to, amount)
}

const transferGasLimit = 21_000

// EthTransferor pays out through an Ethereum JSON-RPC node from a funded
// operator account.
type EthTransferor struct {
	eth     *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	log     *zap.Logger
}

func NewEthTransferor(rpcURL, operatorKeyHex string, chainID int64, log *zap.Logger) (*EthTransferor, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	return &EthTransferor{
		eth:     eth,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
		log:     log,
	}, nil
}

// Transfer submits a plain value transfer and returns once the node accepts
// it. Inclusion is the node's problem; a rejected submission surfaces as an
// error so the caller can restore the withdrawn balance.
func (t *EthTransferor) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	nonce, err := t.eth.PendingNonceAt(ctx, t.from)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := t.eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, to, amount, transferGasLimit, gasPrice, nil)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(t.chainID), t.key)
	if err != nil {
		return fmt.Errorf("sign payout: %w", err)
	}
	if err := t.eth.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send payout: %w", err)
	}

	t.log.Info("payout sent",
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()),
		zap.String("tx", signed.Hash().Hex()),
	)
	return nil
}
