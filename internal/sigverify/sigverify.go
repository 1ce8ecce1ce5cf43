// Package sigverify recovers secp256k1 signers from compact signatures.
package sigverify

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned for malformed or non-recoverable
// signatures.
var ErrInvalidSignature = errors.New("invalid signature")

// Recover extracts the signer address from a 65-byte [R ‖ S ‖ V] signature
// over messageHash. V may be 0/1 or the Ethereum convention 27/28.
func Recover(messageHash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrInvalidSignature
	}

	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pub, err := crypto.SigToPub(messageHash.Bytes(), sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
