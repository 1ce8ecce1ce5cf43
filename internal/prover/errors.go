package prover

import "errors"

var (
	ErrNotInitialized                = errors.New("prover not initialized")
	ErrAlreadyInitialized            = errors.New("prover already initialized")
	ErrMismatchedSignaturesAndProofs = errors.New("mismatched signatures and proofs")
	ErrBatchAlreadyExists            = errors.New("batch already exists")
	ErrBatchHeightTooOld             = errors.New("batch height too old")
	ErrInvalidValidatorOrder         = errors.New("invalid validator order")
	ErrInvalidValidatorProof         = errors.New("invalid validator proof")
	ErrInvalidSignature              = errors.New("invalid batch signature")
	ErrConsensusNotReached           = errors.New("consensus not reached")
	ErrBatchNotFound                 = errors.New("batch not found")
)
