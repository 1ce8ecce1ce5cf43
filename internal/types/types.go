// Package types defines the canonical data model of the settlement engine:
// batches, validator proofs, requests, results, and their identity hashes.
//
// Identities are keccak256 over a fixed encoding. Fixed-width fields occupy
// 32-byte slots (big-endian, left-padded); variable-length fields enter as
// their keccak256 hash. Batch ids use packed encoding instead, matching the
// wire format the overlay network signs.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Leaf domain separators. Result and validator leaves live in different
// trees; the prefix byte keeps a proof for one tree from verifying against
// the other.
const (
	DomainResult    byte = 0x00
	DomainValidator byte = 0x01
)

// Batch is a committed checkpoint of the overlay network: a validator-set
// root and a result-set root for one height window, plus proving metadata.
// Immutable once admitted.
type Batch struct {
	Height          uint64      `json:"height"`
	OriginHeight    uint64      `json:"origin_height"`
	ValidatorsRoot  common.Hash `json:"validators_root"`
	ResultsRoot     common.Hash `json:"results_root"`
	ProvingMetadata common.Hash `json:"proving_metadata"`
}

// ID computes the batch identity that validators sign:
// keccak256(height ‖ originHeight ‖ validatorsRoot ‖ resultsRoot ‖ provingMetadata)
// with heights as 8-byte big-endian.
func (b *Batch) ID() common.Hash {
	data := make([]byte, 0, 8+8+3*32)
	data = appendUint64(data, b.Height)
	data = appendUint64(data, b.OriginHeight)
	data = append(data, b.ValidatorsRoot.Bytes()...)
	data = append(data, b.ResultsRoot.Bytes()...)
	data = append(data, b.ProvingMetadata.Bytes()...)
	return crypto.Keccak256Hash(data)
}

// ValidatorProof carries one validator's committed identity and weight plus
// its Merkle inclusion path into a batch's validatorsRoot.
type ValidatorProof struct {
	Signer      common.Address `json:"signer"`
	VotingPower uint32         `json:"voting_power"`
	MerkleProof []common.Hash  `json:"merkle_proof"`
}

// Leaf hashes the validator entry under the validator domain:
// keccak256(0x01 ‖ signer ‖ votingPower).
func (p *ValidatorProof) Leaf() common.Hash {
	data := make([]byte, 0, 1+20+4)
	data = append(data, DomainValidator)
	data = append(data, p.Signer.Bytes()...)
	data = append(data,
		byte(p.VotingPower>>24), byte(p.VotingPower>>16),
		byte(p.VotingPower>>8), byte(p.VotingPower),
	)
	return crypto.Keccak256Hash(data)
}

// Request describes one unit of work submitted to the overlay network.
// GasPrice is a u128. Created once, never mutated.
type Request struct {
	Version           string      `json:"version"`
	ExecProgramID     common.Hash `json:"exec_program_id"`
	ExecInputs        []byte      `json:"exec_inputs"`
	ExecGasLimit      uint64      `json:"exec_gas_limit"`
	TallyProgramID    common.Hash `json:"tally_program_id"`
	TallyInputs       []byte      `json:"tally_inputs"`
	TallyGasLimit     uint64      `json:"tally_gas_limit"`
	ReplicationFactor uint16      `json:"replication_factor"`
	ConsensusFilter   []byte      `json:"consensus_filter"`
	GasPrice          *big.Int    `json:"gas_price"`
	Memo              []byte      `json:"memo"`
}

// ID computes the request identity over every field except Version, so
// identical content always collides to the same id.
func (r *Request) ID() common.Hash {
	enc := newSlotEncoder(10)
	enc.hash(r.ExecProgramID)
	enc.bytesHash(r.ExecInputs)
	enc.uint64(r.ExecGasLimit)
	enc.hash(r.TallyProgramID)
	enc.bytesHash(r.TallyInputs)
	enc.uint64(r.TallyGasLimit)
	enc.uint64(uint64(r.ReplicationFactor))
	enc.bytesHash(r.ConsensusFilter)
	enc.big(r.GasPrice)
	enc.bytesHash(r.Memo)
	return enc.sum()
}

// Result is the overlay network's answer to a request. GasUsed is a u128.
type Result struct {
	Version         string      `json:"version"`
	RequestID       common.Hash `json:"request_id"`
	Consensus       bool        `json:"consensus"`
	ExitCode        uint8       `json:"exit_code"`
	Payload         []byte      `json:"payload"`
	OriginHeight    uint64      `json:"origin_height"`
	OriginTimestamp uint64      `json:"origin_timestamp"`
	GasUsed         *big.Int    `json:"gas_used"`
	PaybackAddress  []byte      `json:"payback_address"`
	SedaPayload     []byte      `json:"seda_payload"`
}

// ID computes the result identity over all fields.
func (r *Result) ID() common.Hash {
	enc := newSlotEncoder(10)
	enc.bytesHash([]byte(r.Version))
	enc.hash(r.RequestID)
	enc.boolean(r.Consensus)
	enc.uint64(uint64(r.ExitCode))
	enc.bytesHash(r.Payload)
	enc.uint64(r.OriginHeight)
	enc.uint64(r.OriginTimestamp)
	enc.big(r.GasUsed)
	enc.bytesHash(r.PaybackAddress)
	enc.bytesHash(r.SedaPayload)
	return enc.sum()
}

// ResultLeaf hashes a result id under the result domain:
// keccak256(0x00 ‖ resultID).
func ResultLeaf(resultID common.Hash) common.Hash {
	data := make([]byte, 0, 1+32)
	data = append(data, DomainResult)
	data = append(data, resultID.Bytes()...)
	return crypto.Keccak256Hash(data)
}

// RequestFees is the escrow attached to a request, split by recipient role.
type RequestFees struct {
	RequestFee *big.Int `json:"request_fee"`
	ResultFee  *big.Int `json:"result_fee"`
	BatchFee   *big.Int `json:"batch_fee"`
}

// Total returns requestFee + resultFee + batchFee. Nil components count as
// zero.
func (f RequestFees) Total() *big.Int {
	total := new(big.Int)
	total.Add(total, orZero(f.RequestFee))
	total.Add(total, orZero(f.ResultFee))
	return total.Add(total, orZero(f.BatchFee))
}

// Add returns the component-wise sum of f and other.
func (f RequestFees) Add(other RequestFees) RequestFees {
	return RequestFees{
		RequestFee: new(big.Int).Add(orZero(f.RequestFee), orZero(other.RequestFee)),
		ResultFee:  new(big.Int).Add(orZero(f.ResultFee), orZero(other.ResultFee)),
		BatchFee:   new(big.Int).Add(orZero(f.BatchFee), orZero(other.BatchFee)),
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v),
	)
}

// slotEncoder accumulates 32-byte slots for identity hashing.
type slotEncoder struct {
	buf []byte
}

func newSlotEncoder(slots int) *slotEncoder {
	return &slotEncoder{buf: make([]byte, 0, slots*32)}
}

func (e *slotEncoder) hash(h common.Hash) {
	e.buf = append(e.buf, h.Bytes()...)
}

// bytesHash encodes a variable-length field as keccak256 of its content.
func (e *slotEncoder) bytesHash(b []byte) {
	e.buf = append(e.buf, crypto.Keccak256(b)...)
}

func (e *slotEncoder) uint64(v uint64) {
	var slot [32]byte
	copy(slot[24:], appendUint64(nil, v))
	e.buf = append(e.buf, slot[:]...)
}

func (e *slotEncoder) boolean(v bool) {
	var slot [32]byte
	if v {
		slot[31] = 1
	}
	e.buf = append(e.buf, slot[:]...)
}

func (e *slotEncoder) big(v *big.Int) {
	var slot [32]byte
	orZero(v).FillBytes(slot[:])
	e.buf = append(e.buf, slot[:]...)
}

func (e *slotEncoder) sum() common.Hash {
	return crypto.Keccak256Hash(e.buf)
}
