// Package api exposes the engine operations over HTTP. Handlers decode wire
// arguments and the authenticated caller address and hand them to the core;
// they hold no state of their own.
package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sedaprotocol/seda-overlay-prover/internal/auth"
	"github.com/sedaprotocol/seda-overlay-prover/internal/ledger"
	"github.com/sedaprotocol/seda-overlay-prover/internal/prover"
	"github.com/sedaprotocol/seda-overlay-prover/internal/types"
)

// maxPendingPageSize caps a single pending-pool page regardless of the
// requested limit.
const maxPendingPageSize = 1000

type Handler struct {
	core *ledger.Core
	prv  *prover.Prover
	log  *zap.Logger
}

func NewHandler(core *ledger.Core, prv *prover.Prover, log *zap.Logger) *Handler {
	return &Handler{core: core, prv: prv, log: log}
}

// Register mounts all routes. Mutating routes sit behind authMW, which must
// populate auth.CallerKey.
func (h *Handler) Register(r *gin.Engine, authMW gin.HandlerFunc) {
	api := r.Group("/api")
	api.GET("/requests/pending", h.listPending)
	api.GET("/requests/:id", h.getRequest)
	api.GET("/results/:id", h.getResult)
	api.GET("/batches/latest", h.latestBatch)
	api.GET("/batches/:height", h.getBatch)
	api.GET("/fees/balance/:address", h.getBalance)

	mut := api.Group("", authMW)
	mut.POST("/requests", h.postRequest)
	mut.POST("/results", h.postResult)
	mut.POST("/batches", h.admitBatch)
	mut.POST("/fees/increase", h.increaseFees)
	mut.POST("/fees/credit", h.credit)
	mut.POST("/fees/withdraw", h.withdraw)
}

func caller(c *gin.Context) common.Address {
	return common.HexToAddress(c.GetString(auth.CallerKey))
}

// ── wire types ────────────────────────────────────────────────────────────

type requestBody struct {
	Version           string `json:"version"`
	ExecProgramID     string `json:"exec_program_id"`
	ExecInputs        string `json:"exec_inputs"`
	ExecGasLimit      uint64 `json:"exec_gas_limit"`
	TallyProgramID    string `json:"tally_program_id"`
	TallyInputs       string `json:"tally_inputs"`
	TallyGasLimit     uint64 `json:"tally_gas_limit"`
	ReplicationFactor uint16 `json:"replication_factor"`
	ConsensusFilter   string `json:"consensus_filter"`
	GasPrice          string `json:"gas_price"`
	Memo              string `json:"memo"`

	RequestFee    string `json:"request_fee"`
	ResultFee     string `json:"result_fee"`
	BatchFee      string `json:"batch_fee"`
	AttachedValue string `json:"attached_value"`
}

type resultBody struct {
	Version         string   `json:"version"`
	RequestID       string   `json:"request_id"`
	Consensus       bool     `json:"consensus"`
	ExitCode        uint8    `json:"exit_code"`
	Payload         string   `json:"payload"`
	OriginHeight    uint64   `json:"origin_height"`
	OriginTimestamp uint64   `json:"origin_timestamp"`
	GasUsed         string   `json:"gas_used"`
	PaybackAddress  string   `json:"payback_address"`
	SedaPayload     string   `json:"seda_payload"`
	BatchHeight     uint64   `json:"batch_height"`
	Proof           []string `json:"proof"`
}

type batchBody struct {
	Height          uint64               `json:"height"`
	OriginHeight    uint64               `json:"origin_height"`
	ValidatorsRoot  string               `json:"validators_root"`
	ResultsRoot     string               `json:"results_root"`
	ProvingMetadata string               `json:"proving_metadata"`
	Signatures      []string             `json:"signatures"`
	ValidatorProofs []validatorProofBody `json:"validator_proofs"`
}

type validatorProofBody struct {
	Signer      string   `json:"signer"`
	VotingPower uint32   `json:"voting_power"`
	MerkleProof []string `json:"merkle_proof"`
}

type increaseFeesBody struct {
	RequestID     string `json:"request_id"`
	RequestFee    string `json:"request_fee"`
	ResultFee     string `json:"result_fee"`
	BatchFee      string `json:"batch_fee"`
	AttachedValue string `json:"attached_value"`
}

type creditBody struct {
	Recipients    []string `json:"recipients"`
	Amounts       []string `json:"amounts"`
	AttachedValue string   `json:"attached_value"`
}

// ── handlers ──────────────────────────────────────────────────────────────

func (h *Handler) postRequest(c *gin.Context) {
	var body requestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	req := types.Request{
		Version:           body.Version,
		ExecGasLimit:      body.ExecGasLimit,
		TallyGasLimit:     body.TallyGasLimit,
		ReplicationFactor: body.ReplicationFactor,
	}
	var err error
	if req.ExecProgramID, err = parseHash(body.ExecProgramID); err != nil {
		badField(c, "exec_program_id", err)
		return
	}
	if req.TallyProgramID, err = parseHash(body.TallyProgramID); err != nil {
		badField(c, "tally_program_id", err)
		return
	}
	if req.ExecInputs, err = parseHexBytes(body.ExecInputs); err != nil {
		badField(c, "exec_inputs", err)
		return
	}
	if req.TallyInputs, err = parseHexBytes(body.TallyInputs); err != nil {
		badField(c, "tally_inputs", err)
		return
	}
	if req.ConsensusFilter, err = parseHexBytes(body.ConsensusFilter); err != nil {
		badField(c, "consensus_filter", err)
		return
	}
	if req.Memo, err = parseHexBytes(body.Memo); err != nil {
		badField(c, "memo", err)
		return
	}
	if req.GasPrice, err = parseAmount(body.GasPrice); err != nil {
		badField(c, "gas_price", err)
		return
	}

	fees := types.RequestFees{}
	if fees.RequestFee, err = parseAmount(body.RequestFee); err != nil {
		badField(c, "request_fee", err)
		return
	}
	if fees.ResultFee, err = parseAmount(body.ResultFee); err != nil {
		badField(c, "result_fee", err)
		return
	}
	if fees.BatchFee, err = parseAmount(body.BatchFee); err != nil {
		badField(c, "batch_fee", err)
		return
	}
	attached, err := parseAmount(body.AttachedValue)
	if err != nil {
		badField(c, "attached_value", err)
		return
	}

	id, err := h.core.PostRequest(c.Request.Context(), caller(c), req, fees, attached)
	if err != nil {
		abortEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": id.Hex()})
}

func (h *Handler) getRequest(c *gin.Context) {
	id, err := parseHash(c.Param("id"))
	if err != nil {
		badField(c, "id", err)
		return
	}
	rec, err := h.core.GetRequest(c.Request.Context(), id)
	if err != nil {
		abortEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) listPending(c *gin.Context) {
	offset, err := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if err != nil || offset < 0 {
		badField(c, "offset", errors.New("must be a non-negative integer"))
		return
	}
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	if err != nil || limit < 0 {
		badField(c, "limit", errors.New("must be a non-negative integer"))
		return
	}
	if limit > maxPendingPageSize {
		limit = maxPendingPageSize
	}

	ids, err := h.core.ListPending(c.Request.Context(), offset, limit)
	if err != nil {
		abortEngineError(c, err)
		return
	}
	total, err := h.core.PendingCount(c.Request.Context())
	if err != nil {
		abortEngineError(c, err)
		return
	}
	hexIDs := make([]string, len(ids))
	for i, id := range ids {
		hexIDs[i] = id.Hex()
	}
	c.JSON(http.StatusOK, gin.H{"request_ids": hexIDs, "total": total})
}

func (h *Handler) postResult(c *gin.Context) {
	var body resultBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	res := types.Result{
		Version:         body.Version,
		Consensus:       body.Consensus,
		ExitCode:        body.ExitCode,
		OriginHeight:    body.OriginHeight,
		OriginTimestamp: body.OriginTimestamp,
	}
	var err error
	if res.RequestID, err = parseHash(body.RequestID); err != nil {
		badField(c, "request_id", err)
		return
	}
	if res.Payload, err = parseHexBytes(body.Payload); err != nil {
		badField(c, "payload", err)
		return
	}
	if res.PaybackAddress, err = parseHexBytes(body.PaybackAddress); err != nil {
		badField(c, "payback_address", err)
		return
	}
	if res.SedaPayload, err = parseHexBytes(body.SedaPayload); err != nil {
		badField(c, "seda_payload", err)
		return
	}
	if res.GasUsed, err = parseAmount(body.GasUsed); err != nil {
		badField(c, "gas_used", err)
		return
	}
	proof, err := parseHashes(body.Proof)
	if err != nil {
		badField(c, "proof", err)
		return
	}

	id, err := h.core.PostResult(c.Request.Context(), caller(c), res, body.BatchHeight, proof)
	if err != nil {
		abortEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result_id": id.Hex()})
}

func (h *Handler) getResult(c *gin.Context) {
	id, err := parseHash(c.Param("id"))
	if err != nil {
		badField(c, "id", err)
		return
	}
	rec, err := h.core.GetResult(c.Request.Context(), id)
	if err != nil {
		abortEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) admitBatch(c *gin.Context) {
	var body batchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	batch := types.Batch{Height: body.Height, OriginHeight: body.OriginHeight}
	var err error
	if batch.ValidatorsRoot, err = parseHash(body.ValidatorsRoot); err != nil {
		badField(c, "validators_root", err)
		return
	}
	if batch.ResultsRoot, err = parseHash(body.ResultsRoot); err != nil {
		badField(c, "results_root", err)
		return
	}
	if batch.ProvingMetadata, err = parseHash(body.ProvingMetadata); err != nil {
		badField(c, "proving_metadata", err)
		return
	}

	sigs := make([][]byte, len(body.Signatures))
	for i, s := range body.Signatures {
		if sigs[i], err = parseHexBytes(s); err != nil {
			badField(c, "signatures", err)
			return
		}
	}
	proofs := make([]types.ValidatorProof, len(body.ValidatorProofs))
	for i, p := range body.ValidatorProofs {
		if proofs[i].Signer, err = parseAddress(p.Signer); err != nil {
			badField(c, "validator_proofs", err)
			return
		}
		proofs[i].VotingPower = p.VotingPower
		if proofs[i].MerkleProof, err = parseHashes(p.MerkleProof); err != nil {
			badField(c, "validator_proofs", err)
			return
		}
	}

	if err := h.core.AdmitBatch(c.Request.Context(), caller(c), batch, sigs, proofs); err != nil {
		abortEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": batch.ID().Hex(), "height": batch.Height})
}

func (h *Handler) latestBatch(c *gin.Context) {
	height, err := h.prv.LatestHeight(c.Request.Context())
	if err != nil {
		abortEngineError(c, err)
		return
	}
	h.renderBatch(c, height)
}

func (h *Handler) getBatch(c *gin.Context) {
	height, err := strconv.ParseUint(c.Param("height"), 10, 64)
	if err != nil {
		badField(c, "height", err)
		return
	}
	h.renderBatch(c, height)
}

func (h *Handler) renderBatch(c *gin.Context, height uint64) {
	batch, relayer, err := h.prv.GetBatch(c.Request.Context(), height)
	if err != nil {
		abortEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batch":    batch,
		"batch_id": batch.ID().Hex(),
		"relayer":  relayer.Hex(),
	})
}

func (h *Handler) increaseFees(c *gin.Context) {
	var body increaseFeesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	id, err := parseHash(body.RequestID)
	if err != nil {
		badField(c, "request_id", err)
		return
	}
	additional := types.RequestFees{}
	if additional.RequestFee, err = parseAmount(body.RequestFee); err != nil {
		badField(c, "request_fee", err)
		return
	}
	if additional.ResultFee, err = parseAmount(body.ResultFee); err != nil {
		badField(c, "result_fee", err)
		return
	}
	if additional.BatchFee, err = parseAmount(body.BatchFee); err != nil {
		badField(c, "batch_fee", err)
		return
	}
	attached, err := parseAmount(body.AttachedValue)
	if err != nil {
		badField(c, "attached_value", err)
		return
	}

	if err := h.core.IncreaseFees(c.Request.Context(), caller(c), id, additional, attached); err != nil {
		abortEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": id.Hex()})
}

func (h *Handler) credit(c *gin.Context) {
	var body creditBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	recipients := make([]common.Address, len(body.Recipients))
	var err error
	for i, r := range body.Recipients {
		if recipients[i], err = parseAddress(r); err != nil {
			badField(c, "recipients", err)
			return
		}
	}
	amounts := make([]*big.Int, len(body.Amounts))
	for i, a := range body.Amounts {
		if amounts[i], err = parseAmount(a); err != nil {
			badField(c, "amounts", err)
			return
		}
	}
	attached, err := parseAmount(body.AttachedValue)
	if err != nil {
		badField(c, "attached_value", err)
		return
	}

	// CreditMany also covers the single-recipient case and enforces that the
	// stated amounts sum to the attached value.
	if err := h.core.CreditMany(c.Request.Context(), recipients, amounts, attached); err != nil {
		abortEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credited": len(recipients)})
}

func (h *Handler) getBalance(c *gin.Context) {
	addr, err := parseAddress(c.Param("address"))
	if err != nil {
		badField(c, "address", err)
		return
	}
	bal, err := h.core.Balance(c.Request.Context(), addr)
	if err != nil {
		abortEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.Hex(), "balance": bal.String()})
}

func (h *Handler) withdraw(c *gin.Context) {
	amount, err := h.core.Withdraw(c.Request.Context(), caller(c))
	if err != nil {
		abortEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawn": amount.String()})
}

// ── parsing and error mapping ─────────────────────────────────────────────

func parseHash(s string) (common.Hash, error) {
	b, err := parseHexBytes(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

func parseAddress(s string) (common.Address, error) {
	b, err := parseHexBytes(s)
	if err != nil {
		return common.Address{}, err
	}
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("expected 20 bytes, got %d", len(b))
	}
	return common.BytesToAddress(b), nil
}

func parseHashes(ss []string) ([]common.Hash, error) {
	out := make([]common.Hash, len(ss))
	var err error
	for i, s := range ss {
		if out[i], err = parseHash(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

// parseAmount parses a decimal string; empty means zero.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func badField(c *gin.Context, field string, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", field, err)})
}

// abortEngineError maps engine errors onto HTTP statuses, keeping the
// engine's error name in the body so callers can branch on it.
func abortEngineError(c *gin.Context, err error) {
	var paramErr *ledger.InvalidParameterError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &paramErr),
		errors.Is(err, ledger.ErrInvalidFeeAmount),
		errors.Is(err, ledger.ErrInvalidResultProof),
		errors.Is(err, ledger.ErrInvalidRecipient),
		errors.Is(err, ledger.ErrArrayLengthMismatch),
		errors.Is(err, ledger.ErrFeeAmountMismatch),
		errors.Is(err, ledger.ErrNoFeesToWithdraw),
		errors.Is(err, prover.ErrMismatchedSignaturesAndProofs),
		errors.Is(err, prover.ErrInvalidValidatorOrder),
		errors.Is(err, prover.ErrInvalidValidatorProof),
		errors.Is(err, prover.ErrInvalidSignature):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrRequestNotFound),
		errors.Is(err, ledger.ErrResultNotFound),
		errors.Is(err, prover.ErrBatchNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrResultAlreadyExists),
		errors.Is(err, ledger.ErrRequestAlreadyResolved),
		errors.Is(err, prover.ErrBatchAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, prover.ErrConsensusNotReached),
		errors.Is(err, prover.ErrBatchHeightTooOld):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrFeeTransferFailed):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
