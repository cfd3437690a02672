package api

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ethpandaops/txguard/clients/execution/rpc"
	"github.com/ethpandaops/txguard/services"
	"github.com/ethpandaops/txguard/simulation"
)

// APIEvaluateRequestV1 is the body of an evaluate request.
type APIEvaluateRequestV1 struct {
	Transaction *simulation.Transaction `json:"transaction"`
	BlockNumber *hexutil.Uint64         `json:"blockNumber,omitempty"`
}

// ApiEvaluateV1 godoc
// @Summary Evaluate a transaction
// @Description Simulates a single transaction on top of the latest block (or the given block) and returns the risk codes and the decoded token movements
// @Tags Evaluation
// @Accept json
// @Produce json
// @Param request body APIEvaluateRequestV1 true "Transaction to evaluate"
// @Success 200 {object} ApiResponse{data=services.Evaluation} "Success"
// @Failure 400 {object} ApiResponse "Failure"
// @Failure 500 {object} ApiResponse "Server Error"
// @Failure 504 {object} ApiResponse "Node Timeout"
// @Router /v1/evaluate [post]
// @ID evaluate
func (h *APIHandler) ApiEvaluateV1(w http.ResponseWriter, r *http.Request) {
	const route = "/api/v1/evaluate"

	req := &APIEvaluateRequestV1{}
	if !h.decodeBody(w, r, route, req) {
		return
	}
	if req.Transaction == nil {
		sendBadRequestResponse(w, route, "missing transaction")
		return
	}
	if req.Transaction.From == (common.Address{}) {
		sendBadRequestResponse(w, route, "transaction is missing a sender")
		return
	}

	evalReq := &services.EvaluationRequest{
		Candidate: req.Transaction,
	}
	if req.BlockNumber != nil {
		number := uint64(*req.BlockNumber)
		evalReq.BlockTag = &number
	}

	evaluation, _, err := h.engine.Evaluate(r.Context(), evalReq)
	if err != nil {
		var timeoutErr *rpc.TimeoutError
		if errors.As(err, &timeoutErr) {
			sendErrorWithCodeResponse(w, route, err.Error(), http.StatusGatewayTimeout)
			return
		}
		h.logger.Warnf("evaluation failed: %v", err)
		sendServerErrorResponse(w, route, err.Error())
		return
	}

	SendOKResponse(w, route, evaluation)
}
