package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethpandaops/txguard/simulation"
)

type APIExportHashResponseV1 struct {
	Hash common.Hash `json:"hash"`
}

// ApiExportHashV1 godoc
// @Summary Hash an exported simulation
// @Description Returns the content hash of an exported simulation snapshot. Sharing decisions are remembered per hash.
// @Tags Export
// @Accept json
// @Produce json
// @Param snapshot body simulation.ExportSnapshot true "Exported simulation"
// @Success 200 {object} ApiResponse{data=APIExportHashResponseV1} "Success"
// @Failure 400 {object} ApiResponse "Failure"
// @Router /v1/export/hash [post]
// @ID exportHash
func (h *APIHandler) ApiExportHashV1(w http.ResponseWriter, r *http.Request) {
	const route = "/api/v1/export/hash"

	snapshot := &simulation.ExportSnapshot{}
	if !h.decodeBody(w, r, route, snapshot) {
		return
	}

	hash, err := snapshot.Hash()
	if err != nil {
		sendBadRequestResponse(w, route, err.Error())
		return
	}

	SendOKResponse(w, route, &APIExportHashResponseV1{Hash: hash})
}
