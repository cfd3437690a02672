package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/services"
)

const maxRequestBody = 1024 * 1024

type ApiResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data"`
}

// APIHandler serves the REST endpoints below /api/v1.
type APIHandler struct {
	engine *services.Engine
	logger logrus.FieldLogger
}

func NewAPIHandler(engine *services.Engine, logger logrus.FieldLogger) *APIHandler {
	return &APIHandler{
		engine: engine,
		logger: logger.WithField("module", "api"),
	}
}

func (h *APIHandler) decodeBody(w http.ResponseWriter, r *http.Request, route string, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(target); err != nil {
		sendBadRequestResponse(w, route, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func sendBadRequestResponse(w http.ResponseWriter, route, message string) {
	sendErrorWithCodeResponse(w, route, message, http.StatusBadRequest)
}

func sendServerErrorResponse(w http.ResponseWriter, route, message string) {
	sendErrorWithCodeResponse(w, route, message, http.StatusInternalServerError)
}

func sendErrorWithCodeResponse(w http.ResponseWriter, route, message string, errorcode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errorcode)
	j := json.NewEncoder(w)
	response := &ApiResponse{}
	response.Status = "ERROR: " + message
	err := j.Encode(response)

	if err != nil {
		logrus.Errorf("error serializing json error for API %v route: %v", route, err)
	}
}

func SendOKResponse(w http.ResponseWriter, route string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	response := &ApiResponse{
		Status: "OK",
		Data:   data,
	}
	err := json.NewEncoder(w).Encode(response)

	if err != nil {
		logrus.Errorf("error serializing json data for API %v route: %v", route, err)
	}
}
