package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/identity"
	"github.com/Erio-Harrison/defi-tools/internal/lifecycle"
	"github.com/Erio-Harrison/defi-tools/internal/pda"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

// apiResponse is the envelope of every API reply. Code is 0 on success, the
// program error code for ledger errors, and the HTTP status otherwise.
type apiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, apiResponse{Code: 0, Message: "ok", Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, apiResponse{Code: status, Message: message})
}

// failErr writes err with the status of its kind. data, when non-nil, is
// state committed before the failure.
func failErr(c *gin.Context, err error, data any) {
	status, code, name := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, apiResponse{Code: code, Message: message, Error: name, Data: data})
}

var kindStatus = map[*domain.Error]int{
	domain.ErrUnauthorized:             http.StatusForbidden,
	domain.ErrInvalidRiskLevel:         http.StatusBadRequest,
	domain.ErrInvalidStrategyID:        http.StatusNotFound,
	domain.ErrInvalidAllocation:        http.StatusBadRequest,
	domain.ErrInvalidSlippage:          http.StatusBadRequest,
	domain.ErrStrategyPaused:           http.StatusLocked,
	domain.ErrInsufficientFunds:        http.StatusUnprocessableEntity,
	domain.ErrMathError:                http.StatusUnprocessableEntity,
	domain.ErrRebalanceConditionNotMet: http.StatusConflict,
	domain.ErrAlreadyExists:            http.StatusConflict,
	domain.ErrNotFound:                 http.StatusNotFound,
}

// classify maps err to an HTTP status, an envelope code and an error name.
func classify(err error) (status, code int, name string) {
	var adErr *lifecycle.AdapterError
	if errors.As(err, &adErr) {
		return http.StatusBadGateway, http.StatusBadGateway, "AdapterError"
	}
	if kind := domain.KindOf(err); kind != nil {
		status, known := kindStatus[kind]
		if !known {
			status = http.StatusBadRequest
		}
		code := int(kind.Code)
		if code == 0 {
			code = status
		}
		return status, code, kind.Name
	}

	switch {
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, http.StatusConflict, "Conflict"
	case errors.Is(err, pda.ErrInvalidInput):
		return http.StatusBadRequest, http.StatusBadRequest, "InvalidKey"
	case errors.Is(err, identity.ErrInvalidToken), errors.Is(err, identity.ErrInvalidSubject):
		return http.StatusUnauthorized, http.StatusUnauthorized, "InvalidToken"
	}
	return http.StatusInternalServerError, http.StatusInternalServerError, "Internal"
}
