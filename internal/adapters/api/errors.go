package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/poyrazK/veriflow/internal/core/domain"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type quotaDetails struct {
	Used      int64  `json:"used"`
	Limit     *int64 `json:"limit"`
	Remaining *int64 `json:"remaining"`
}

// writeError maps a domain error onto its status code and error envelope.
func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	var (
		authErr  *domain.AuthenticationError
		quotaErr *domain.QuotaExceededError
		rateErr  *domain.RateLimitError
		valErr   *domain.ValidationError
		execErr  *domain.JobExecutionError
	)
	switch {
	case errors.As(err, &authErr):
		code := http.StatusUnauthorized
		if authErr.Code == domain.CodeTenantSuspended {
			code = http.StatusForbidden
		}
		h.writeErrorBody(w, code, authErr.Code, authErr.Message, nil)
	case errors.As(err, &quotaErr):
		st := quotaErr.Status
		h.writeErrorBody(w, http.StatusTooManyRequests, domain.CodeQuotaExceeded, quotaErr.Error(),
			quotaDetails{Used: st.Used, Limit: st.Limit, Remaining: st.Remaining})
	case errors.As(err, &rateErr):
		secs := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		h.writeErrorBody(w, http.StatusTooManyRequests, domain.CodeRateLimited, rateErr.Error(), nil)
	case errors.As(err, &valErr):
		h.writeErrorBody(w, http.StatusBadRequest, valErr.Code, valErr.Message, nil)
	case errors.Is(err, domain.ErrNotFound):
		h.writeErrorBody(w, http.StatusNotFound, domain.CodeNotFound, "resource not found", nil)
	case errors.As(err, &execErr):
		code := http.StatusBadGateway
		if execErr.Code == domain.CodeProviderTimeout {
			code = http.StatusGatewayTimeout
		}
		h.writeErrorBody(w, code, execErr.Code, execErr.Message, nil)
	default:
		h.logger.Error("request failed", "error", err)
		h.writeErrorBody(w, http.StatusInternalServerError, domain.CodeInternal, "internal server error", nil)
	}
}

func (h *APIHandler) writeErrorBody(w http.ResponseWriter, code int, errCode, message string, details any) {
	h.writeJSON(w, code, errorBody{Error: errorDetail{Code: errCode, Message: message, Details: details}})
}
