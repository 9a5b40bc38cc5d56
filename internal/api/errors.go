package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"listen-engine/internal/chain"
	"listen-engine/internal/condition"
	"listen-engine/internal/engine"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/order"
	"listen-engine/internal/pipeline"
	"listen-engine/pkg/logger"
)

var errServiceUnavailable = xerrors.New(xerrors.CodeInitializationFailure, "流水线服务未初始化")

// statusByCode 把错误码映射为 HTTP 状态码，未列出的错误码按 500 处理。
var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:       http.StatusBadRequest,
	pipeline.CodeInvalidPipeline:      http.StatusBadRequest,
	condition.CodeInvalidCondition:    http.StatusBadRequest,
	order.CodeInvalidOrder:            http.StatusBadRequest,
	chain.CodeInvalidChainIdentifier:  http.StatusBadRequest,
	xerrors.CodeNotFound:              http.StatusNotFound,
	engine.CodePipelineNotFound:       http.StatusNotFound,
	pipeline.CodeStepNotFound:         http.StatusNotFound,
	xerrors.CodeConflict:              http.StatusConflict,
	engine.CodePipelineConflict:       http.StatusConflict,
	pipeline.CodeStepNotPending:       http.StatusConflict,
	engine.CodePipelineBusy:           http.StatusLocked,
	xerrors.CodeInitializationFailure: http.StatusServiceUnavailable,
	xerrors.CodeTimeout:               http.StatusGatewayTimeout,
}

type errorBody struct {
	Code      xerrors.Code      `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func statusOf(err error) int {
	if status, ok := statusByCode[xerrors.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error(), Retryable: xerrors.RetryableError(err)}
	if xe, ok := xerrors.From(err); ok {
		body.Message = xe.Message()
		body.Metadata = xe.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败", slog.Any("error", err), slog.Int("status", status))
		if status == http.StatusInternalServerError {
			body.Message = "internal error"
			body.Metadata = nil
		}
	}
	if status == http.StatusLocked {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
