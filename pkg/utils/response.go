package utils

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
)

// ErrorBody is the JSON shape of every rejected request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Warn("failed to encode response")
	}
}

// RespondError 发送错误响应，状态码由错误类型决定
func RespondError(w http.ResponseWriter, err error) {
	RespondJSON(w, apperr.HTTPStatus(err), ErrorBody{
		Code:    apperr.CodeOf(err),
		Message: apperr.MessageOf(err),
	})
}

// RespondStatus sends an error body with an explicit status.
func RespondStatus(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorBody{Code: code, Message: message})
}
