package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/logging"
)

// 错误码
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeUnavailable    = "UNAVAILABLE"
	CodeNotSupported   = "NOT_SUPPORTED"
	CodeInternal       = "INTERNAL_ERROR"
)

// ErrorBody 是错误响应体。
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validateStruct(v any) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	err := validate.Struct(v)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return core.Malformed(core.ModuleService, strings.Join(msgs, "; "))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("marshal response failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("write response failed")
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Int("status", status).Str("code", code).Str("path", r.URL.Path).Msg(message)
	}
	var body ErrorBody
	body.Error.Code = code
	body.Error.Message = message
	respondJSON(w, status, &body)
}

// respondDomainError 按错误分类映射 HTTP 状态码。
// 内部错误不把细节返回给调用方。
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case core.IsMalformed(err):
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case core.IsNotFound(err):
		respondError(w, r, http.StatusNotFound, CodeNotFound, err.Error())
	case core.IsNotSupported(err):
		respondError(w, r, http.StatusNotImplemented, CodeNotSupported, err.Error())
	case core.IsUnavailable(err), core.IsTimeout(err):
		logging.Ctx(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("backend unavailable")
		respondError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "service temporarily unavailable")
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// decodeJSON 解析请求体并校验；空体、未知字段与校验失败都返回 MALFORMED。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.WrapDomainError(core.ModuleService, core.ErrorCodeMalformed, "invalid json body", err)
	}
	return validateStruct(v)
}
