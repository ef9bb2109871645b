package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"dsgate/internal/api"
	"dsgate/internal/gwerr"
)

const (
	defaultJSONMaxBody = 1 << 20   // 1 MiB
	entityJSONMaxBody  = 256 << 20 // 256 MiB, base64 content included
	filterQueryPrefix  = "filter."
)

func (s *Server) writeErrorReq(w http.ResponseWriter, r *http.Request, status int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}

	code := errorCode(status, err)
	numericCode := errorNumericCode(status, err)
	message := err.Error()

	fields := []any{"status", status, "code", code, "error_code", numericCode, "error", err}
	if r != nil {
		fields = append(fields, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	}

	switch {
	case status >= 500:
		s.log().Error("request error", fields...)
		message = publicServerMessage(status)
	case status >= 400 && shouldWarnClientError(status):
		s.log().Warn("request rejected", fields...)
	case status >= 400:
		s.log().Debug("request rejected", fields...)
	}

	s.writeJSON(w, status, api.ErrorResponse{Error: message, Code: code, ErrorCode: numericCode})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("write json response", "status", status, "error", err)
	}
}

// publicServerMessage replaces backend detail in 5xx responses.
func publicServerMessage(status int) string {
	switch status {
	case http.StatusBadGateway:
		return "create failed"
	case http.StatusServiceUnavailable:
		return "store unavailable"
	case http.StatusInsufficientStorage:
		return "quota exceeded"
	default:
		return "internal error"
	}
}

type apiError struct {
	status  int
	code    string
	errCode int
	err     error
}

func (e apiError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e apiError) Unwrap() error {
	return e.err
}

func makeAPIError(status int, code string, errCode int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}

	var existing apiError
	if errors.As(err, &existing) {
		if existing.status != 0 {
			return existing
		}
	}

	return apiError{status: status, code: code, errCode: errCode, err: err}
}

func badRequestCode(err error, code int) error {
	return makeAPIError(http.StatusBadRequest, gwerr.CodeValidation, code, err)
}

func forbidden(err error) error {
	return makeAPIError(http.StatusForbidden, "forbidden", ErrCodeForbidden, err)
}

// gatewayError maps the gateway error taxonomy onto HTTP.
func gatewayError(err error) error {
	var existing apiError
	if errors.As(err, &existing) {
		return existing
	}
	code := gwerr.Code(err)
	switch code {
	case gwerr.CodeNotFound:
		return makeAPIError(http.StatusNotFound, code, ErrCodeEntityNotFound, err)
	case gwerr.CodeValidation:
		return makeAPIError(http.StatusBadRequest, code, ErrCodeInvalidArgument, err)
	case gwerr.CodeStoreUnavailable:
		return makeAPIError(http.StatusServiceUnavailable, code, ErrCodeStoreUnavailable, err)
	case gwerr.CodeQuotaExceeded:
		return makeAPIError(http.StatusInsufficientStorage, code, ErrCodeQuotaExceeded, err)
	case gwerr.CodeCreateFailed:
		return makeAPIError(http.StatusBadGateway, code, ErrCodeCreateFailed, err)
	case gwerr.CodeConflictOrphan:
		return makeAPIError(http.StatusConflict, code, ErrCodeConflictOrphan, err)
	default:
		return makeAPIError(http.StatusInternalServerError, gwerr.CodeInternal, ErrCodeInternal, err)
	}
}

func httpStatusFromError(err error) int {
	var apiErr apiError
	if errors.As(err, &apiErr) {
		return apiErr.status
	}
	return http.StatusInternalServerError
}

func errorCode(status int, err error) string {
	var apiErr apiError
	if errors.As(err, &apiErr) && apiErr.code != "" {
		return apiErr.code
	}
	switch status {
	case http.StatusBadRequest:
		return gwerr.CodeValidation
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return gwerr.CodeNotFound
	case http.StatusConflict:
		return gwerr.CodeConflictOrphan
	case http.StatusTooManyRequests:
		return "resource_exhausted"
	case http.StatusInternalServerError:
		return gwerr.CodeInternal
	default:
		return ""
	}
}

func errorNumericCode(status int, err error) int {
	var apiErr apiError
	if errors.As(err, &apiErr) && apiErr.errCode > 0 {
		return apiErr.errCode
	}
	return defaultErrorCodeByStatus(status)
}

func shouldWarnClientError(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// decodeJSON decodes exactly one JSON value from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	maxBytes := defaultJSONMaxBody
	if strings.HasPrefix(r.URL.Path, "/v1/entities") {
		maxBytes = entityJSONMaxBody
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected trailing data after JSON payload")
	}
	return nil
}

func classifyDecodeJSONError(err error) error {
	if err == nil {
		return nil
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return badRequestCode(fmt.Errorf("request body too large"), ErrCodeRequestTooLarge)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return badRequestCode(fmt.Errorf("invalid JSON payload"), ErrCodeInvalidJSON)
	}

	return badRequestCode(err, ErrCodeInvalidJSON)
}

func (s *Server) decodeJSONReq(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, classifyDecodeJSONError(err))
		return false
	}
	return true
}

// decodeOptionalJSONReq accepts an empty body and leaves dst untouched.
func (s *Server) decodeOptionalJSONReq(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return s.decodeJSONReq(w, r, dst)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	err = gatewayError(err)
	s.writeErrorReq(w, r, httpStatusFromError(err), err)
}

func (s *Server) pathIDOrBadRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("entity id is required"), ErrCodeInvalidID))
		return "", false
	}
	return id, true
}

func queryInt(r *http.Request, key string) (int, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, badRequestCode(fmt.Errorf("invalid %s", key), ErrCodeInvalidQuery)
	}
	if parsed < 0 {
		return 0, badRequestCode(fmt.Errorf("%s must be >= 0", key), ErrCodeInvalidQuery)
	}
	return parsed, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, badRequestCode(fmt.Errorf("invalid %s", key), ErrCodeInvalidQuery)
	}
	return parsed, nil
}

// queryFilter collects filter.<name>=<value> parameters.
func queryFilter(r *http.Request) (map[string]string, error) {
	var filter map[string]string
	for key, values := range r.URL.Query() {
		if !strings.HasPrefix(key, filterQueryPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, filterQueryPrefix)
		if name == "" {
			return nil, badRequestCode(fmt.Errorf("filter name is required"), ErrCodeInvalidQuery)
		}
		if len(values) != 1 {
			return nil, badRequestCode(fmt.Errorf("filter %s given more than once", name), ErrCodeInvalidQuery)
		}
		if filter == nil {
			filter = make(map[string]string)
		}
		filter[name] = values[0]
	}
	return filter, nil
}
