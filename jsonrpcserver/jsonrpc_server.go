// Package jsonrpcserver exposes functions like:
// func Foo(context, int) (int, error)
// as JSON RPC methods over HTTP.
//
// Params may be sent either as a positional array or, for single argument methods, as one object.
package jsonrpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

const (
	maxOriginIDLength  = 255
	maxRequestBodySize = 2 << 20

	HeaderHighPriority = "high_prio"
	HeaderOrigin       = "x-executor-origin"
	HeaderAccount      = "x-executor-account"
)

type (
	highPriorityKey struct{}
	accountKey      struct{}
	originKey       struct{}
)

// CodedError lets a method choose the JSON-RPC error code of its failure.
type CodedError interface {
	error
	ErrorCode() int
}

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string  { return e.err.Error() }
func (e *codedError) Unwrap() error  { return e.err }
func (e *codedError) ErrorCode() int { return e.code }

// WithCode attaches a JSON-RPC error code to err.
func WithCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

type Handler struct {
	methods map[string]methodHandler
}

type Methods map[string]interface{}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(methods Methods) (*Handler, error) {
	m := make(map[string]methodHandler)
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	return &Handler{
		methods: m,
	}, nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// splitParams accepts a positional array, a single object, or nothing.
func splitParams(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '{' {
		return []json.RawMessage{raw}, nil
	}
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func errorCode(err error) int {
	var coded CodedError
	switch {
	case errors.As(err, &coded):
		return coded.ErrorCode()
	case errors.Is(err, ErrTooMuchArguments), errors.Is(err, errInvalidArgument):
		return CodeInvalidParams
	}
	return CodeCustomError
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	if req.ID != nil {
		// id must be string or number
		switch req.ID.(type) {
		case string, float64:
		default:
			writeJSONRPCError(w, nil, CodeInvalidRequest, "invalid id type")
			return
		}
	}

	highPriority := r.Header.Get(HeaderHighPriority) == "true"
	ctx := context.WithValue(r.Context(), highPriorityKey{}, highPriority)

	if account := r.Header.Get(HeaderAccount); account != "" {
		if !common.IsHexAddress(account) {
			writeJSONRPCError(w, req.ID, CodeInvalidRequest, HeaderAccount+" header is not an address")
			return
		}
		ctx = context.WithValue(ctx, accountKey{}, common.HexToAddress(account))
	}

	origin := r.Header.Get(HeaderOrigin)
	if origin != "" {
		if len(origin) > maxOriginIDLength {
			writeJSONRPCError(w, req.ID, CodeInvalidRequest, HeaderOrigin+" header is too long")
			return
		}
		ctx = context.WithValue(ctx, originKey{}, origin)
	}

	method, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	params, err := splitParams(req.Params)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInvalidParams, err.Error())
		return
	}

	result, err := method.call(ctx, params)
	if err != nil {
		writeJSONRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// GetPriority reports whether the caller asked for high priority with the high_prio header.
func GetPriority(ctx context.Context) bool {
	value, ok := ctx.Value(highPriorityKey{}).(bool)
	if !ok {
		return false
	}
	return value
}

// GetAccount returns the acting account from the x-executor-account header, or the zero address.
func GetAccount(ctx context.Context) common.Address {
	value, ok := ctx.Value(accountKey{}).(common.Address)
	if !ok {
		return common.Address{}
	}
	return value
}

func GetOrigin(ctx context.Context) string {
	value, ok := ctx.Value(originKey{}).(string)
	if !ok {
		return ""
	}
	return value
}
