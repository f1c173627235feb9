package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrTooMuchArguments = errors.New("too much arguments")
	errInvalidArgument  = errors.New("invalid argument")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type methodHandler struct {
	in  []reflect.Type
	out []reflect.Type
	fn  reflect.Value
}

func getMethodTypes(fn interface{}) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	numIn := fnType.NumIn()
	in := make([]reflect.Type, numIn)
	for i := 0; i < numIn; i++ {
		in[i] = fnType.In(i)
	}
	if numIn == 0 || in[0] != contextType {
		return methodHandler{}, ErrMustHaveContext
	}

	numOut := fnType.NumOut()
	out := make([]reflect.Type, numOut)
	for i := 0; i < numOut; i++ {
		out[i] = fnType.Out(i)
	}
	if numOut == 0 || !out[numOut-1].Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	return methodHandler{in: in, out: out, fn: reflect.ValueOf(fn)}, nil
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := extractArgumentsFromJSONparamsArray(h.in[1:], params)
	if err != nil {
		return nil, err
	}
	args = append([]reflect.Value{reflect.ValueOf(ctx)}, args...)

	results := h.fn.Call(args)

	var outError error
	if last := results[len(results)-1]; !last.IsNil() {
		errVal, ok := last.Interface().(error)
		if !ok {
			return nil, ErrMustReturnError
		}
		outError = errVal
	}
	if len(results) == 1 {
		return nil, outError
	}
	return results[0].Interface(), outError
}

// extractArgumentsFromJSONparamsArray decodes params positionally, missing trailing params stay zero values.
func extractArgumentsFromJSONparamsArray(in []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(in) {
		return nil, ErrTooMuchArguments
	}

	args := make([]reflect.Value, len(in))
	for i, argType := range in {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("%w %d: %v", errInvalidArgument, i, err)
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}
