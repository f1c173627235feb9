package chainrpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrServiceUnavailable = errors.New("rpc service unavailable, circuit open")
	ErrUnknownChain       = errors.New("unknown chain")
	ErrRateLimited        = errors.New("rpc rate limit wait aborted")

	errBreakerOpen = errors.New("circuit breaker opened")
)

// ExhaustedError is returned once every endpoint of a chain failed all its attempts.
type ExhaustedError struct {
	Chain     string
	Operation string
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rpc exhausted on chain %s for %s: %v", e.Chain, e.Operation, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsNodeError reports whether err is an answer from a healthy node, such as a revert or a missing object,
// rather than a transport failure. Such answers are not retried and do not count against the endpoint.
func IsNodeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}
	var dataErr rpc.DataError
	return errors.As(err, &dataErr)
}

// IsAlreadyKnown reports whether the node refused a raw transaction because it already holds it.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// IsNonceTooLow reports whether the node refused a raw transaction because its nonce was already mined.
func IsNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
