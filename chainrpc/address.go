package chainrpc

import (
	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress returns the checksummed form of a hex address. Anything that is not an address
// is returned unchanged so that the node gets to reject it.
func NormalizeAddress(s string) string {
	if !common.IsHexAddress(s) {
		return s
	}
	return common.HexToAddress(s).Hex()
}

func normalizeArgs(args []interface{}) []interface{} {
	out := make([]interface{}, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			out[i] = NormalizeAddress(v)
		case common.Address:
			out[i] = v.Hex()
		default:
			out[i] = arg
		}
	}
	return out
}
