package executor

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/tx-plan-executor/chainrpc"
	"github.com/flashbots/tx-plan-executor/metrics"
	"go.uber.org/zap"
)

// ChainClients resolves the resilient client of a chain, chainrpc.Pool implements it.
type ChainClients interface {
	Client(chain string) (*chainrpc.Client, error)
}

// PrivateRelay accepts signed transactions outside of the public mempool.
type PrivateRelay interface {
	SendPrivateTransaction(ctx context.Context, rawTx []byte, currentBlock uint64) (common.Hash, error)
}

// Broadcaster sends signed transactions either to the chain endpoints or to the private relay.
type Broadcaster struct {
	log    *zap.Logger
	chains ChainClients
	relay  PrivateRelay
}

// NewBroadcaster creates a broadcaster, relay may be nil in which case private transactions go public.
func NewBroadcaster(log *zap.Logger, chains ChainClients, relay PrivateRelay) *Broadcaster {
	return &Broadcaster{
		log:    log.Named("broadcast"),
		chains: chains,
		relay:  relay,
	}
}

func (b *Broadcaster) Broadcast(ctx context.Context, chain string, tx *types.Transaction, private bool) (common.Hash, error) {
	client, err := b.chains.Client(chain)
	if err != nil {
		return common.Hash{}, err
	}

	if private && b.relay != nil {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return common.Hash{}, err
		}
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return common.Hash{}, err
		}
		hash, err := b.relay.SendPrivateTransaction(ctx, raw, head)
		if err != nil {
			return common.Hash{}, fmt.Errorf("private relay: %w", err)
		}
		if hash != (common.Hash{}) && hash != tx.Hash() {
			b.log.Warn("Private relay returned unexpected hash", zap.String("expected", tx.Hash().Hex()), zap.String("got", hash.Hex()))
		}
		metrics.IncTxBroadcast("private")
		return tx.Hash(), nil
	}
	if private {
		b.log.Debug("No private relay configured, broadcasting publicly", zap.String("tx", tx.Hash().Hex()))
	}

	if err := client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	metrics.IncTxBroadcast("public")
	return tx.Hash(), nil
}
