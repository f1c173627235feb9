package chainrpc

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Pool holds one Client per configured chain.
type Pool struct {
	clients map[string]*Client
	byID    map[uint64]*Client
}

func NewPool(log *zap.Logger, chains []ChainConfig, cfg Config, dial DialFunc) (*Pool, error) {
	p := &Pool{
		clients: make(map[string]*Client, len(chains)),
		byID:    make(map[uint64]*Client, len(chains)),
	}
	for _, chain := range chains {
		if _, ok := p.clients[chain.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate chain %q", ErrInvalidChainConfig, chain.Name)
		}
		client := NewClient(log, chain, cfg, dial)
		p.clients[chain.Name] = client
		p.byID[chain.ChainID] = client
		log.Info("Configured chain",
			zap.String("chain", chain.Name), zap.Uint64("chainID", chain.ChainID), zap.Int("fallbacks", len(chain.Fallbacks)))
	}
	return p, nil
}

func (p *Pool) Client(chain string) (*Client, error) {
	c, ok := p.clients[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	return c, nil
}

func (p *Pool) ClientByID(chainID uint64) (*Client, error) {
	c, ok := p.byID[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownChain, chainID)
	}
	return c, nil
}

func (p *Pool) Chains() []string {
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Pool) ClearCache() {
	for _, c := range p.clients {
		c.ClearCache()
	}
}

func (p *Pool) Close() {
	for _, c := range p.clients {
		c.Close()
	}
}
