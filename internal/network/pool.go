package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const defaultDialTimeout = 10 * time.Second

// ClientPool dials one client per chain on first use and reuses it.
type ClientPool struct {
	mu          sync.Mutex
	clients     map[int64]*ethclient.Client
	dialTimeout time.Duration
	logger      *zap.Logger
}

func NewClientPool(dialTimeout time.Duration, logger *zap.Logger) *ClientPool {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientPool{
		clients:     map[int64]*ethclient.Client{},
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

func (p *ClientPool) Client(ctx context.Context, n Network) (*ethclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[n.ChainID]; ok {
		return client, nil
	}
	if n.RPCURL == "" {
		return nil, fmt.Errorf("no rpc url configured for %s", n.Slug)
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, n.RPCURL)
	if err != nil {
		p.logger.Error("dial rpc failed", zap.String("network", n.Slug), zap.Error(err))
		return nil, fmt.Errorf("dial rpc for %s: %w", n.Slug, err)
	}
	p.logger.Debug("dialed rpc client", zap.String("network", n.Slug), zap.String("rpc", n.RPCURL))
	p.clients[n.ChainID] = client
	return client, nil
}

func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, client := range p.clients {
		client.Close()
		delete(p.clients, id)
	}
}
