package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool holds a fixed number of connected clients with FIFO checkout/checkin.
// Clients are created lazily on first checkout. The orchestration loop does
// not use the pool (it reconnects per call); the pool serves read-mostly
// paths such as tool listings.
type Pool struct {
	config *ServerConfig
	logger *slog.Logger
	size   int

	mu      sync.Mutex
	created int
	closed  bool
	idle    chan *Client
}

// NewPool creates a pool of up to size clients.
func NewPool(cfg *ServerConfig, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		config: cfg,
		logger: logger.With("component", "mcp_pool"),
		size:   size,
		idle:   make(chan *Client, size),
	}
}

// Checkout returns a connected client, creating one if the pool has capacity,
// otherwise blocking until a client is checked in.
func (p *Pool) Checkout(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is closed")
	}
	canCreate := p.created < p.size
	if canCreate {
		p.created++
	}
	p.mu.Unlock()

	if canCreate {
		client := NewClient(p.config, p.logger)
		if err := client.Connect(ctx); err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, err
		}
		return client, nil
	}

	select {
	case client := <-p.idle:
		if !client.Connected() {
			if err := client.Connect(ctx); err != nil {
				p.mu.Lock()
				p.created--
				p.mu.Unlock()
				return nil, err
			}
		}
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Checkin returns a client to the pool. Closed pools discard the client.
func (p *Pool) Checkin(client *Client) {
	if client == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		client.Close()
		return
	}
	select {
	case p.idle <- client:
	default:
		// Checkin without matching checkout; drop it.
		client.Close()
	}
}

// Close closes all idle clients and marks the pool unusable.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case client := <-p.idle:
			client.Close()
		default:
			return
		}
	}
}

// Directory serves tool listings from pooled connections. It satisfies the
// same contract as ToolSession for the read-only listing path without paying
// a handshake per request.
type Directory struct {
	pool *Pool
	url  string

	mu        sync.Mutex
	toolCount int
	lastFetch time.Time
}

// NewDirectory creates a pooled tool directory.
func NewDirectory(pool *Pool) *Directory {
	return &Directory{pool: pool, url: pool.config.URL}
}

// Connect fetches the current tool list over a pooled client.
func (d *Directory) Connect(ctx context.Context) ([]*ToolSchema, error) {
	client, err := d.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer d.pool.Checkin(client)

	tools := client.Tools()
	d.mu.Lock()
	d.toolCount = len(tools)
	d.lastFetch = time.Now()
	d.mu.Unlock()
	return tools, nil
}

// Info reports the last successful fetch.
func (d *Directory) Info() ConnectionInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ConnectionInfo{
		Connected:   !d.lastFetch.IsZero(),
		ToolCount:   d.toolCount,
		ConnectedAt: d.lastFetch,
		ServerURL:   d.url,
	}
}
