// Package rpcpool manages per-chain JSON-RPC endpoint rings with load-spread
// rotation and consecutive-failure failover. Callers ask for a live
// connection handle and never see individual endpoint failures unless every
// endpoint for a chain is unreachable.
package rpcpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/quantfold/chainbot/internal/domain"
)

// Default thresholds. Rotation spreads request load across the ring;
// failover rotates early once a primary looks dead.
const (
	DefaultRotationThreshold = 50
	DefaultFailureThreshold  = 3
	DefaultDialTimeout       = 10 * time.Second
)

// Conn is a live connection handle. *ethclient.Client satisfies it; tests
// substitute fakes via WithDialFunc.
type Conn interface {
	Close()
}

// DialFunc establishes a connection against a single endpoint URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// defaultDial connects with go-ethereum's client and probes the endpoint
// with a ChainID call so a dead-but-accepting endpoint is caught here rather
// than on first use.
func defaultDial(ctx context.Context, url string) (Conn, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	return client, nil
}

// Config holds pool tuning parameters.
type Config struct {
	// RotationThreshold is the number of served requests after which the
	// primary endpoint is demoted to the back of the ring.
	RotationThreshold int

	// FailureThreshold is the number of consecutive connection failures
	// after which the primary is rotated out early.
	FailureThreshold int

	// DialTimeout bounds each individual connection attempt.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RotationThreshold <= 0 {
		c.RotationThreshold = DefaultRotationThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// chainState tracks the endpoint ring and counters for one chain. Each chain
// has its own mutex so cycles fanning out across chains do not serialize on
// a single pool lock.
type chainState struct {
	mu       sync.Mutex
	name     string
	urls     []string // urls[0] is the current primary
	requests int      // served requests since the last rotation
	failures int      // consecutive connection failures
	conn     Conn
}

// Pool hands out live connections per chain. Chain state is created once at
// construction and never removed for the process lifetime.
type Pool struct {
	chains map[string]*chainState
	cfg    Config
	dial   DialFunc
	logger *slog.Logger
}

// Option customises a Pool.
type Option func(*Pool)

// WithDialFunc replaces the connection function. Used by tests and by
// callers that need a non-EVM dialer.
func WithDialFunc(dial DialFunc) Option {
	return func(p *Pool) { p.dial = dial }
}

// New builds a Pool from the configured chains. Chains without a primary RPC
// URL are skipped; disabled chains are still registered so an operator can
// enable them at runtime without a restart.
func New(chains []domain.ChainConfig, cfg Config, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		chains: make(map[string]*chainState, len(chains)),
		cfg:    cfg.withDefaults(),
		dial:   defaultDial,
		logger: logger.With(slog.String("component", "rpcpool")),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, ch := range chains {
		if ch.RPCURL == "" {
			p.logger.Warn("chain has no rpc_url, skipping", slog.String("chain", ch.Name))
			continue
		}
		urls := append([]string{ch.RPCURL}, ch.FallbackURLs...)
		p.chains[ch.Name] = &chainState{name: ch.Name, urls: urls}
	}
	return p
}

// Supports reports whether the pool has endpoints configured for chain.
func (p *Pool) Supports(chain string) bool {
	_, ok := p.chains[chain]
	return ok
}

// Get returns a live connection for the chain, establishing one if needed.
// Endpoint instability is absorbed here: failed endpoints are rotated out
// and the next candidate is tried. The call fails with
// domain.ErrNoReachableEndpoint only after the whole ring has been tried
// without success, and with domain.ErrChainUnsupported when the chain has no
// configured endpoints at all.
func (p *Pool) Get(ctx context.Context, chain string) (Conn, error) {
	st, ok := p.chains[chain]
	if !ok {
		return nil, fmt.Errorf("rpcpool: %s: %w", chain, domain.ErrChainUnsupported)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Scheduled rotation: spread load once the primary has served its quota.
	if st.requests >= p.cfg.RotationThreshold {
		p.rotateLocked(st, "rotation threshold reached")
	}

	if st.conn != nil {
		st.requests++
		return st.conn, nil
	}

	rotations := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		conn, err := p.dial(dialCtx, st.urls[0])
		cancel()

		if err == nil {
			st.conn = conn
			st.failures = 0
			st.requests++
			p.logger.Debug("connection established",
				slog.String("chain", chain),
				slog.String("endpoint", st.urls[0]),
			)
			return conn, nil
		}

		st.failures++
		p.logger.Warn("endpoint connection failed",
			slog.String("chain", chain),
			slog.String("endpoint", st.urls[0]),
			slog.Int("consecutive_failures", st.failures),
			slog.String("error", err.Error()),
		)

		if st.failures < p.cfg.FailureThreshold {
			continue
		}

		// Expedited promotion: the primary is considered dead.
		p.rotateLocked(st, "failure threshold reached")
		st.failures = 0
		rotations++
		if rotations >= len(st.urls) {
			return nil, fmt.Errorf("rpcpool: %s: %w", chain, domain.ErrNoReachableEndpoint)
		}
	}
}

// rotateLocked demotes the current primary to the back of the ring,
// invalidates the cached connection, and resets the request counter.
// Caller must hold st.mu.
func (p *Pool) rotateLocked(st *chainState, why string) {
	if len(st.urls) > 1 {
		st.urls = append(st.urls[1:], st.urls[0])
	}
	st.requests = 0
	if st.conn != nil {
		st.conn.Close()
		st.conn = nil
	}
	p.logger.Info("rotated endpoint",
		slog.String("chain", st.name),
		slog.String("new_primary", st.urls[0]),
		slog.String("why", why),
	)
}

// Primary returns the current primary endpoint URL for a chain. Exposed for
// status reporting.
func (p *Pool) Primary(chain string) (string, bool) {
	st, ok := p.chains[chain]
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.urls[0], true
}

// Close releases every cached connection.
func (p *Pool) Close() {
	for _, st := range p.chains {
		st.mu.Lock()
		if st.conn != nil {
			st.conn.Close()
			st.conn = nil
		}
		st.mu.Unlock()
	}
}
