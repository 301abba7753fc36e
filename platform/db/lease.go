package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"business_search_backend/platform/config"
	"business_search_backend/platform/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrPoolExhausted is returned when every connection stayed leased for
	// the whole acquire timeout.
	ErrPoolExhausted = errors.New("db: connection pool exhausted")
	// ErrAcquireTimeout is returned when the acquire timeout elapsed while the
	// pool still had room, e.g. because establishing a connection was slow.
	ErrAcquireTimeout = errors.New("db: timed out acquiring connection")
	// ErrUnavailable wraps failures to reach the datastore at all.
	ErrUnavailable = errors.New("db: datastore unavailable")
)

const (
	defaultAcquireBackoff = 25 * time.Millisecond
	discardTimeout        = time.Second
)

// Conn is the query-execution capability handed to repositories.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
}

// PooledConn is a connection owned by an Acquirer.
type PooledConn interface {
	Conn
	// Release returns the connection to the pool.
	Release()
	// Discard closes the connection and removes it from the pool.
	Discard()
	// Broken reports whether the underlying connection is closed.
	Broken() bool
}

// Acquirer hands out pooled connections. It must be safe for concurrent use.
type Acquirer interface {
	Acquire(ctx context.Context) (PooledConn, error)
	Stats() PoolStats
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	AcquiredConns        int32 `json:"acquiredConns"`
	IdleConns            int32 `json:"idleConns"`
	TotalConns           int32 `json:"totalConns"`
	MaxConns             int32 `json:"maxConns"`
	AcquireCount         int64 `json:"acquireCount"`
	EmptyAcquireCount    int64 `json:"emptyAcquireCount"`
	CanceledAcquireCount int64 `json:"canceledAcquireCount"`
}

// Saturated reports whether every connection the pool may open is leased.
func (s PoolStats) Saturated() bool {
	return s.MaxConns > 0 && s.AcquiredConns >= s.MaxConns
}

// NewAcquirer adapts a pgx pool to the Acquirer interface.
func NewAcquirer(pool *pgxpool.Pool) Acquirer {
	return &pgxAcquirer{pool: pool}
}

type pgxAcquirer struct {
	pool *pgxpool.Pool
}

func (a *pgxAcquirer) Acquire(ctx context.Context) (PooledConn, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

func (a *pgxAcquirer) Stats() PoolStats {
	s := a.pool.Stat()
	return PoolStats{
		AcquiredConns:        s.AcquiredConns(),
		IdleConns:            s.IdleConns(),
		TotalConns:           s.TotalConns(),
		MaxConns:             s.MaxConns(),
		AcquireCount:         s.AcquireCount(),
		EmptyAcquireCount:    s.EmptyAcquireCount(),
		CanceledAcquireCount: s.CanceledAcquireCount(),
	}
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c *pgxConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c *pgxConn) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return c.conn.SendBatch(ctx, b)
}

func (c *pgxConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConn) Release() {
	c.conn.Release()
}

func (c *pgxConn) Discard() {
	raw := c.conn.Hijack()
	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()
	_ = raw.Close(ctx)
}

func (c *pgxConn) Broken() bool {
	return c.conn.Conn().IsClosed()
}

// Lease is a temporarily exclusive handle on one pooled connection.
// Release is idempotent; a lease marked broken is discarded instead of
// being returned to the pool.
type Lease struct {
	conn   PooledConn
	once   sync.Once
	mu     sync.Mutex
	broken bool
}

var _ Conn = (*Lease)(nil)

func (l *Lease) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return l.conn.Query(ctx, sql, args...)
}

func (l *Lease) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return l.conn.QueryRow(ctx, sql, args...)
}

func (l *Lease) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return l.conn.Exec(ctx, sql, args...)
}

func (l *Lease) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return l.conn.SendBatch(ctx, b)
}

func (l *Lease) Ping(ctx context.Context) error {
	return l.conn.Ping(ctx)
}

// MarkBroken makes the next Release discard the connection.
func (l *Lease) MarkBroken() {
	l.mu.Lock()
	l.broken = true
	l.mu.Unlock()
}

// Release hands the connection back, or discards it when it failed.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		broken := l.broken
		l.mu.Unlock()

		if broken || l.conn.Broken() {
			l.conn.Discard()
			return
		}
		l.conn.Release()
	})
}

// LeaseOptions bounds how long and how often a lease is attempted.
type LeaseOptions struct {
	AcquireTimeout time.Duration
	Retries        uint64
	Backoff        time.Duration
}

// LeaseOptionsFrom reads lease options from configuration.
func LeaseOptionsFrom(cfg config.PoolConfig) LeaseOptions {
	return LeaseOptions{
		AcquireTimeout: cfg.GetPoolAcquireTimeout(),
		Retries:        cfg.GetPoolAcquireRetries(),
		Backoff:        cfg.GetPoolAcquireBackoff(),
	}
}

// LeaseManager bounds concurrent datastore access. It is safe for
// concurrent use and holds no lock while waiting for a connection.
type LeaseManager struct {
	acquirer Acquirer
	opts     LeaseOptions
	log      *logger.Logger
}

// NewLeaseManager creates a lease manager over the given acquirer.
func NewLeaseManager(acquirer Acquirer, opts LeaseOptions, log *logger.Logger) *LeaseManager {
	if opts.Backoff <= 0 {
		opts.Backoff = defaultAcquireBackoff
	}
	if log == nil {
		log = logger.Discard()
	}
	return &LeaseManager{acquirer: acquirer, opts: opts, log: log}
}

// Acquire waits up to the acquire timeout for a connection. Cancellation
// of ctx is returned as ctx.Err(), never remapped.
func (m *LeaseManager) Acquire(ctx context.Context) (*Lease, error) {
	acquireCtx := ctx
	if m.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, m.opts.AcquireTimeout)
		defer cancel()
	}

	conn, err := m.acquirer.Acquire(acquireCtx)
	if err == nil {
		return &Lease{conn: conn}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
		if m.acquirer.Stats().Saturated() {
			return nil, ErrPoolExhausted
		}
		return nil, ErrAcquireTimeout
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// WithLease runs fn on a leased connection and releases the lease on every
// path, including panics. ErrPoolExhausted is retried with exponential
// backoff a bounded number of times; other acquire errors are not retried.
// A connection failure reported by fn discards the connection.
func (m *LeaseManager) WithLease(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error {
	lease, err := m.acquireWithRetry(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			lease.MarkBroken()
			lease.Release()
			panic(r)
		}
		lease.Release()
	}()

	if err := fn(ctx, lease); err != nil {
		if IsConnectionFailure(err) {
			lease.MarkBroken()
		}
		return err
	}
	return nil
}

// Ping checks that a connection can be leased and answers.
func (m *LeaseManager) Ping(ctx context.Context) error {
	return m.WithLease(ctx, func(ctx context.Context, conn Conn) error {
		return conn.Ping(ctx)
	})
}

// Stats returns the current pool counters.
func (m *LeaseManager) Stats() PoolStats {
	return m.acquirer.Stats()
}

func (m *LeaseManager) acquireWithRetry(ctx context.Context) (*Lease, error) {
	backoff := retry.WithMaxRetries(m.opts.Retries, retry.NewExponential(m.opts.Backoff))

	var lease *Lease
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		l, err := m.Acquire(ctx)
		if errors.Is(err, ErrPoolExhausted) {
			stats := m.acquirer.Stats()
			m.log.WithContext(ctx).LeaseWait(attempt, stats.AcquiredConns, stats.MaxConns, err)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		lease = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// IsConnectionFailure reports whether err means the connection itself is
// unusable, as opposed to a statement-level failure.
func IsConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P0x are server shutdown codes.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
