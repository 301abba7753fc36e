package service

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"business_search_backend/internal/businesses/cursor"
	"business_search_backend/internal/businesses/domain"
	"business_search_backend/internal/businesses/query"
	"business_search_backend/internal/businesses/repository"
	"business_search_backend/platform/apperr"
	"business_search_backend/platform/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore evaluates compiled predicates against in-memory rows.
type memStore struct {
	mu      sync.Mutex
	rows    []repository.Row
	queries []query.CompiledQuery
	delay   time.Duration
}

func (s *memStore) Search(ctx context.Context, _ db.Conn, q query.CompiledQuery) ([]repository.Row, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var out []repository.Row
	for _, row := range s.rows {
		if matchesAll(row, q.Predicates) {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if *out[i].AvgRating != *out[j].AvgRating {
			return *out[i].AvgRating > *out[j].AvgRating
		}
		return *out[i].ID < *out[j].ID
	})
	if len(out) > q.Fetch() {
		out = out[:q.Fetch()]
	}
	return out, nil
}

func (s *memStore) GetByID(_ context.Context, _ db.Conn, id string) (repository.Row, error) {
	for _, row := range s.rows {
		if *row.ID == id {
			return row, nil
		}
	}
	return repository.Row{}, apperr.NotFound("business not found")
}

func (s *memStore) lastQuery() query.CompiledQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[len(s.queries)-1]
}

func matchesAll(row repository.Row, predicates []query.Predicate) bool {
	for _, p := range predicates {
		switch p := p.(type) {
		case query.GeoRadius:
			if distanceMeters(p.Center, domain.GeoPoint{Lat: *row.Latitude, Lng: *row.Longitude}) > p.Meters {
				return false
			}
		case query.TextMatch:
			name := strings.ToLower(*row.Name)
			for _, word := range strings.Fields(strings.ToLower(p.Query)) {
				if !strings.Contains(name, word) {
					return false
				}
			}
		case query.CategoryEquals:
			if *row.Category != p.Category {
				return false
			}
		case query.After:
			r, id := *row.AvgRating, *row.ID
			if !(r < p.Position.Rating || (r == p.Position.Rating && id > p.Position.ID)) {
				return false
			}
		}
	}
	return true
}

func distanceMeters(a, b domain.GeoPoint) float64 {
	const earthRadius = 6371008.8
	rad := math.Pi / 180
	dLat := (b.Lat - a.Lat) * rad
	dLng := (b.Lng - a.Lng) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}

// countingLeaser runs fn without a real connection.
type countingLeaser struct {
	leases atomic.Int32
	err    error
}

func (l *countingLeaser) WithLease(ctx context.Context, fn func(ctx context.Context, conn db.Conn) error) error {
	if l.err != nil {
		return l.err
	}
	l.leases.Add(1)
	return fn(ctx, nil)
}

type memCache struct {
	entries map[string]domain.Business
}

func (c *memCache) Get(_ context.Context, id string) (domain.Business, bool) {
	b, ok := c.entries[id]
	return b, ok
}

func (c *memCache) Set(_ context.Context, b domain.Business) {
	c.entries[b.ID] = b
}

func ptr[T any](v T) *T { return &v }

func row(id, name, category string, lat, lng, rating float64, count int64) repository.Row {
	return repository.Row{
		ID:          ptr(id),
		Name:        ptr(name),
		Description: ptr(""),
		Category:    ptr(category),
		Address:     ptr("somewhere"),
		Latitude:    ptr(lat),
		Longitude:   ptr(lng),
		AvgRating:   ptr(rating),
		NumRating:   ptr(count),
	}
}

// Manhattan rows sit within a kilometer of the default point; the London
// row is far outside any default radius.
func sampleRows() []repository.Row {
	return []repository.Row{
		row("a", "Joe's Pizza", "Restaurants", 40.7130, -74.0050, 4.5, 100),
		row("b", "Pizza Suprema", "Restaurants", 40.7140, -74.0070, 4.5, 80),
		row("c", "Blue Bottle Coffee", "Cafes", 40.7120, -74.0065, 4.0, 50),
		row("d", "Dead Rabbit", "Bars", 40.7135, -74.0055, 4.5, 300),
		row("e", "Corner Deli", "Restaurants", 40.7125, -74.0062, 3.0, 10),
		row("f", "New Place", "Restaurants", 40.7129, -74.0061, 0, 0),
		row("g", "Sketch Bar", "Bars", 40.7131, -74.0059, 4.0, 12),
		row("london", "Pizza London", "Restaurants", 51.5072, -0.1276, 5.0, 999),
	}
}

var testKey = []byte("0123456789abcdef0123456789abcdef")

func defaultOptions() Options {
	return Options{
		DefaultLocation: domain.GeoPoint{Lat: 40.7128, Lng: -74.0060},
		DefaultRadius:   5000,
		MaxRadius:       50000,
		DefaultLimit:    20,
		MaxLimit:        100,
		Language:        "english",
		MaxFaultRatio:   0.1,
	}
}

func newTestService(t *testing.T, store *memStore, opts Options) (*Service, *countingLeaser) {
	t.Helper()
	codec, err := cursor.NewCodec(testKey)
	require.NoError(t, err)
	leaser := &countingLeaser{}
	return New(leaser, store, codec, opts, nil), leaser
}

func ids(businesses []domain.Business) []string {
	out := make([]string, 0, len(businesses))
	for _, b := range businesses {
		out = append(out, b.ID)
	}
	return out
}

func TestSearchAppliesDefaults(t *testing.T) {
	store := &memStore{rows: sampleRows()}
	svc, _ := newTestService(t, store, defaultOptions())

	page, err := svc.Search(context.Background(), domain.SearchRequest{})
	require.NoError(t, err)

	q := store.lastQuery()
	require.Len(t, q.Predicates, 1)
	assert.Equal(t, query.GeoRadius{Center: domain.GeoPoint{Lat: 40.7128, Lng: -74.0060}, Meters: 5000}, q.Predicates[0])
	assert.Equal(t, 20, q.Limit)
	assert.Equal(t, []string{"a", "b", "d", "c", "g", "e", "f"}, ids(page.Businesses))
	assert.Empty(t, page.Next)
}

func TestSearchClampsLimitAndRadius(t *testing.T) {
	store := &memStore{rows: sampleRows()}
	svc, _ := newTestService(t, store, defaultOptions())

	_, err := svc.Search(context.Background(), domain.SearchRequest{Limit: 1000, RadiusMeters: ptr(1e9)})
	require.NoError(t, err)
	q := store.lastQuery()
	assert.Equal(t, 100, q.Limit)
	assert.Equal(t, 50000.0, q.Predicates[0].(query.GeoRadius).Meters)

	_, err = svc.Search(context.Background(), domain.SearchRequest{Limit: 0})
	require.NoError(t, err)
	assert.Equal(t, 20, store.lastQuery().Limit)
}

func TestSearchZeroCoordinate(t *testing.T) {
	origin := &domain.GeoPoint{}

	t.Run("zero is a real location", func(t *testing.T) {
		store := &memStore{rows: sampleRows()}
		svc, _ := newTestService(t, store, defaultOptions())

		page, err := svc.Search(context.Background(), domain.SearchRequest{Location: origin})
		require.NoError(t, err)
		assert.Equal(t, domain.GeoPoint{}, store.lastQuery().Predicates[0].(query.GeoRadius).Center)
		assert.Empty(t, page.Businesses)
	})

	t.Run("legacy zero means unset", func(t *testing.T) {
		opts := defaultOptions()
		opts.ZeroCoordinateIsUnset = true
		store := &memStore{rows: sampleRows()}
		svc, _ := newTestService(t, store, opts)

		page, err := svc.Search(context.Background(), domain.SearchRequest{Location: origin})
		require.NoError(t, err)
		assert.Equal(t, opts.DefaultLocation, store.lastQuery().Predicates[0].(query.GeoRadius).Center)
		assert.Len(t, page.Businesses, 7)
	})
}

func TestSearchFiltersReachTheDatastore(t *testing.T) {
	store := &memStore{rows: sampleRows()}
	svc, _ := newTestService(t, store, defaultOptions())

	page, err := svc.Search(context.Background(), domain.SearchRequest{Name: " pizza ", Category: "Restaurants"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(page.Businesses))

	q := store.lastQuery()
	require.Len(t, q.Predicates, 3)
	assert.IsType(t, query.TextMatch{}, q.Predicates[1])
	assert.IsType(t, query.CategoryEquals{}, q.Predicates[2])

	page, err = svc.Search(context.Background(), domain.SearchRequest{
		Location: &domain.GeoPoint{Lat: 51.5, Lng: -0.12},
		Name:     "pizza",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"london"}, ids(page.Businesses))
}

func TestSearchRejectsInvalidInput(t *testing.T) {
	store := &memStore{rows: sampleRows()}
	svc, leaser := newTestService(t, store, defaultOptions())

	_, err := svc.Search(context.Background(), domain.SearchRequest{Location: &domain.GeoPoint{Lat: 95}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.Search(context.Background(), domain.SearchRequest{RadiusMeters: ptr(math.Inf(1))})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	for _, r := range []float64{0, -1} {
		_, err = svc.Search(context.Background(), domain.SearchRequest{RadiusMeters: ptr(r)})
		assert.True(t, apperr.Is(err, apperr.KindValidation), "radius %v", r)
	}

	_, err = svc.Search(context.Background(), domain.SearchRequest{Limit: -5})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	assert.Zero(t, leaser.leases.Load())
}

func TestSearchPaginatesWithoutGapsOrRepeats(t *testing.T) {
	store := &memStore{rows: sampleRows()}
	svc, _ := newTestService(t, store, defaultOptions())

	full, err := svc.Search(context.Background(), domain.SearchRequest{})
	require.NoError(t, err)

	var seen []string
	req := domain.SearchRequest{Limit: 2}
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10)
		page, err := svc.Search(context.Background(), req)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page.Businesses), 2)
		seen = append(seen, ids(page.Businesses)...)
		if page.Next == "" {
			break
		}
		req.Cursor = page.Next
	}

	assert.Equal(t, ids(full.Businesses), seen)
}

func TestSearchPaginationIgnoresEarlierInserts(t *testing.T) {
	store := &memStore{rows: sampleRows()}
	svc, _ := newTestService(t, store, defaultOptions())

	first, err := svc.Search(context.Background(), domain.SearchRequest{Limit: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "d"}, ids(first.Businesses))

	// A new top-rated business sorts before the cursor and must not shift the next page.
	store.rows = append(store.rows, row("0new", "Brand New", "Bars", 40.7128, -74.0060, 5.0, 3))

	second, err := svc.Search(context.Background(), domain.SearchRequest{Limit: 3, Cursor: first.Next})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "g", "e"}, ids(second.Businesses))
}

func TestSearchLookahead(t *testing.T) {
	store := &memStore{rows: sampleRows()}
	svc, _ := newTestService(t, store, defaultOptions())

	exact, err := svc.Search(context.Background(), domain.SearchRequest{Limit: 7})
	require.NoError(t, err)
	assert.Len(t, exact.Businesses, 7)
	assert.Empty(t, exact.Next)

	short, err := svc.Search(context.Background(), domain.SearchRequest{Limit: 6})
	require.NoError(t, err)
	assert.Len(t, short.Businesses, 6)
	require.NotEmpty(t, short.Next)

	codec, err := cursor.NewCodec(testKey)
	require.NoError(t, err)
	pos, err := codec.Decode(short.Next)
	require.NoError(t, err)
	assert.Equal(t, cursor.Position{Rating: 3.0, ID: "e"}, pos)
}

func TestSearchCursorUsesRawSortKeys(t *testing.T) {
	rows := []repository.Row{
		row("a", "Alpha", "Bars", 40.7128, -74.0060, 4.0, 10),
		// Unrated but carrying a stray rating: served as 0, positioned by 2.5.
		row("b", "Bravo", "Bars", 40.7128, -74.0060, 2.5, 0),
		row("c", "Charlie", "Bars", 40.7128, -74.0060, 1.0, 10),
	}
	store := &memStore{rows: rows}
	svc, _ := newTestService(t, store, defaultOptions())

	page, err := svc.Search(context.Background(), domain.SearchRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Businesses, 2)
	assert.Zero(t, page.Businesses[1].AvgRating)

	next, err := svc.Search(context.Background(), domain.SearchRequest{Limit: 2, Cursor: page.Next})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(next.Businesses))
}

func TestSearchRejectsBadCursorBeforeLeasing(t *testing.T) {
	store := &memStore{rows: sampleRows()}
	svc, leaser := newTestService(t, store, defaultOptions())

	_, err := svc.Search(context.Background(), domain.SearchRequest{Cursor: "garbage"})

	domainErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindBadRequest, domainErr.Kind)
	assert.Equal(t, apperr.CodeInvalidCursor, domainErr.Code)
	assert.ErrorIs(t, err, cursor.ErrInvalidCursor)
	assert.Zero(t, leaser.leases.Load())
}

func TestSearchMappingFaultThreshold(t *testing.T) {
	rows := sampleRows()
	rows[0].Name = nil
	rows[1].Latitude = ptr(40.7128)
	rows[1].NumRating = ptr(int64(-1))
	store := &memStore{rows: rows}
	svc, _ := newTestService(t, store, defaultOptions())

	_, err := svc.Search(context.Background(), domain.SearchRequest{})
	domainErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeMappingFault, domainErr.Code)
	assert.Equal(t, 500, domainErr.HTTPStatus())

	opts := defaultOptions()
	opts.MaxFaultRatio = 0.5
	svc, _ = newTestService(t, store, opts)
	page, err := svc.Search(context.Background(), domain.SearchRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Businesses, 5)
}

func TestSearchTranslatesLeaseErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"exhausted", db.ErrPoolExhausted, apperr.CodePoolExhausted, 503},
		{"acquire timeout", db.ErrAcquireTimeout, apperr.CodeAcquireTimeout, 503},
		{"canceled", context.Canceled, apperr.CodeCanceled, 503},
		{"query failure", &pgconn.PgError{Code: "42P01"}, apperr.CodeQueryExecutionFailed, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := cursor.NewCodec(testKey)
			require.NoError(t, err)
			svc := New(&countingLeaser{err: tt.err}, &memStore{}, codec, defaultOptions(), nil)

			_, err = svc.Search(context.Background(), domain.SearchRequest{})
			domainErr, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, domainErr.Code)
			assert.Equal(t, tt.status, domainErr.HTTPStatus())
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestViewReturnsStoredBusiness(t *testing.T) {
	store := &memStore{rows: sampleRows()}
	svc, leaser := newTestService(t, store, defaultOptions())

	b, err := svc.View(context.Background(), "  d ")
	require.NoError(t, err)
	assert.Equal(t, "Dead Rabbit", b.Name)
	assert.Equal(t, int64(300), b.RatingCount)
	assert.Equal(t, int32(1), leaser.leases.Load())
}

func TestViewNotFound(t *testing.T) {
	store := &memStore{rows: sampleRows()}
	svc, _ := newTestService(t, store, defaultOptions())

	_, err := svc.View(context.Background(), "nope")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestViewRequiresID(t *testing.T) {
	svc, leaser := newTestService(t, &memStore{}, defaultOptions())

	_, err := svc.View(context.Background(), "   ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Zero(t, leaser.leases.Load())
}

func TestViewMalformedRecord(t *testing.T) {
	rows := sampleRows()
	rows[0].Address = nil
	svc, _ := newTestService(t, &memStore{rows: rows}, defaultOptions())

	_, err := svc.View(context.Background(), "a")
	domainErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeMappingFault, domainErr.Code)
}

func TestViewUsesCache(t *testing.T) {
	store := &memStore{rows: sampleRows()}
	svc, leaser := newTestService(t, store, defaultOptions())
	cache := &memCache{entries: map[string]domain.Business{}}
	svc.WithCache(cache)

	first, err := svc.View(context.Background(), "a")
	require.NoError(t, err)
	second, err := svc.View(context.Background(), "a")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), leaser.leases.Load())
	assert.Contains(t, cache.entries, "a")
}

// chanAcquirer bounds connections with a buffered channel.
type chanAcquirer struct {
	slots    chan struct{}
	max      int32
	acquired atomic.Int32
	peak     atomic.Int32
}

func newChanAcquirer(max int) *chanAcquirer {
	a := &chanAcquirer{slots: make(chan struct{}, max), max: int32(max)}
	for i := 0; i < max; i++ {
		a.slots <- struct{}{}
	}
	return a
}

func (a *chanAcquirer) Acquire(ctx context.Context) (db.PooledConn, error) {
	select {
	case <-a.slots:
		n := a.acquired.Add(1)
		for {
			p := a.peak.Load()
			if n <= p || a.peak.CompareAndSwap(p, n) {
				break
			}
		}
		return &chanConn{a: a}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *chanAcquirer) Stats() db.PoolStats {
	return db.PoolStats{AcquiredConns: a.acquired.Load(), MaxConns: a.max}
}

type chanConn struct{ a *chanAcquirer }

func (c *chanConn) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (c *chanConn) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (c *chanConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (c *chanConn) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (c *chanConn) Ping(context.Context) error                            { return nil }
func (c *chanConn) Broken() bool                                          { return false }
func (c *chanConn) Discard()                                              { c.Release() }

func (c *chanConn) Release() {
	c.a.acquired.Add(-1)
	c.a.slots <- struct{}{}
}

func TestConcurrentSearchesShareBoundedPool(t *testing.T) {
	acq := newChanAcquirer(2)
	leases := db.NewLeaseManager(acq, db.LeaseOptions{AcquireTimeout: 2 * time.Second, Retries: 2}, nil)
	store := &memStore{rows: sampleRows(), delay: 5 * time.Millisecond}
	codec, err := cursor.NewCodec(testKey)
	require.NoError(t, err)
	svc := New(leases, store, codec, defaultOptions(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := svc.Search(context.Background(), domain.SearchRequest{Limit: 3})
			assert.NoError(t, err)
			assert.Len(t, page.Businesses, 3)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, acq.peak.Load(), int32(2))
	assert.Zero(t, acq.acquired.Load())
}

func TestSearchReturnsPoolExhaustedUnderSaturation(t *testing.T) {
	acq := newChanAcquirer(1)
	leases := db.NewLeaseManager(acq, db.LeaseOptions{AcquireTimeout: 5 * time.Millisecond}, nil)
	codec, err := cursor.NewCodec(testKey)
	require.NoError(t, err)
	svc := New(leases, &memStore{rows: sampleRows()}, codec, defaultOptions(), nil)

	held, err := leases.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	_, err = svc.Search(context.Background(), domain.SearchRequest{})
	domainErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodePoolExhausted, domainErr.Code)
	assert.True(t, domainErr.Retryable())
}
