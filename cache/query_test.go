package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telcobill/go-cache/logger"
)

func newTestQueryCache(t *testing.T, cfg QueryConfig) *QueryCache {
	t.Helper()
	c, err := NewQueryCache(context.Background(), logger.NewTestLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestQueryEligibility(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{})

	assert.True(t, c.ShouldCache("SELECT * FROM customers WHERE id = ?"))
	assert.True(t, c.ShouldCache("select * from vouchers where status = ?"))
	assert.True(t, c.ShouldCache("SELECT plan FROM subscriptions WHERE customer_id = ?"))

	// Writes never cache, regardless of the allow-list.
	assert.False(t, c.ShouldCache("UPDATE customers SET name = ? WHERE id = ?"))
	assert.False(t, c.ShouldCache("DELETE FROM customers WHERE id = ?"))
	// Reads outside the allow-list don't either.
	assert.False(t, c.ShouldCache("SELECT * FROM audit_log WHERE id = ?"))
	assert.False(t, c.ShouldCache(""))

	long := "SELECT * FROM customers WHERE id IN (" + strings.Repeat("?,", 4096) + "?)"
	assert.False(t, c.ShouldCache(long))
}

func TestQueryRoundTrip(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{})
	ctx := context.Background()
	sql := "SELECT * FROM customers WHERE id = ?"
	rows := []any{map[string]any{"id": "42", "name": "Ann"}}

	found, _, err := c.Get(ctx, sql, []any{"42"})
	assert.NoError(t, err)
	assert.False(t, found)

	assert.True(t, c.Set(ctx, sql, []any{"42"}, rows))
	found, got, err := c.Get(ctx, sql, []any{"42"})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []interface{}{map[string]interface{}{"id": "42", "name": "Ann"}}, got)
}

func TestQueryParameterSensitivity(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{})
	ctx := context.Background()
	sql := "SELECT * FROM customers WHERE id = ?"

	assert.True(t, c.Set(ctx, sql, []any{"42"}, "rows-42"))
	found, _, err := c.Get(ctx, sql, []any{"43"})
	assert.NoError(t, err)
	assert.False(t, found)

	// Whitespace differences normalize away.
	found, got, err := c.Get(ctx, "SELECT  *   FROM customers\n\tWHERE id = ?", []any{"42"})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "rows-42", got)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("SELECT * FROM customers WHERE id = ?", []any{"42"})
	assert.Len(t, a, 32)
	assert.Equal(t, a, Fingerprint("SELECT  * FROM customers  WHERE id = ?", []any{"42"}))
	assert.NotEqual(t, a, Fingerprint("SELECT * FROM customers WHERE id = ?", []any{"43"}))
	assert.NotEqual(t, a, Fingerprint("SELECT * FROM customers WHERE id = ?", nil))
	assert.NotEqual(t, a, Fingerprint("SELECT * FROM vouchers WHERE status = ?", []any{"42"}))
}

func TestQueryAutoTags(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{})

	tags := c.autoTags("SELECT * FROM customers WHERE id = ?")
	assert.Contains(t, tags, "customers")
	assert.Contains(t, tags, "single_record")

	tags = c.autoTags("SELECT COUNT(*) FROM vouchers WHERE status = 'active'")
	assert.Contains(t, tags, "vouchers")
	assert.Contains(t, tags, "count_query")

	tags = c.autoTags("SELECT SUM(amount) FROM invoices WHERE customer_id = ?")
	assert.Contains(t, tags, "invoices")
	assert.Contains(t, tags, "aggregate_query")

	tags = c.autoTags("SELECT * FROM subscriptions WHERE customer_id = ? ORDER BY created_at LIMIT 20")
	assert.Contains(t, tags, "subscriptions")
	assert.Contains(t, tags, "paginated_query")
	assert.Contains(t, tags, "time_based_query")

	// A query mentioning no known structure still gets the fallback tag.
	assert.Equal(t, []string{"general"}, c.autoTags("SELECT 1"))
}

func TestQueryTagInvalidation(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{})
	ctx := context.Background()

	require.True(t, c.Set(ctx, "SELECT * FROM vouchers WHERE status = ?", []any{"active"}, "a"))
	require.True(t, c.Set(ctx, "SELECT * FROM vouchers WHERE status = ?", []any{"expired"}, "b"))
	require.True(t, c.Set(ctx, "SELECT * FROM customers WHERE id = ?", []any{"1"}, "c"))

	assert.Equal(t, 2, c.InvalidateTag(ctx, "vouchers"))
	found, _, err := c.Get(ctx, "SELECT * FROM vouchers WHERE status = ?", []any{"active"})
	assert.NoError(t, err)
	assert.False(t, found)
	found, _, err = c.Get(ctx, "SELECT * FROM customers WHERE id = ?", []any{"1"})
	assert.NoError(t, err)
	assert.True(t, found)
}

func TestQueryExplicitTags(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{})
	ctx := context.Background()
	sql := "SELECT * FROM customers WHERE id = ?"

	require.True(t, c.Set(ctx, sql, []any{"1"}, "rows", WithQueryTags("billing-run")))
	// Explicit tags replace auto-tagging entirely.
	assert.Equal(t, 0, c.InvalidateTag(ctx, "customers"))
	assert.Equal(t, 1, c.InvalidateTag(ctx, "billing-run"))
}

func TestQueryPatternInvalidation(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{})
	ctx := context.Background()

	require.True(t, c.Set(ctx, "SELECT * FROM vouchers WHERE status = ?", []any{"a"}, "x", WithQueryTags("region:north")))
	require.True(t, c.Set(ctx, "SELECT * FROM vouchers WHERE status = ?", []any{"b"}, "y", WithQueryTags("region:south")))
	require.True(t, c.Set(ctx, "SELECT * FROM customers WHERE id = ?", []any{"1"}, "z", WithQueryTags("other")))

	assert.Equal(t, 2, c.InvalidatePattern(ctx, "region:*"))
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestQueryInvalidateByFingerprint(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{})
	ctx := context.Background()
	sql := "SELECT * FROM customers WHERE id = ?"

	require.True(t, c.Set(ctx, sql, []any{"1"}, "rows"))
	hash := Fingerprint(sql, []any{"1"})
	assert.Equal(t, 1, c.InvalidateQueries(ctx, []string{hash, "unknown"}))
	found, _, err := c.Get(ctx, sql, []any{"1"})
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestQueryTTLExpiry(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{CleanupInterval: time.Hour})
	ctx := context.Background()
	sql := "SELECT * FROM customers WHERE id = ?"

	require.True(t, c.Set(ctx, sql, []any{"1"}, "rows", WithQueryTTL(30*time.Millisecond)))
	time.Sleep(40 * time.Millisecond)
	found, _, err := c.Get(ctx, sql, []any{"1"})
	assert.NoError(t, err)
	assert.False(t, found)
	// The lazy expiry already removed it; nothing left to sweep.
	assert.Equal(t, 0, c.Cleanup())
}

func TestQueryCleanup(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{CleanupInterval: time.Hour})
	ctx := context.Background()

	require.True(t, c.Set(ctx, "SELECT * FROM customers WHERE id = ?", []any{"1"}, "a", WithQueryTTL(20*time.Millisecond)))
	require.True(t, c.Set(ctx, "SELECT * FROM customers WHERE id = ?", []any{"2"}, "b", WithQueryTTL(time.Hour)))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestQueryBulkEviction(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{MaxSize: 20})
	ctx := context.Background()
	sql := "SELECT * FROM customers WHERE id = ?"

	for i := 0; i < 20; i++ {
		require.True(t, c.Set(ctx, sql, []any{fmt.Sprintf("%d", i)}, i))
	}
	// At capacity the oldest tenth goes in one sweep.
	require.True(t, c.Set(ctx, sql, []any{"next"}, "v"))
	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Evictions)
	assert.Equal(t, 19, stats.Entries)
}

func TestQueryResultSizeBound(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{MaxResultKB: 1})
	ctx := context.Background()
	sql := "SELECT * FROM customers WHERE id = ?"

	assert.False(t, c.Set(ctx, sql, []any{"1"}, strings.Repeat("x", 2048)))
	assert.True(t, c.Set(ctx, sql, []any{"1"}, "small"))
}

func TestQueryConfigValidation(t *testing.T) {
	log := logger.NewTestLogger()
	ctx := context.Background()

	_, err := NewQueryCache(ctx, log, QueryConfig{Patterns: []string{"("}})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewQueryCache(ctx, log, QueryConfig{MaxSize: -1})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestQueryStats(t *testing.T) {
	c := newTestQueryCache(t, QueryConfig{})
	ctx := context.Background()
	sql := "SELECT * FROM customers WHERE id = ?"

	require.True(t, c.Set(ctx, sql, []any{"1"}, "rows"))
	_, _, _ = c.Get(ctx, sql, []any{"1"})
	_, _, _ = c.Get(ctx, sql, []any{"2"})

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, StatusHealthy, c.HealthCheck(ctx).Status)
}
