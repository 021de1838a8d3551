package object

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/store"
	"github.com/driftfs/driftfs/internal/volume"
)

func newTestService(t *testing.T, numVolumes int, opts Options) (*Service, *volume.Set, *store.Store) {
	t.Helper()
	t.Setenv(testEnvVar, "1")

	base := t.TempDir()
	roots := make([]string, 0, numVolumes)
	for i := 0; i < numVolumes; i++ {
		roots = append(roots, filepath.Join(base, "vol-"+string(rune('a'+i))))
	}

	set, err := volume.NewSet(roots)
	require.NoError(t, err)

	meta, err := store.Open(filepath.Join(base, "meta", "driftfs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	if opts.MaxObjectSize == 0 {
		opts.MaxObjectSize = 1 << 20
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = time.Hour
	}

	svc, err := NewService(set, meta, opts)
	require.NoError(t, err)
	return svc, set, meta
}

func mustCreate(t *testing.T, svc *Service, body string, ttl time.Duration) *store.ObjectRecord {
	t.Helper()
	rec, err := svc.Create(context.Background(), strings.NewReader(body), CreateOptions{
		Name:        "test.bin",
		ContentType: "application/octet-stream",
		TTL:         ttl,
	})
	require.NoError(t, err)
	return rec
}

func TestCreateOpenRoundtrip(t *testing.T) {
	svc, set, _ := newTestService(t, 1, Options{})

	body := "ephemeral payload"
	rec, err := svc.Create(context.Background(), strings.NewReader(body), CreateOptions{
		Name:        "report.txt",
		ContentType: "text/plain",
		SizeHint:    int64(len(body)),
		TTL:         time.Hour,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.Handle)
	assert.Equal(t, "report.txt", rec.OriginalName)
	assert.Equal(t, "text/plain", rec.ContentType)
	assert.Equal(t, int64(len(body)), rec.Size)
	assert.True(t, set.Contains(rec.Volume))
	assert.Equal(t, time.Hour, rec.ExpiresAt.Sub(rec.CreatedAt))

	rc, got, err := svc.Open(context.Background(), rec.Handle)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
	assert.Equal(t, rec.Handle, got.Handle)
}

func TestCreateEmptyObject(t *testing.T) {
	svc, _, _ := newTestService(t, 1, Options{})

	rec := mustCreate(t, svc, "", time.Hour)
	assert.Equal(t, int64(0), rec.Size)

	rc, _, err := svc.Open(context.Background(), rec.Handle)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestCreateRejectsOversizeHint(t *testing.T) {
	svc, set, meta := newTestService(t, 1, Options{MaxObjectSize: 64})

	_, err := svc.Create(context.Background(), strings.NewReader("tiny"), CreateOptions{
		SizeHint: 65,
		TTL:      time.Hour,
	})
	require.ErrorIs(t, err, ErrTooLarge)

	assert.Equal(t, 0, meta.Len())
	entries, err := os.ReadDir(set.Roots()[0])
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial file may remain")
}

func TestCreateRejectsOversizeStream(t *testing.T) {
	svc, set, meta := newTestService(t, 1, Options{MaxObjectSize: chunkSize})

	// Stream two chunks with no size hint; the limit trips mid-stream.
	body := bytes.Repeat([]byte("x"), chunkSize+1)
	_, err := svc.Create(context.Background(), bytes.NewReader(body), CreateOptions{TTL: time.Hour})
	require.ErrorIs(t, err, ErrTooLarge)

	assert.Equal(t, 0, meta.Len())
	entries, err := os.ReadDir(set.Roots()[0])
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial file may remain")
}

func TestCreateExactLimit(t *testing.T) {
	svc, _, _ := newTestService(t, 1, Options{MaxObjectSize: 64})

	body := strings.Repeat("y", 64)
	rec, err := svc.Create(context.Background(), strings.NewReader(body), CreateOptions{
		SizeHint: 64,
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(64), rec.Size)
}

func TestCreateCanceledContext(t *testing.T) {
	svc, set, meta := newTestService(t, 1, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Create(ctx, strings.NewReader("never stored"), CreateOptions{TTL: time.Hour})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, meta.Len())
	entries, err := os.ReadDir(set.Roots()[0])
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenUnknownHandle(t *testing.T) {
	svc, _, _ := newTestService(t, 1, Options{})

	_, _, err := svc.Open(context.Background(), "no-such-handle")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenExpiredObject(t *testing.T) {
	svc, _, _ := newTestService(t, 1, Options{})

	rec := mustCreate(t, svc, "gone soon", 0)

	_, _, err := svc.Open(context.Background(), rec.Handle)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestOpenMissingBytes(t *testing.T) {
	svc, set, _ := newTestService(t, 1, Options{})

	rec := mustCreate(t, svc, "doomed", time.Hour)
	require.NoError(t, os.Remove(set.ObjectPath(rec.Volume, rec.Handle)))

	_, _, err := svc.Open(context.Background(), rec.Handle)
	assert.ErrorIs(t, err, ErrMissingData)
}

func TestStatLiveObject(t *testing.T) {
	svc, _, _ := newTestService(t, 1, Options{})

	rec := mustCreate(t, svc, "payload", time.Hour)

	info, err := svc.Stat(context.Background(), rec.Handle)
	require.NoError(t, err)

	assert.False(t, info.Expired)
	assert.Greater(t, info.RemainingSeconds, int64(3590))
	assert.LessOrEqual(t, info.RemainingSeconds, int64(3600))
	assert.Equal(t, rec.Handle, info.Record.Handle)
}

func TestStatExpiredObject(t *testing.T) {
	svc, _, _ := newTestService(t, 1, Options{})

	rec := mustCreate(t, svc, "payload", 0)

	// Stat still answers for an unreaped expired object; only the bytes
	// are off limits.
	info, err := svc.Stat(context.Background(), rec.Handle)
	require.NoError(t, err)

	assert.True(t, info.Expired)
	assert.Equal(t, int64(0), info.RemainingSeconds)
}

func TestStatUnknownHandle(t *testing.T) {
	svc, _, _ := newTestService(t, 1, Options{})

	_, err := svc.Stat(context.Background(), "no-such-handle")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesBytesAndRecord(t *testing.T) {
	svc, set, meta := newTestService(t, 1, Options{})

	rec := mustCreate(t, svc, "payload", time.Hour)
	path := set.ObjectPath(rec.Volume, rec.Handle)

	require.NoError(t, svc.Delete(context.Background(), rec.Handle))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, meta.Len())

	_, _, err = svc.Open(context.Background(), rec.Handle)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTwice(t *testing.T) {
	svc, _, _ := newTestService(t, 1, Options{})

	rec := mustCreate(t, svc, "payload", time.Hour)

	require.NoError(t, svc.Delete(context.Background(), rec.Handle))
	assert.ErrorIs(t, svc.Delete(context.Background(), rec.Handle), ErrNotFound)
}

func TestDeleteSurvivesMissingBytes(t *testing.T) {
	svc, set, meta := newTestService(t, 1, Options{})

	rec := mustCreate(t, svc, "payload", time.Hour)
	require.NoError(t, os.Remove(set.ObjectPath(rec.Volume, rec.Handle)))

	// Byte removal is best effort; the record must still go.
	require.NoError(t, svc.Delete(context.Background(), rec.Handle))
	assert.Equal(t, 0, meta.Len())
}

func TestPlacementBalancesVolumes(t *testing.T) {
	svc, set, meta := newTestService(t, 3, Options{})

	for i := 0; i < 9; i++ {
		mustCreate(t, svc, "payload", time.Hour)
	}

	counts := meta.Counts()
	for _, root := range set.Roots() {
		assert.Equal(t, 3, counts[root], "objects must spread evenly over %s", root)
	}
}

func TestPlacementPrefersEmptiestVolume(t *testing.T) {
	svc, set, _ := newTestService(t, 3, Options{})

	// With the config-order tiebreak, sequential creates walk the volumes
	// in declaration order until the counts level out.
	roots := set.Roots()
	recs := make([]*store.ObjectRecord, 0, len(roots))
	for _, want := range roots {
		rec := mustCreate(t, svc, "payload", time.Hour)
		assert.Equal(t, want, rec.Volume)
		recs = append(recs, rec)
	}

	// Empty the middle volume out; the next create must land there.
	require.NoError(t, svc.Delete(context.Background(), recs[1].Handle))

	rec := mustCreate(t, svc, "payload", time.Hour)
	assert.Equal(t, roots[1], rec.Volume)
}

func TestPlacementTieBreaksByConfigOrder(t *testing.T) {
	svc, set, _ := newTestService(t, 3, Options{})

	// All volumes empty: the first configured volume wins the tie.
	rec := mustCreate(t, svc, "payload", time.Hour)
	assert.Equal(t, set.Roots()[0], rec.Volume)
}

func TestConcurrentCreates(t *testing.T) {
	svc, set, meta := newTestService(t, 3, Options{})

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Create(context.Background(), strings.NewReader("concurrent payload"), CreateOptions{
				TTL: time.Hour,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "create %d", i)
	}
	assert.Equal(t, n, meta.Len())

	// Every volume took part and the per-volume counters sum correctly.
	counts := meta.Counts()
	total := 0
	for _, root := range set.Roots() {
		assert.Positive(t, counts[root])
		total += counts[root]
	}
	assert.Equal(t, n, total)
}

func TestStats(t *testing.T) {
	svc, set, _ := newTestService(t, 2, Options{MaxObjectSize: 1 << 20, DefaultTTL: 30 * time.Minute})

	for i := 0; i < 3; i++ {
		mustCreate(t, svc, "payload", time.Hour)
	}

	stats := svc.Stats(context.Background())

	assert.Equal(t, 3, stats.TotalObjects)
	assert.Equal(t, int64(1<<20), stats.MaxObjectSize)
	assert.Equal(t, int64(1800), stats.DefaultTTLSeconds)
	require.Len(t, stats.Volumes, 2)

	for i, vs := range stats.Volumes {
		assert.Equal(t, set.Roots()[i], vs.Path)
		assert.Empty(t, vs.Error)
		assert.Positive(t, vs.TotalBytes)
		assert.GreaterOrEqual(t, vs.UsedPercent, 0.0)
		assert.LessOrEqual(t, vs.UsedPercent, 100.0)
	}
	assert.Equal(t, 3, stats.Volumes[0].Objects+stats.Volumes[1].Objects)
}

func TestStatsReportsVolumeErrorInline(t *testing.T) {
	svc, set, _ := newTestService(t, 2, Options{})

	// Knock out the second volume; the first must still report cleanly.
	require.NoError(t, os.RemoveAll(set.Roots()[1]))

	stats := svc.Stats(context.Background())
	require.Len(t, stats.Volumes, 2)

	assert.Empty(t, stats.Volumes[0].Error)
	assert.NotEmpty(t, stats.Volumes[1].Error)
}

func TestNewServiceValidation(t *testing.T) {
	base := t.TempDir()
	set, err := volume.NewSet([]string{filepath.Join(base, "vol")})
	require.NoError(t, err)

	meta, err := store.Open(filepath.Join(base, "meta.db"))
	require.NoError(t, err)
	defer meta.Close()

	_, err = NewService(nil, meta, Options{MaxObjectSize: 1, DefaultTTL: time.Hour})
	assert.Error(t, err)

	_, err = NewService(set, nil, Options{MaxObjectSize: 1, DefaultTTL: time.Hour})
	assert.Error(t, err)

	_, err = NewService(set, meta, Options{MaxObjectSize: 0, DefaultTTL: time.Hour})
	assert.Error(t, err)

	_, err = NewService(set, meta, Options{MaxObjectSize: 1, DefaultTTL: 0})
	assert.Error(t, err)
}
