// Package object implements the ephemeral object service: streaming creation
// onto a set of local volumes, handle-based retrieval with lazy expiry, and
// background reclamation of expired objects.
package object

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftfs/driftfs/internal/store"
	"github.com/driftfs/driftfs/internal/volume"
)

// chunkSize is the upload copy buffer size. The size limit and context
// cancellation are checked once per chunk.
const chunkSize = 32 * 1024

// testEnvVar skips fsync during tests where durability doesn't matter
// and the sync overhead dominates runtime.
const testEnvVar = "DRIFTFS_TEST"

// Service coordinates object bytes on volumes with records in the metadata
// store. Byte I/O happens outside any store lock; the record is committed
// only after the bytes are durable.
type Service struct {
	volumes *volume.Set
	meta    *store.Store

	maxObjectSize int64
	defaultTTL    time.Duration
	metrics       *Metrics
}

// Options configures a Service.
type Options struct {
	// MaxObjectSize is the hard per-object byte limit.
	MaxObjectSize int64
	// DefaultTTL is the lifetime applied when a caller doesn't choose one.
	DefaultTTL time.Duration
	// Metrics may be nil to disable instrumentation.
	Metrics *Metrics
}

// NewService creates an object service over the given volumes and metadata
// store.
func NewService(volumes *volume.Set, meta *store.Store, opts Options) (*Service, error) {
	if volumes == nil {
		return nil, errors.New("volume set is required")
	}
	if meta == nil {
		return nil, errors.New("metadata store is required")
	}
	if opts.MaxObjectSize <= 0 {
		return nil, fmt.Errorf("max object size must be positive, got %d", opts.MaxObjectSize)
	}
	if opts.DefaultTTL <= 0 {
		return nil, fmt.Errorf("default ttl must be positive, got %s", opts.DefaultTTL)
	}

	s := &Service{
		volumes:       volumes,
		meta:          meta,
		maxObjectSize: opts.MaxObjectSize,
		defaultTTL:    opts.DefaultTTL,
		metrics:       opts.Metrics,
	}
	s.updateObjectGauges()
	return s, nil
}

// MaxObjectSize returns the configured per-object byte limit.
func (s *Service) MaxObjectSize() int64 {
	return s.maxObjectSize
}

// DefaultTTL returns the lifetime applied when a caller doesn't choose one.
func (s *Service) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// CreateOptions carries the caller-supplied attributes of a new object.
type CreateOptions struct {
	// Name is the caller's original name for the object, kept as metadata
	// only and never used for addressing.
	Name string
	// ContentType is the declared media type, if any.
	ContentType string
	// SizeHint is the declared size in bytes, or zero when unknown. A hint
	// above the limit rejects the upload before any bytes are read.
	SizeHint int64
	// TTL is the object lifetime. Zero or negative values are accepted and
	// produce an object that is already expired.
	TTL time.Duration
}

// Create streams r onto the least-loaded volume and commits a metadata
// record for it. On any failure no record exists and no partial file is left
// behind. Returns ErrTooLarge when the declared or observed size exceeds the
// limit.
func (s *Service) Create(ctx context.Context, r io.Reader, opts CreateOptions) (*store.ObjectRecord, error) {
	if opts.SizeHint > s.maxObjectSize {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrTooLarge, opts.SizeHint, s.maxObjectSize)
	}

	handle := uuid.NewString()
	vol := s.chooseVolume()
	path := s.volumes.ObjectPath(vol, handle)

	written, err := s.streamToFile(ctx, r, path)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &store.ObjectRecord{
		Handle:       handle,
		OriginalName: opts.Name,
		Size:         written,
		ContentType:  opts.ContentType,
		Volume:       vol,
		CreatedAt:    now,
		ExpiresAt:    now.Add(opts.TTL),
	}

	// Record commit is last: a crash before this point leaves at most an
	// orphan file, never a record without bytes.
	if err := s.meta.Put(rec); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			log.Error().Err(rmErr).Str("path", path).Msg("remove object bytes after failed commit")
		}
		return nil, fmt.Errorf("commit object record: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordUpload(written)
	}
	s.updateObjectGauges()

	log.Debug().
		Str("handle", handle).
		Str("volume", vol).
		Int64("size", written).
		Time("expires_at", rec.ExpiresAt).
		Msg("object created")

	return rec, nil
}

// chooseVolume picks the volume holding the fewest live objects. Ties go to
// the earliest volume in configuration order.
func (s *Service) chooseVolume() string {
	counts := s.meta.Counts()
	roots := s.volumes.Roots()

	best := roots[0]
	bestCount := counts[best]
	for _, root := range roots[1:] {
		if counts[root] < bestCount {
			best = root
			bestCount = counts[root]
		}
	}
	return best
}

// streamToFile copies r into a new file at path, enforcing the size limit as
// bytes arrive. Any failure removes the partial file before returning.
func (s *Service) streamToFile(ctx context.Context, r io.Reader, path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create object file: %w", err)
	}

	var written int64
	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			s.discardPartial(f, path)
			return 0, fmt.Errorf("upload aborted: %w", ctx.Err())
		default:
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.maxObjectSize {
				s.discardPartial(f, path)
				return 0, fmt.Errorf("%w: stream exceeded limit of %d bytes", ErrTooLarge, s.maxObjectSize)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				s.discardPartial(f, path)
				return 0, fmt.Errorf("write object bytes: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.discardPartial(f, path)
			return 0, fmt.Errorf("read upload stream: %w", rerr)
		}
	}

	// Bytes must be durable before the record commit makes them visible.
	if os.Getenv(testEnvVar) == "" {
		if err := f.Sync(); err != nil {
			s.discardPartial(f, path)
			return 0, fmt.Errorf("sync object file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			log.Error().Err(rmErr).Str("path", path).Msg("remove object file after failed close")
		}
		return 0, fmt.Errorf("close object file: %w", err)
	}
	return written, nil
}

func (s *Service) discardPartial(f *os.File, path string) {
	_ = f.Close()
	if err := os.Remove(path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("remove partial object file")
	}
}

// Open returns a reader over the object's bytes along with its record.
// Expiry is enforced lazily: an expired record yields ErrExpired even if the
// reaper hasn't visited it yet. The caller must close the reader.
func (s *Service) Open(ctx context.Context, handle string) (io.ReadCloser, *store.ObjectRecord, error) {
	rec, err := s.lookup(handle)
	if err != nil {
		return nil, nil, err
	}
	if rec.Expired(time.Now().UTC()) {
		return nil, nil, fmt.Errorf("%s: %w", handle, ErrExpired)
	}

	f, err := os.Open(s.volumes.ObjectPath(rec.Volume, rec.Handle))
	if err != nil {
		if os.IsNotExist(err) {
			log.Error().Str("handle", handle).Str("volume", rec.Volume).Msg("object record has no backing bytes")
			return nil, nil, fmt.Errorf("%s: %w", handle, ErrMissingData)
		}
		return nil, nil, fmt.Errorf("open object bytes: %w", err)
	}
	return f, rec, nil
}

// Info describes an object without touching its bytes.
type Info struct {
	Record *store.ObjectRecord
	// RemainingSeconds is the whole seconds of lifetime left, floored at
	// zero.
	RemainingSeconds int64
	// Expired is true once the expiry instant has been reached.
	Expired bool
}

// Stat returns the object's record and expiry state. Unlike Open it succeeds
// for expired objects that the reaper hasn't reclaimed, reporting Expired
// true with zero remaining lifetime.
func (s *Service) Stat(ctx context.Context, handle string) (*Info, error) {
	rec, err := s.lookup(handle)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Info{
		Record:           rec,
		RemainingSeconds: int64(rec.Remaining(now).Seconds()),
		Expired:          rec.Expired(now),
	}, nil
}

// Delete removes the object's bytes and its record. Byte removal is best
// effort: an I/O failure there is logged but the record is removed
// regardless, so a delete never resurrects.
func (s *Service) Delete(ctx context.Context, handle string) error {
	rec, err := s.lookup(handle)
	if err != nil {
		return err
	}

	path := s.volumes.ObjectPath(rec.Volume, rec.Handle)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("handle", handle).Str("path", path).Msg("remove object bytes")
	}

	if _, err := s.meta.Delete(handle); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost a race with another delete or the reaper.
			return fmt.Errorf("%s: %w", handle, ErrNotFound)
		}
		return fmt.Errorf("delete object record: %w", err)
	}

	s.updateObjectGauges()
	log.Debug().Str("handle", handle).Str("volume", rec.Volume).Msg("object deleted")
	return nil
}

func (s *Service) lookup(handle string) (*store.ObjectRecord, error) {
	rec, err := s.meta.Get(handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", handle, ErrNotFound)
		}
		return nil, fmt.Errorf("load object record: %w", err)
	}
	return rec, nil
}

// VolumeStats reports one volume's occupancy and filesystem capacity.
type VolumeStats struct {
	Path        string  `json:"path"`
	Objects     int     `json:"objects"`
	TotalBytes  int64   `json:"total_bytes"`
	UsedBytes   int64   `json:"used_bytes"`
	FreeBytes   int64   `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
	// Error carries a capacity query failure for this volume. The other
	// volumes still report normally.
	Error string `json:"error,omitempty"`
}

// Stats is the service-wide view served by the stats endpoint.
type Stats struct {
	TotalObjects      int           `json:"total_objects"`
	Volumes           []VolumeStats `json:"volumes"`
	MaxObjectSize     int64         `json:"max_object_size"`
	DefaultTTLSeconds int64         `json:"default_ttl_seconds"`
}

// Stats reports object counts and capacity for every configured volume. A
// capacity failure on one volume is reported inline and doesn't fail the
// call.
func (s *Service) Stats(ctx context.Context) *Stats {
	counts := s.meta.Counts()
	roots := s.volumes.Roots()

	out := &Stats{
		Volumes:           make([]VolumeStats, 0, len(roots)),
		MaxObjectSize:     s.maxObjectSize,
		DefaultTTLSeconds: int64(s.defaultTTL.Seconds()),
	}

	for _, root := range roots {
		vs := VolumeStats{
			Path:    root,
			Objects: counts[root],
		}
		total, used, available, err := volume.Stats(root)
		if err != nil {
			log.Warn().Err(err).Str("volume", root).Msg("volume capacity query failed")
			vs.Error = err.Error()
		} else {
			vs.TotalBytes = total
			vs.UsedBytes = used
			vs.FreeBytes = available
			if total > 0 {
				vs.UsedPercent = float64(used) / float64(total) * 100
			}
		}
		out.TotalObjects += vs.Objects
		out.Volumes = append(out.Volumes, vs)
	}
	return out
}

func (s *Service) updateObjectGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.UpdateObjectGauges(s.volumes.Roots(), s.meta.Counts())
}
