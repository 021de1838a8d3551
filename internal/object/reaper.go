package object

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftfs/driftfs/internal/store"
)

// ReapResult summarizes one reaper pass.
type ReapResult struct {
	// Reclaimed counts objects whose bytes and record were both removed.
	Reclaimed int
	// Failed counts objects left in place for the next pass.
	Failed int
}

// Reap removes every object whose expiry has passed. Failures are isolated
// per object: one bad removal doesn't stop the pass. When byte removal fails
// the record is kept so the object is retried on the next pass; reads can't
// serve it anyway since expiry is enforced on access.
func (s *Service) Reap(ctx context.Context) (ReapResult, error) {
	var res ReapResult

	expired, err := s.meta.ExpiredBefore(time.Now().UTC())
	if err != nil {
		return res, fmt.Errorf("scan expired objects: %w", err)
	}

	for _, rec := range expired {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		path := s.volumes.ObjectPath(rec.Volume, rec.Handle)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Error().Err(err).
				Str("handle", rec.Handle).
				Str("volume", rec.Volume).
				Msg("reap: remove object bytes")
			res.Failed++
			continue
		}

		if _, err := s.meta.Delete(rec.Handle); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Deleted by a client between the scan and now.
				continue
			}
			log.Error().Err(err).Str("handle", rec.Handle).Msg("reap: delete object record")
			res.Failed++
			continue
		}
		res.Reclaimed++
	}

	if s.metrics != nil {
		s.metrics.RecordReap(res.Reclaimed, res.Failed)
	}
	s.updateObjectGauges()

	if res.Reclaimed > 0 || res.Failed > 0 {
		log.Info().
			Int("reclaimed", res.Reclaimed).
			Int("failed", res.Failed).
			Msg("reaper pass complete")
	}
	return res, nil
}

// RunReaper runs Reap every interval until ctx is canceled.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("expiry reaper started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("expiry reaper stopped")
			return
		case <-ticker.C:
			if _, err := s.Reap(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("reaper pass failed")
			}
		}
	}
}
