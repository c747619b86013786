package upload

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweep expires idle sessions, forgets finished ones once their retention
// has passed and removes staged objects that no live session owns. Sessions
// busy with a chunk are skipped and picked up on the next pass.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	m.mu.RLock()
	snapshot := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	var discard []string
	for _, s := range snapshot {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !s.mu.TryLock() {
			continue
		}

		switch {
		case !s.state.Terminal() && now.Sub(s.lastActivity) > m.cfg.SessionTimeout:
			if err := m.backend.Delete(ctx, s.stagingKey); err != nil {
				log.Warn().Err(err).Str("session_id", s.id).Msg("failed to delete expired upload")
				break
			}
			s.state = StateCancelled
			s.finishedAt = now
			result.Expired++
			log.Info().
				Str("session_id", s.id).
				Str("repository", s.repository).
				Dur("idle", now.Sub(s.lastActivity)).
				Msg("expired idle upload session")
		case s.state.Terminal() && now.Sub(s.finishedAt) > m.cfg.TerminalRetention:
			discard = append(discard, s.id)
		}
		s.mu.Unlock()
	}

	if len(discard) > 0 {
		m.mu.Lock()
		for _, id := range discard {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		result.Discarded = len(discard)
	}

	orphans, err := m.sweepOrphans(ctx, now)
	result.Orphans = orphans
	if err != nil {
		return result, err
	}

	if result.Expired+result.Discarded+result.Orphans > 0 {
		log.Info().
			Int("expired", result.Expired).
			Int("discarded", result.Discarded).
			Int("orphans", result.Orphans).
			Msg("upload sweep finished")
	}
	return result, nil
}

// sweepOrphans deletes staged objects left behind by a previous process
func (m *Manager) sweepOrphans(ctx context.Context, now time.Time) (int, error) {
	objects, err := m.backend.List(ctx, stagingPrefix)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, "/data") {
			continue
		}
		id := path.Base(path.Dir(obj.Key))

		m.mu.RLock()
		_, live := m.sessions[id]
		m.mu.RUnlock()

		if live || now.Sub(obj.ModTime) <= m.cfg.SessionTimeout {
			continue
		}
		if err := m.backend.Delete(ctx, obj.Key); err != nil {
			log.Warn().Err(err).Str("key", obj.Key).Msg("failed to delete orphaned upload")
			continue
		}
		removed++
		log.Info().Str("key", obj.Key).Msg("deleted orphaned staged upload")
	}
	return removed, nil
}

// RunSweeper sweeps on every tick until ctx is done
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("upload sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("upload sweeper stopped")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx, m.now()); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("upload sweep failed")
			}
		}
	}
}
