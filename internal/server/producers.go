package server

import (
	"context"
	"slices"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/metrics"
	"github.com/good-yellow-bee/logpulse/internal/models"
)

// sampleWindow is the stats window of each metrics sample.
const sampleWindow = time.Minute

// sampleMetrics broadcasts a storage snapshot on the metrics channel every
// MetricsInterval and keeps the storage gauges current.
func (s *Server) sampleMetrics(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			sample, err := s.metricsSample(now)
			if err != nil {
				s.log.Error(err, "failed to sample metrics")
				continue
			}
			s.hub.BroadcastMetrics(sample)
		}
	}
}

func (s *Server) metricsSample(now time.Time) (*models.MetricsSample, error) {
	stats, err := s.store.Stats(sampleWindow)
	if err != nil {
		return nil, err
	}
	stored, evicted := s.store.Len(), s.store.Evicted()
	metrics.StorageEntries.Set(float64(stored))
	metrics.StorageEvicted.Set(float64(evicted))

	return &models.MetricsSample{
		Timestamp:        now,
		Window:           sampleWindow.String(),
		Total:            stats.Total,
		EntriesPerSecond: float64(stats.Total) / sampleWindow.Seconds(),
		ErrorRate:        stats.ErrorRate,
		ByLevel:          stats.ByLevel,
		ByKind:           stats.ByKind,
		BySource:         stats.BySource,
		Stored:           stored,
		Evicted:          evicted,
		ActiveCollectors: s.manager.ActiveCount(),
		Connections:      s.hub.Count(),
	}, nil
}

// pollContainers lists containers every ContainersInterval and broadcasts
// the list on the containers channel when it changed.
func (s *Server) pollContainers(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ContainersInterval)
	defer ticker.Stop()

	var last []models.ContainerInfo
	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		listCtx, cancel := context.WithTimeout(ctx, s.cfg.ContainersInterval)
		list, err := s.docker.ListContainers(listCtx)
		cancel()
		if err != nil {
			if !failing {
				s.log.Error(err, "failed to list containers")
				failing = true
			}
			continue
		}
		if failing {
			s.log.Info("container runtime reachable again")
			failing = false
		}

		if last != nil && containersEqual(last, list) {
			continue
		}
		last = list
		if last == nil {
			last = []models.ContainerInfo{}
		}
		s.hub.BroadcastContainers(last)
	}
}

func containersEqual(a, b []models.ContainerInfo) bool {
	return slices.EqualFunc(a, b, func(x, y models.ContainerInfo) bool {
		return x.ID == y.ID && x.Name == y.Name && x.State == y.State && x.Status == y.Status && x.Image == y.Image
	})
}
