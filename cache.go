package fieldsync

import (
	"context"
	"errors"
	"log"
	"time"
)

// ============================================================================
// CacheManager
// ============================================================================

// EventReader is the network read surface CacheManager consumes.
// *Client implements it.
type EventReader interface {
	FetchEvents(ctx context.Context, query string, limit int) ([]CachedEvent, error)
	FetchReports(ctx context.Context, limit int) ([]CachedReport, error)
}

// FetchOptions narrows an event read and caps its size.
type FetchOptions struct {
	Region      string
	Category    string
	ThreatLevel string
	Limit       int
}

// CacheManager serves event and report reads with a network-first,
// cache-fallback policy and keeps the cache warm from successful network
// reads. Every read succeeds even fully offline: storage and network
// failures degrade the result (Source "cache" or "none") instead of
// propagating to the caller. The only error a caller ever sees is its own
// cancellation.
type CacheManager struct {
	store   *Store
	api     EventReader
	monitor *ConnectivityMonitor
	logger  *log.Logger
}

// NewCacheManager wires a cache manager to its store, network reader, and
// connectivity monitor. logger may be nil.
func NewCacheManager(store *Store, api EventReader, monitor *ConnectivityMonitor, logger *log.Logger) *CacheManager {
	if logger == nil {
		logger = discardLogger()
	}
	return &CacheManager{store: store, api: api, monitor: monitor, logger: logger}
}

// FetchEvents reads events. Online it tries the network first, persists the
// returned events (one put per record, overwrite by ID), and returns
// Source "network". Offline, or after any network failure, it reads from the
// local store filtered by opts and returns Source "cache". When the store
// itself is unavailable the result is an empty Source "none" slice.
func (cm *CacheManager) FetchEvents(ctx context.Context, query string, opts FetchOptions) (*EventsResult, error) {
	if cm.monitor.Online() {
		events, err := cm.api.FetchEvents(ctx, query, opts.Limit)
		if err == nil {
			// Writes are issued sequentially inside PutEvents so a
			// concurrent queue drain never observes an interleaved batch.
			if perr := cm.store.PutEvents(events...); perr != nil {
				cm.logger.Printf("cache: persisting %d events: %v", len(events), perr)
			} else if opts.Region != "" {
				if rerr := cm.store.MarkRegionCached(opts.Region); rerr != nil {
					cm.logger.Printf("cache: marking region %q: %v", opts.Region, rerr)
				}
			}
			return &EventsResult{Events: events, Source: SourceNetwork}, nil
		}
		// A caller-initiated cancel must not be converted into a cache
		// read and must not persist partial results.
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			return nil, cerr
		}
		cm.logger.Printf("cache: network read failed, falling back: %v", err)
	}

	events, err := cm.store.Events(EventFilter{
		Region:      opts.Region,
		Category:    opts.Category,
		ThreatLevel: opts.ThreatLevel,
		Contains:    query,
		Limit:       opts.Limit,
	})
	if err != nil {
		cm.logger.Printf("cache: local event read failed: %v", err)
		return &EventsResult{Events: []CachedEvent{}, Source: SourceNone}, nil
	}
	return &EventsResult{Events: events, Source: SourceCache}, nil
}

// FetchReports reads reports with the same dual-path policy, ordered by
// generated_at descending.
func (cm *CacheManager) FetchReports(ctx context.Context, limit int) (*ReportsResult, error) {
	if cm.monitor.Online() {
		reports, err := cm.api.FetchReports(ctx, limit)
		if err == nil {
			if perr := cm.store.PutReports(reports...); perr != nil {
				cm.logger.Printf("cache: persisting %d reports: %v", len(reports), perr)
			}
			return &ReportsResult{Reports: reports, Source: SourceNetwork}, nil
		}
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			return nil, cerr
		}
		cm.logger.Printf("cache: network report read failed, falling back: %v", err)
	}

	reports, err := cm.store.Reports(limit)
	if err != nil {
		cm.logger.Printf("cache: local report read failed: %v", err)
		return &ReportsResult{Reports: []CachedReport{}, Source: SourceNone}, nil
	}
	return &ReportsResult{Reports: reports, Source: SourceCache}, nil
}

// IngestLiveEvent persists an event delivered over the push channel,
// bypassing the network path entirely.
func (cm *CacheManager) IngestLiveEvent(ev CachedEvent) error {
	if ev.FetchedAt.IsZero() {
		ev.FetchedAt = time.Now().UTC()
	}
	return cm.store.PutEvents(ev)
}

// IngestLiveReport persists a report delivered over the push channel.
func (cm *CacheManager) IngestLiveReport(r CachedReport) error {
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}
	return cm.store.PutReports(r)
}

// CleanupOldEvents deletes events whose fetched_at is older than maxAgeDays
// and returns how many were removed.
func (cm *CacheManager) CleanupOldEvents(maxAgeDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	return cm.store.DeleteEventsBefore(cutoff)
}

// Stats reports per-collection record counts for storage statistics screens.
func (cm *CacheManager) Stats() map[string]int {
	stats := make(map[string]int, len(collections))
	for name := range collections {
		stats[name] = cm.store.Count(name)
	}
	return stats
}
