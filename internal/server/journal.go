package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmd/pmd/internal/config"
	"github.com/pmd/pmd/internal/metrics"
	storepkg "github.com/pmd/pmd/internal/store"
	"github.com/pmd/pmd/internal/store/composite"
	"github.com/pmd/pmd/internal/store/jsonl"
	storeotel "github.com/pmd/pmd/internal/store/otel"
	"github.com/pmd/pmd/internal/store/sqlite"
	"github.com/pmd/pmd/internal/store/webhook"
)

// journal is the composite lifecycle journal. queryable is false when no
// sink can answer queries.
type journal struct {
	store     storepkg.EventStore
	queryable bool
	sqlite    *sqlite.Store
	retention time.Duration
}

// openJournal opens every configured sink. SQLite is the query source when
// enabled, then the JSONL file. The composite is wrapped so metrics count
// each event exactly once.
func openJournal(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (*journal, error) {
	j := &journal{}
	var primary storepkg.EventStore
	var others []storepkg.EventStore
	closeAll := func() {
		if primary != nil {
			_ = primary.Close()
		}
		for _, o := range others {
			_ = o.Close()
		}
	}

	if cfg.Journal.SQLite.Enabled {
		db, err := sqlite.Open(cfg.Journal.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		primary, j.sqlite = db, db
		if cfg.Journal.SQLite.Retention != "" {
			j.retention, _ = time.ParseDuration(cfg.Journal.SQLite.Retention)
		}
	}
	if cfg.Journal.JSONL.Enabled {
		js, err := jsonl.New(cfg.Journal.JSONL.Path, cfg.Journal.JSONL.Rotation.MaxSizeMB, cfg.Journal.JSONL.Rotation.MaxBackups)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open jsonl journal: %w", err)
		}
		if primary == nil {
			primary = js
		} else {
			others = append(others, js)
		}
	}
	if wh := cfg.Journal.Webhook; wh.URL != "" {
		flush, _ := time.ParseDuration(wh.FlushInterval)
		timeout, _ := time.ParseDuration(wh.Timeout)
		hook, err := webhook.New(webhook.Options{
			URL:           wh.URL,
			BatchSize:     wh.BatchSize,
			FlushInterval: flush,
			Timeout:       timeout,
			Headers:       wh.Headers,
			Topics:        wh.Topics,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("webhook journal: %w", err)
		}
		others = append(others, hook)
	}
	if oc := cfg.Journal.OTel; oc.Enabled {
		timeout, _ := time.ParseDuration(oc.Timeout)
		batch, _ := time.ParseDuration(oc.Batch.Timeout)
		otelStore, err := storeotel.New(ctx, storeotel.Config{
			Endpoint:     oc.Endpoint,
			Protocol:     oc.Protocol,
			TLSEnabled:   oc.TLS.Enabled,
			TLSCertFile:  oc.TLS.CertFile,
			TLSKeyFile:   oc.TLS.KeyFile,
			TLSInsecure:  oc.TLS.Insecure,
			Headers:      oc.Headers,
			Timeout:      timeout,
			BatchTimeout: batch,
			BatchMaxSize: oc.Batch.MaxSize,
			Filter: storeotel.Filter{
				IncludeTypes:      oc.Filter.IncludeTypes,
				ExcludeTypes:      oc.Filter.ExcludeTypes,
				IncludeCategories: oc.Filter.IncludeCategories,
				ExcludeCategories: oc.Filter.ExcludeCategories,
				FailuresOnly:      oc.Filter.FailuresOnly,
			},
			Resource: storeotel.BuildResource(cfg.Tracing.ServiceName, nil),
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("otel journal: %w", err)
		}
		others = append(others, otelStore)
	}

	j.queryable = primary != nil
	j.store = metrics.WrapEventStore(composite.New(primary, others...), collector)
	logger.Info("server: journal opened", "queryable", j.queryable, "sinks", len(others)+btoi(primary != nil))
	return j, nil
}

// prune drops SQLite events older than the retention window.
func (j *journal) prune(ctx context.Context, logger *slog.Logger) {
	if j.sqlite == nil || j.retention <= 0 {
		return
	}
	n, err := j.sqlite.Prune(ctx, time.Now().UTC().Add(-j.retention))
	if err != nil {
		logger.Warn("server: prune journal", "error", err)
		return
	}
	if n > 0 {
		logger.Info("server: pruned journal", "events", n, "retention", j.retention)
	}
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
