// Package otel exports lifecycle events as OTLP log records.
package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"

	"github.com/pmd/pmd/internal/events"
	"github.com/pmd/pmd/pkg/types"
)

// Config holds the configuration needed to construct a Store.
type Config struct {
	Endpoint string
	Protocol string // "grpc" or "http"

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSInsecure bool

	Headers map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int

	Filter   Filter
	Resource *resource.Resource

	// Exporter overrides the OTLP exporter built from Endpoint and Protocol.
	Exporter sdklog.Exporter
}

// Store exports events as log records. Export errors are dropped by the
// batch processor; AppendEvent never blocks on the collector.
type Store struct {
	filter      *Filter
	logProvider *sdklog.LoggerProvider
	logger      otellog.Logger
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	exp := cfg.Exporter
	if exp == nil {
		var err error
		if exp, err = newLogExporter(ctx, cfg); err != nil {
			return nil, fmt.Errorf("otel log exporter: %w", err)
		}
	}
	proc := sdklog.NewBatchProcessor(exp,
		sdklog.WithExportTimeout(orDefault(cfg.Timeout, 10*time.Second)),
		sdklog.WithExportInterval(orDefault(cfg.BatchTimeout, 5*time.Second)),
		sdklog.WithExportMaxBatchSize(orDefault(cfg.BatchMaxSize, 512)),
	)
	opts := []sdklog.LoggerProviderOption{sdklog.WithProcessor(proc)}
	if cfg.Resource != nil {
		opts = append(opts, sdklog.WithResource(cfg.Resource))
	}
	provider := sdklog.NewLoggerProvider(opts...)
	return &Store{
		filter:      &cfg.Filter,
		logProvider: provider,
		logger:      provider.Logger("pmd"),
	}, nil
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if !s.filter.Match(ev.Type, events.Category(ev.Type), ev.Result) {
		return nil
	}
	s.logger.Emit(eventContext(ctx, ev), convertToLogRecord(ev))
	return nil
}

func (s *Store) QueryEvents(context.Context, types.EventQuery) ([]types.Event, error) {
	return nil, fmt.Errorf("otel journal does not support queries")
}

// Close flushes pending records, waiting at most ten seconds.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.logProvider.Shutdown(ctx); err != nil {
		slog.Warn("otel journal: flush on close", "error", err)
		return err
	}
	return nil
}

func newLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.Protocol {
	case "grpc":
		opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploggrpc.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		if tlsCfg == nil {
			opts = append(opts, otlploggrpc.WithInsecure())
		} else {
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
		}
		return otlploggrpc.New(ctx, opts...)
	case "http":
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if tlsCfg == nil {
			opts = append(opts, otlploghttp.WithInsecure())
		} else {
			opts = append(opts, otlploghttp.WithTLSClientConfig(tlsCfg))
		}
		return otlploghttp.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unsupported otlp protocol %q", cfg.Protocol)
}

// clientTLS returns nil when the collector is reached in plaintext.
func clientTLS(cfg Config) (*tls.Config, error) {
	if !cfg.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		return tlsCfg, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("otlp client certificate: %w", err)
	}
	tlsCfg.Certificates = []tls.Certificate{cert}
	return tlsCfg, nil
}
