// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires the OpenTelemetry SDK for glyphsync processes.
//
// Packages record spans and instruments through the global otel API; this
// package decides where they go. Exporter choices:
//
//   - none: spans and OTel instruments are dropped (noop providers).
//   - stdout: spans and OTel instruments are printed, for local debugging.
//   - otlp: spans go to an OTLP/gRPC collector; OTel instruments are
//     exposed through the Prometheus registry.
//   - prometheus: OTel instruments are exposed through the Prometheus
//     registry; spans are dropped.
//
// Prometheus collectors registered with promauto are always served by
// MetricsHandler, whatever the exporter.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/counterpunchspace/editor-sub005/services/sync/config"
)

// ErrUnknownExporter is returned for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown exporter")

// Config controls telemetry behavior.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Exporter is none, stdout, otlp or prometheus.
	Exporter string

	// OTLPEndpoint is the collector address for the otlp exporter.
	OTLPEndpoint string

	// OTLPInsecure disables TLS to the collector.
	OTLPInsecure bool
}

// FromConfig maps the file settings onto a telemetry Config.
func FromConfig(c config.TelemetryConfig, version string) Config {
	return Config{
		ServiceName:    c.ServiceName,
		ServiceVersion: version,
		Exporter:       c.Exporter,
		OTLPEndpoint:   c.OTLPEndpoint,
		OTLPInsecure:   true,
	}
}

// Init installs the global tracer and meter providers for cfg.
//
// # Description
//
// Also installs the W3C trace-context propagator so spans continue across
// relay hops. With exporter "none" nothing is installed and the returned
// shutdown is a no-op.
//
// # Inputs
//
//   - ctx: Used to connect exporters.
//   - cfg: Telemetry configuration.
//
// # Outputs
//
//   - func(context.Context) error: Flushes and stops the providers. Must be called.
//   - error: ErrUnknownExporter or an exporter construction error.
//
// # Thread Safety
//
// Call once at startup.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			errs = append(errs, shutdowns[i](ctx))
		}
		return errors.Join(errs...)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	var (
		traces  trace.SpanExporter
		metrics metric.Reader
		err     error
	)
	switch cfg.Exporter {
	case "", "none":
		return shutdown, nil
	case "stdout":
		if traces, err = stdouttrace.New(stdouttrace.WithPrettyPrint()); err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		metrics = metric.NewPeriodicReader(exp)
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if traces, err = otlptracegrpc.New(ctx, opts...); err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		if metrics, err = promexporter.New(); err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
	case "prometheus":
		if metrics, err = promexporter.New(); err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}

	if traces != nil {
		tp := trace.NewTracerProvider(
			trace.WithBatcher(traces),
			trace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metrics),
	)
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return shutdown, nil
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
