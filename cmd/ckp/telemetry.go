// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/ConceptKernel/cmd/ckp/config"
)

// ErrUnknownExporter is returned for an exporter name initTelemetry does not know.
var ErrUnknownExporter = errors.New("unknown exporter")

// initTelemetry installs the global tracer and meter providers.
//
// # Description
//
// With both exporters set to "none" nothing is installed and otel keeps its
// no-op providers, so spans in the library packages cost nothing.
//
// # Outputs
//
//   - func: Flushes and stops the providers. Always non-nil on success.
//   - error: ErrUnknownExporter, or an exporter construction failure.
func initTelemetry(ctx context.Context, cfg config.TelemetryConfig, version string) (func(context.Context) error, error) {
	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			if err := shutdowns[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", "ckp"),
		attribute.String("service.version", version),
	)

	if cfg.TraceExporter != "none" && cfg.TraceExporter != "" {
		var exp sdktrace.SpanExporter
		var err error
		switch cfg.TraceExporter {
		case "stdout":
			exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		case "otlp":
			var conn *grpc.ClientConn
			conn, err = grpc.NewClient(cfg.OTLPEndpoint,
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return nil, fmt.Errorf("dial collector %s: %w", cfg.OTLPEndpoint, err)
			}
			shutdowns = append(shutdowns, func(context.Context) error { return conn.Close() })
			exp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
		}
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	if cfg.MetricExporter != "none" && cfg.MetricExporter != "" {
		var reader sdkmetric.Reader
		switch cfg.MetricExporter {
		case "prometheus":
			exp, err := promexporter.New()
			if err != nil {
				_ = shutdown(ctx)
				return nil, fmt.Errorf("create prometheus exporter: %w", err)
			}
			reader = exp
		case "stdout":
			exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
			if err != nil {
				_ = shutdown(ctx)
				return nil, fmt.Errorf("create stdout metric exporter: %w", err)
			}
			reader = sdkmetric.NewPeriodicReader(exp)
		default:
			_ = shutdown(ctx)
			return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	return shutdown, nil
}
