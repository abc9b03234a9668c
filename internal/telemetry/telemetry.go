// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry provides an optional, no-op-by-default OpenTelemetry
// meter and tracer provider. Components accept a *Provider but never
// require one: nil behaves exactly like a no-op Provider. This exists so
// the ecosystem dependency is present and wired without building
// dashboards or exporters into the runtime itself, which is an explicit
// Non-goal.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"net/http"
)

// Provider holds a tracer and a meter provider. The zero value and a nil
// *Provider both behave as no-ops: Tracer/Meter return otel's no-op
// implementations, and MetricsHandler serves only what the Prometheus
// client registers by default (Go runtime and process metrics).
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Config names the service for exported resource attributes. Enabled
// gates whether NewProvider builds a real OpenTelemetry SDK provider
// (with a Prometheus exporter) or returns a no-op Provider — this
// runtime's components never branch on which one they got.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// NewProvider builds a Provider per cfg. When cfg.Enabled is false, it
// returns a no-op Provider cheaply, without registering anything with
// the global otel SDK.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	return &Provider{tp: tp, mp: mp}, nil
}

// Tracer returns a tracer for the given instrumentation scope, or the
// otel no-op tracer if p is nil or disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return nooptrace.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Meter returns a meter for the given instrumentation scope, or the
// otel no-op meter if p is nil or disabled.
func (p *Provider) Meter(name string) metric.Meter {
	if p == nil || p.mp == nil {
		return noopmetric.NewMeterProvider().Meter(name)
	}
	return p.mp.Meter(name)
}

// MetricsHandler returns an HTTP handler exposing Prometheus-formatted
// metrics from the default Prometheus registry. A disabled or nil Provider
// still returns a valid handler; it serves only the registry's default Go
// runtime and process collectors, with no otel metrics.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and releases the underlying SDK resources. A no-op on
// a nil or disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.mp != nil {
		return p.mp.Shutdown(ctx)
	}
	return nil
}
