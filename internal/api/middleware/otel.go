// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OTelHTTP starts a server span per request and propagates incoming trace
// context into the handler, so buffer.refresh spans nest under it.
func OTelHTTP(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()),
			otelhttp.WithSpanOptions(
				trace.WithAttributes(attribute.String("service.name", serviceName)),
			),
			otelhttp.WithFilter(func(r *http.Request) bool { return !isProbe(r) }),
			otelhttp.WithSpanNameFormatter(spanName),
		)
	}
}

// spanName uses the path with the stream name in place. Routing has not run
// yet when the span starts, so the chi pattern is not available here.
func spanName(_ string, r *http.Request) string {
	return r.Method + " " + r.URL.Path
}

// traceIDs returns the trace and span id of the request, or empty strings if
// no span is active.
func traceIDs(r *http.Request) (traceID, spanID string) {
	spanCtx := trace.SpanContextFromContext(r.Context())
	if !spanCtx.IsValid() {
		return "", ""
	}
	return spanCtx.TraceID().String(), spanCtx.SpanID().String()
}

// annotateSpan tags the active span with the matched route once chi has run.
func annotateSpan(r *http.Request) {
	span := trace.SpanFromContext(r.Context())
	if !span.IsRecording() {
		return
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			span.SetAttributes(attribute.String("http.route", pattern))
		}
		if name := rctx.URLParam("name"); name != "" {
			span.SetAttributes(attribute.String("timeshift.stream", name))
		}
	}
}
