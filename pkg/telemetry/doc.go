// Package telemetry provides logging, tracing and metrics for guestinit.
//
// The agent runs once per boot and exits, so the package is shaped around a
// single run:
//
//  1. Structured Logging - zerolog, written to stderr by default so command
//     output on stdout stays machine readable
//  2. Distributed Tracing - OpenTelemetry with none, stdout or OTLP exporters;
//     spans are exported synchronously
//  3. Metrics - Prometheus collectors on a private registry, written to a
//     node_exporter textfile at shutdown instead of served over HTTP
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID)
//	defer span.End()
//
//	tel.Metrics.RecordBackendAttempt("user", "useradd", err)
//
// Library packages do not depend on this package. They accept a
// zerolog.Logger and use otel.Tracer, which picks up the provider
// installed by NewTracer.
//
// Passwords must never be attached to log events or span attributes.
package telemetry
