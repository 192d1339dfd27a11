// Package tracing gives the rest of the module one shared
// go.opentelemetry.io/otel tracer, defaulting to the SDK's built-in
// no-op TracerProvider so the coordinator has no mandatory collector
// dependency (SPEC_FULL.md's DOMAIN STACK note on otel). A real
// provider can be installed at process start with SetProvider before
// any span-producing code runs.
package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/incident-commander/coordinator"

// SetProvider installs p as the global TracerProvider every Tracer()
// call draws from. Call once at startup, before serving traffic.
func SetProvider(p trace.TracerProvider) {
	otel.SetTracerProvider(p)
}

// Tracer returns the module's shared tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
