// Package service contains the business rules of GangaGuard.
//
// Handlers parse requests and call services; services validate input,
// enforce the incident lifecycle and orchestrate the repositories, evidence
// storage and realtime notifier. Nothing here knows about HTTP.
package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/gangaguard/backend/internal/service")

// startSpan opens a span named "service.<name>".
func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "service."+name)
}

// endSpan records err (if any) and ends span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
