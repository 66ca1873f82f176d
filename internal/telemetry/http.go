package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// HTTPInstrumentationName names the meter and tracer of the status API
	HTTPInstrumentationName = "github.com/stacklok/kbsync/http"

	// MaxUserAgentLength caps the user agent recorded on spans
	MaxUserAgentLength = 256

	unknownRoute = "unknown_route"
)

// untracedPaths are probe and scrape endpoints polled often enough to drown real traffic.
// /metrics is also left out of the request metrics.
var untracedPaths = map[string]struct{}{
	"/health":    {},
	"/readiness": {},
	"/metrics":   {},
}

type httpInstruments struct {
	duration metric.Float64Histogram
	total    metric.Int64Counter
	active   metric.Int64UpDownCounter
}

func newHTTPInstruments(mp metric.MeterProvider) (*httpInstruments, error) {
	meter := mp.Meter(HTTPInstrumentationName)

	duration, err := meter.Float64Histogram(
		"kbsync_http_request_duration_seconds",
		metric.WithDescription("Duration of status API requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}
	total, err := meter.Int64Counter(
		"kbsync_http_requests_total",
		metric.WithDescription("Total number of status API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter(
		"kbsync_http_active_requests",
		metric.WithDescription("Number of in-flight status API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	return &httpInstruments{duration: duration, total: total, active: active}, nil
}

// HTTPMiddleware instruments the status API with request metrics and server spans.
// Either provider may be nil; with both nil the middleware passes requests through.
func HTTPMiddleware(mp metric.MeterProvider, tp trace.TracerProvider) (func(http.Handler) http.Handler, error) {
	var inst *httpInstruments
	if mp != nil {
		var err error
		if inst, err = newHTTPInstruments(mp); err != nil {
			return nil, err
		}
	}
	var tracer trace.Tracer
	if tp != nil {
		tracer = tp.Tracer(HTTPInstrumentationName)
	}
	if inst == nil && tracer == nil {
		return func(next http.Handler) http.Handler { return next }, nil
	}

	propagator := otel.GetTextMapPropagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, untraced := untracedPaths[r.URL.Path]
			measured := inst != nil && r.URL.Path != "/metrics"
			traced := tracer != nil && !untraced
			if !measured && !traced {
				next.ServeHTTP(w, r)
				return
			}

			// r.Context() may be cancelled once ServeHTTP returns
			ctx := r.Context()
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			var span trace.Span
			if traced {
				ctx = propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
				ctx, span = tracer.Start(ctx, r.Method+" "+r.URL.Path,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.URLPath(r.URL.Path),
						semconv.UserAgentOriginal(truncateUserAgent(r.UserAgent())),
					),
				)
				defer span.End()
			}
			if measured {
				inst.active.Add(ctx, 1)
			}

			next.ServeHTTP(ww, r.WithContext(ctx))

			// chi fills the pattern in while routing
			route := routePattern(r)
			status := ww.Status()

			if measured {
				inst.active.Add(ctx, -1)
				attrs := metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.String("status_code", strconv.Itoa(status)),
				)
				inst.duration.Record(ctx, time.Since(start).Seconds(), attrs)
				inst.total.Add(ctx, 1, attrs)
			}
			if traced {
				span.SetName(r.Method + " " + route)
				span.SetAttributes(
					semconv.HTTPRouteKey.String(route),
					semconv.HTTPResponseStatusCode(status),
				)
				if status >= http.StatusBadRequest {
					span.SetStatus(codes.Error, http.StatusText(status))
				} else {
					span.SetStatus(codes.Ok, "")
				}
			}
		})
	}, nil
}

// routePattern keeps label cardinality bounded by never falling back to the raw path
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unknownRoute
}

func truncateUserAgent(ua string) string {
	if len(ua) <= MaxUserAgentLength {
		return ua
	}
	return ua[:MaxUserAgentLength]
}
