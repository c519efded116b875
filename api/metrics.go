package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "subscription-proxy/api"

// RequestMetrics opens a server span per request and logs one
// "http.request.metrics" entry when the handler returns.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx, span := otel.Tracer(tracerName).Start(req.Context(), "http."+req.Method)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				// let echo write the response so the status below is final
				c.Error(err)
			}

			status := c.Response().Status
			route := c.Path()
			span.SetAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", status),
			)
			if typ := c.Param("type"); typ != "" {
				span.SetAttributes(attribute.String("proxy.resource_type", typ))
			}
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}

			fields := log.Fields{
				"method":   req.Method,
				"route":    route,
				"status":   status,
				"total_ms": durationToMillis(time.Since(start)),
			}
			if typ := c.Param("type"); typ != "" {
				fields["resource_type"] = typ
			}
			if sub, ok := c.Get(subjectKey).(string); ok {
				fields["subject"] = sub
			}
			if err == nil {
				err, _ = c.Get(errorKey).(error)
			}
			if err != nil {
				fields["error"] = err.Error()
				span.RecordError(err)
			}
			logger.WithFields(fields).Log(levelForStatus(status), "http.request.metrics")
			return nil
		}
	}
}

func levelForStatus(status int) log.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return log.ErrorLevel
	case status >= http.StatusBadRequest:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
