package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Load stages, also used as the error_class metric attribute.
const (
	stageFile       = "file"
	stageParse      = "parse"
	stageValidation = "validation"
)

// LoadError reports which stage of Load rejected the configuration.
type LoadError struct {
	Stage string
	Key   string
	Err   error
}

func (e *LoadError) Error() string {
	switch e.Stage {
	case stageFile:
		return fmt.Sprintf("read config file %s: %v", e.Key, e.Err)
	case stageParse:
		return fmt.Sprintf("parse %s: %v", e.Key, e.Err)
	default:
		return fmt.Sprintf("validate config: %v", e.Err)
	}
}

func (e *LoadError) Unwrap() error { return e.Err }

var (
	loadEventsOnce    sync.Once
	loadEventsCounter metric.Int64Counter
)

func recordLoad(ctx context.Context, env string, err error) {
	loadEventsOnce.Do(func() {
		c, cerr := otel.Meter("realtime-chat-session-core/config").Int64Counter(
			"config.validation.events",
			metric.WithDescription("Configuration loads by outcome and failing stage"),
		)
		if cerr == nil {
			loadEventsCounter = c
		}
	})
	if loadEventsCounter == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	loadEventsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", envLabel(env)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", errorClass(err)),
	))
}

func envLabel(env string) string {
	if v := strings.ToLower(strings.TrimSpace(env)); v != "" {
		return v
	}
	return "unknown"
}

func errorClass(err error) string {
	if err == nil {
		return "none"
	}
	var le *LoadError
	if errors.As(err, &le) {
		return le.Stage
	}
	return "load"
}
