package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowmill/flowmill/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "flowmill"
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// Start metrics server (non-blocking)
	if err := tel.StartMetricsServer(); err != nil {
		panic(err)
	}

	ctx := tel.WithContext(context.Background())
	_ = ctx
}

// Example_structuredLogging demonstrates component loggers with run fields.
func Example_structuredLogging() {
	cfg := telemetry.DefaultConfig()
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("scheduler")
	logger = logger.
		WithFlow("training-flow").
		WithRunID("run-42").
		WithStep("train").
		WithTaskID("t-7")

	logger.Info("Dispatching task")
	logger.WithError(errors.New("child process exited 137")).Warn("Attempt crashed, scheduling retry")
}

// Example_tracing demonstrates run and task spans.
func Example_tracing() {
	cfg := telemetry.DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx, runSpan := tel.Tracer.StartRunSpan(context.Background(), "training-flow", "run-42")
	defer runSpan.End()

	_, taskSpan := tel.Tracer.StartTaskSpan(ctx, "train", "t-7", 2)
	taskSpan.SetAttributes(telemetry.AttrAttempt.Int(1))
	telemetry.RecordSuccess(taskSpan)
	taskSpan.End()
}

// Example_metrics demonstrates recording run and task metrics.
func Example_metrics() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Metrics.RecordRunStarted("training-flow", false)
	tel.Metrics.RecordAttemptStarted("train")
	tel.Metrics.RecordAttemptOutcome("train", "success")
	tel.Metrics.RecordTaskCompleted("train", "succeeded", 3*time.Second)
	tel.Metrics.RecordRunCompleted("training-flow", "successful", 12*time.Second)
}

// Example_events demonstrates subscribing to lifecycle events.
func Example_events() {
	cfg := telemetry.DefaultConfig()
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// Only warnings and errors reach this subscriber.
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s: %s\n", event.Type, event.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	_ = tel.Events.PublishRunStarted("run-42", "training-flow")
	_ = tel.Events.PublishTaskRetrying("run-42", "train", "t-7", 2, 4*time.Second)
	// Output:
	// task.retrying: Task t-7 (step train) retrying, next attempt 2
}

// Example_instrumentedOperation demonstrates the StartOperation helper.
func Example_instrumentedOperation() {
	cfg := telemetry.DefaultConfig()
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ic := telemetry.StartOperation(ctx, "run.plan",
		attribute.String("flow.name", "training-flow"),
	)
	ic.Logger.Info("Validating flow graph")

	var opErr error
	ic.End(opErr)
}
