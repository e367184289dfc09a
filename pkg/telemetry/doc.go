// Package telemetry provides observability instrumentation for the Flowmill engine.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging flow runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - In-process lifecycle events for subscribers
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "flowmill"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("scheduler")
//	logger = logger.WithRunID("run-123").WithStep("train").WithTaskID("t-4")
//	logger.Info("Dispatching task")
//	logger.WithError(err).Error("Attempt failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run structure and timing:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, flowName, runID)
//	defer span.End()
//
//	ctx, span := tel.Tracer.StartTaskSpan(ctx, step, taskID, foreachIndex)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development), None (testing)
//
// # Metrics
//
// Prometheus metrics track engine behavior and performance:
//
//	tel.Metrics.RecordRunStarted(flowName, false)
//	tel.Metrics.RecordRunCompleted(flowName, "successful", duration)
//	tel.Metrics.RecordTaskCompleted(step, "succeeded", duration)
//	tel.Metrics.RecordAttemptOutcome(step, "crashed")
//	tel.Metrics.RecordError("transient", "RETRY_EXHAUSTED")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system delivers run and task lifecycle events to subscribers:
//
//	tel.Events.PublishRunStarted(runID, flowName)
//	tel.Events.PublishTaskSucceeded(runID, step, taskID, duration)
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByStep
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - flowmill_runs_started_total{flow,resumed}
//   - flowmill_runs_completed_total{flow,status}
//   - flowmill_run_duration_seconds{flow}
//   - flowmill_tasks_completed_total{step,status}
//   - flowmill_task_duration_seconds{step}
//   - flowmill_attempts_started_total{step}
//   - flowmill_attempt_outcomes_total{step,outcome}
//   - flowmill_retries_total{step}
//   - flowmill_errors_by_class_total{class}
//   - flowmill_active_runs
package telemetry
