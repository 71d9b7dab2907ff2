// Package telemetry provides logging, tracing and metrics for the operation
// engine.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry and metrics
// are Prometheus collectors on a private registry.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Library code and tests that do not care about telemetry use NewNop.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("scheduler")
//	logger.WithOperationID(op.ID()).Info("Operation started")
//	logger.WithPolicy("auto-start", "start").Debug("Policy applied")
//
// Packages that take a plain zerolog.Logger get one from Logger.Zerolog.
//
// # Tracing
//
// Each operation driven by the scheduler gets an "operation.run" span, and
// every policy checkpoint pass gets a child "policy.<kind>_checkpoint" span.
// Supported exporters are "stdout", "otlp" (gRPC) and "none".
//
// # Metrics
//
// Every Record/Set method is a no-op on a disabled or nil *Metrics, so
// components can hold one unconditionally. Key metrics:
//
//   - oplife_operations_started_total{kind}
//   - oplife_operations_completed_total{kind,status,severity}
//   - oplife_operation_duration_seconds{kind,status}
//   - oplife_policy_applications_total{checkpoint,policy}
//   - oplife_policy_failures_total{checkpoint,policy}
//   - oplife_broadcast_deliveries_total{event}
//   - oplife_global_activity_percent
//   - oplife_notifications_shown_total{severity}
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics).
package telemetry
