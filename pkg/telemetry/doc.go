// Package telemetry provides observability instrumentation for Sirpi.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus) behind a small, unified
// configuration surface.
//
// Initialize at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	metrics, err := telemetry.NewMetrics(cfg.Metrics)
//	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
//	defer tracer.Shutdown(context.Background())
//
// Component loggers carry project and action identifiers:
//
//	log := logger.NewComponentLogger("orchestrator").WithProjectID(id)
//	log.Info("phase accepted")
package telemetry
