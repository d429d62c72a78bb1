// Package telemetry provides observability for workflow runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an in-process event bus.
//
// # Usage
//
// Initialize telemetry at startup and make its logger the global one, since
// engine components log through github.com/rs/zerolog/log:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tel.Logger.SetGlobal()
//	ctx = tel.WithContext(ctx)
//
// # Tracing
//
// Operations are wrapped with StartOperation. Without telemetry in the
// context it only starts a timer, so callers never need to check:
//
//	ic := telemetry.StartOperation(ctx, "import_job.submit", telemetry.AttrJob.String(name))
//	defer func() { ic.End(err) }()
//
// A workflow run is covered by one span started with WithWorkflowContext and
// ended with EndWorkflowContext. Transports wrap remote calls with
// RecordTransportOperation.
//
// # Metrics
//
// Metrics are nil-safe: a nil or disabled *Metrics ignores every call.
//
//	runs_started_total{workflow}
//	runs_completed_total{workflow,status}
//	iterations_total{workflow,phase,outcome}
//	imports_total{workflow,transport,status}
//	history_checks_total{workflow,result}
//	undo_jobs_total{workflow,status}
//	reconcile_outstanding_commands{workflow}
//	escalations_total{workflow}
//	errors_total{workflow,code}
//
// # Events
//
// The EventBus delivers events to subscribers in publication order, either
// synchronously or through a buffer drained by one goroutine:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
