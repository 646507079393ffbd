// Package telemetry provides observability instrumentation for froyo-scp.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and a small event publisher into one bundle.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Metrics
//
// Metrics live in a private registry. Series are namespaced (default
// "froyo_scp"):
//
//	connects_total{transport,status}
//	transfers_total{direction,transport,status}
//	transfer_bytes_total{direction,transport}
//	transfer_duration_seconds{direction,transport}
//	listings_total{transport,status}
//	privileged_commands_total{command,status}
//	edit_sessions_active
//	edit_uploads_total{trigger,status}
//	errors_by_kind_total{kind}
//
// A nil *Metrics, *Tracer or *EventPublisher is valid and does nothing, so
// library code can take them as optional collaborators.
//
// # Events
//
// Edit sessions publish edit.opened, edit.uploaded, edit.upload_failed and
// edit.closed. A subscriber can refresh a directory view after each upload.
package telemetry
