// Package telemetry sets up OpenTelemetry trace export for merge-utils.
//
// Clients start spans through the global tracer provider. Without
// telemetry.enabled the global provider stays a no-op and nothing is
// exported.
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc          # or http/protobuf
//	  sample_rate: 1.0
//
// Exporter failures never fail a run; the instance is marked degraded and
// spans go to the no-op provider.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	defer tt.Install()()
//	// ... code under test ...
//	tt.AssertSpanExists(t, "metacat.query")
package telemetry
