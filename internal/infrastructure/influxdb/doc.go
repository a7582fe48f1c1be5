// Package influxdb records rule engine telemetry in InfluxDB v2.
//
// Every finished or cancelled execution becomes a point in
// automation_executions and every trigger fan-out a point in
// automation_triggers. Client satisfies automation.MetricsRecorder and is
// usually combined with the Prometheus registry through metrics.NewMulti.
//
// Writes are batched and non-blocking; failures surface through SetOnError.
package influxdb
