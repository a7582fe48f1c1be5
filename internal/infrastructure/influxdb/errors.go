package influxdb

import "errors"

// Telemetry sink errors, from Connect and HealthCheck. Recording execution
// points never returns an error; write failures go to the SetOnError callback.
var (
	ErrNotConnected     = errors.New("influxdb: telemetry sink closed")
	ErrConnectionFailed = errors.New("influxdb: server did not answer ping")

	// ErrDisabled is what Connect returns for influxdb.enabled: false.
	ErrDisabled = errors.New("influxdb: telemetry sink disabled")
)
