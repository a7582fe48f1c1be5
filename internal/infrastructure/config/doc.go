// Package config loads config.yaml for the automation service.
//
// Values are layered: built-in defaults, then the YAML file, then GRAYLOGIC_*
// environment variables (GRAYLOGIC_MQTT_PASSWORD, GRAYLOGIC_INFLUXDB_TOKEN
// and friends). Keep secrets in the environment and the file at 0600.
//
// Durations under automation (sweep_interval, max_backoff, ...) are Go
// duration strings such as "30s" or "15m"; the older integer fields are
// seconds.
package config
