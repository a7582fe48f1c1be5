// Package logging configures log/slog for the automation service.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Every entry carries service and version. Packages take a child logger
// from Component and log with key/value pairs:
//
//	engineLog := logger.Component("engine")
//	engineLog.Error("failed to finish execution", "rule_id", id, "error", err)
//
// Attributes named password, token, secret, authorization or api_key are
// replaced with [REDACTED] before they are written.
package logging
