// Package logger provides structured logging capabilities.
//
// The logger package builds the application's zap logger from the logging
// section of the configuration. Development mode uses coloured levels,
// production mode emits JSON with an ISO8601 "timestamp" field. Output is
// always written to stderr.
//
// Usage:
//
//	log, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    return err
//	}
//	log.Warn("memory limit not applied", zap.Error(err))
package logger
