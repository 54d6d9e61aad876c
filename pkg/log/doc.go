/*
Package log provides structured logging for Symphony using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initialize once at process start, then derive child loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("reconciler")
	logger.Info().Str("deployment_id", id).Msg("placement committed")

Console (human) output is the default; JSON output is intended for
production. Child helpers exist for the fields that appear throughout the
control plane: component, node_id, deployment_id.
*/
package log
