/*
Package log provides structured logging for BuildNet using zerolog.

Call Init once at startup, then create component loggers with
WithComponent:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("orchestrator")
	logger.Info().Str("build_id", id).Msg("Build started")

Console output is the default; JSONOutput switches to machine-readable
logs for production deployments.
*/
package log
