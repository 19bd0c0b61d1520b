// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: colored console output (LOG_DEV=true)
//
// Components receive a *Logger and scope it with Named or Terminal:
//
//	log := logging.NewDefault().Named("supervisor")
//	log.Terminal(id).Info("process exited", zap.Int("exit_code", code))
package logging
