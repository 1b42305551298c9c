// Package logger provides a singleton zap logger with context scoping.
//
// Init once from main:
//
//	logger.Init(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level})
//	defer logger.Sync()
//
// Components take a named child instead of reaching for the singleton on every
// call:
//
//	log := logger.Named("mesh")
//	log.Debug("link up", logger.Participant(id))
package logger
