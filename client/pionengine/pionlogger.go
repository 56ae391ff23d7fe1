package pionengine

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// PionLog routes pion's internal logging into zerolog.
type PionLog struct {
	log zerolog.Logger
}

func NewPionLogger(root *zerolog.Logger, level zerolog.Level) *PionLog {
	return &PionLog{log: root.Level(level).With().Str("component", "pion").Logger()}
}

func (p PionLog) NewLogger(scope string) logging.LeveledLogger {
	return PionLog{log: p.log.With().Str("mod", scope).Logger()}
}

func (p PionLog) Debug(msg string)                  { p.log.Debug().Msg(msg) }
func (p PionLog) Debugf(format string, args ...any) { p.log.Debug().Msgf(format, args...) }
func (p PionLog) Error(msg string)                  { p.log.Error().Msg(msg) }
func (p PionLog) Errorf(format string, args ...any) { p.log.Error().Msgf(format, args...) }
func (p PionLog) Info(msg string)                   { p.log.Info().Msg(msg) }
func (p PionLog) Infof(format string, args ...any)  { p.log.Info().Msgf(format, args...) }
func (p PionLog) Trace(msg string)                  { p.log.Trace().Msg(msg) }
func (p PionLog) Tracef(format string, args ...any) { p.log.Trace().Msgf(format, args...) }
func (p PionLog) Warn(msg string)                   { p.log.Warn().Msg(msg) }
func (p PionLog) Warnf(format string, args ...any)  { p.log.Warn().Msgf(format, args...) }
