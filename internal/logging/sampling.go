package logging

import (
	"go.uber.org/zap/zapcore"
)

// sampledLevels are the levels that get their own sampler. Error and
// above are never sampled.
var sampledLevels = []zapcore.Level{
	TraceLevel,
	zapcore.DebugLevel,
	zapcore.InfoLevel,
	zapcore.WarnLevel,
}

// newSampledCore wraps core with one sampler per level so a burst of
// process output at Debug cannot starve Info or Warn entries. A level
// without its own rates uses the Info rates.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	fallback, ok := cfg.Levels[zapcore.InfoLevel]
	if !ok {
		fallback = DefaultLevelSamplingConfig()[zapcore.InfoLevel]
	}

	cores := make([]zapcore.Core, 0, len(sampledLevels)+1)
	cores = append(cores, &levelFilterCore{
		Core:     core,
		minLevel: zapcore.ErrorLevel,
		maxLevel: zapcore.FatalLevel,
	})

	for _, lvl := range sampledLevels {
		if !core.Enabled(lvl) {
			continue
		}
		rates, ok := cfg.Levels[lvl]
		if !ok {
			rates = fallback
		}
		band := &levelFilterCore{Core: core, minLevel: lvl, maxLevel: lvl}
		cores = append(cores, zapcore.NewSamplerWithOptions(
			band,
			cfg.Tick.Duration(),
			rates.Initial,
			rates.Thereafter,
		))
	}

	return zapcore.NewTee(cores...)
}

// levelFilterCore passes entries whose level lies in [minLevel, maxLevel].
type levelFilterCore struct {
	zapcore.Core
	minLevel zapcore.Level
	maxLevel zapcore.Level
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	if lvl < c.minLevel || lvl > c.maxLevel {
		return false
	}
	return c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{
		Core:     c.Core.With(fields),
		minLevel: c.minLevel,
		maxLevel: c.maxLevel,
	}
}
