package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	lines []string
}

func (r *recorder) funcs(level string) func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
	}
}

func TestNewLogger_Prefix(t *testing.T) {
	rec := &recorder{}
	logger := NewLogger("module: agent , ", LogFuncs{
		Debugf: rec.funcs("D"),
		Infof:  rec.funcs("I"),
		Warnf:  rec.funcs("W"),
		Errorf: rec.funcs("E"),
	})

	logger.Infof("poll %d done", 3)
	logger.LogLevelf(ErrorLevel, "failed: %v", "boom")
	WithPrefix(logger, "[reactor] ").Warnf("retry")

	assert.Equal(t, []string{
		"I module: agent , poll 3 done",
		"E module: agent , failed: boom",
		"W module: agent , [reactor] retry",
	}, rec.lines)
}

func TestNewLogger_NilFuncs(t *testing.T) {
	logger := NewLogger("", LogFuncs{})
	assert.NotPanics(t, func() {
		logger.Debugf("nothing")
		NewNullLogger().Errorf("nothing")
	})
}
