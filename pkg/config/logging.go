package config

import (
	"io"
	"os"
	"sync"

	"github.com/pion/logging"
)

// LoggerFactory creates pion loggers whose levels can be changed after
// creation, so a reloaded configuration applies to running components.
type LoggerFactory struct {
	writer io.Writer

	mu      sync.Mutex
	level   logging.LogLevel
	scopes  map[string]logging.LogLevel
	loggers map[string][]*logging.DefaultLeveledLogger
}

// NewLoggerFactory creates a factory writing to w (stderr when nil) at the
// levels of cfg.
func NewLoggerFactory(cfg LoggingConfig, w io.Writer) (*LoggerFactory, error) {
	if w == nil {
		w = os.Stderr
	}
	f := &LoggerFactory{
		writer:  w,
		loggers: make(map[string][]*logging.DefaultLeveledLogger),
	}
	if err := f.Apply(cfg); err != nil {
		return nil, err
	}
	return f, nil
}

// NewLogger implements logging.LoggerFactory.
func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := logging.NewDefaultLeveledLoggerForScope(scope, f.levelLocked(scope), f.writer)
	f.loggers[scope] = append(f.loggers[scope], l)
	return l
}

// Apply sets new levels on the factory and on every logger it created.
func (f *LoggerFactory) Apply(cfg LoggingConfig) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	scopes := make(map[string]logging.LogLevel, len(cfg.Scopes))
	for scope, name := range cfg.Scopes {
		l, err := ParseLevel(name)
		if err != nil {
			return err
		}
		scopes[scope] = l
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = level
	f.scopes = scopes
	for scope, loggers := range f.loggers {
		lvl := f.levelLocked(scope)
		for _, l := range loggers {
			l.SetLevel(lvl)
		}
	}
	return nil
}

func (f *LoggerFactory) levelLocked(scope string) logging.LogLevel {
	if l, ok := f.scopes[scope]; ok {
		return l
	}
	return f.level
}

var _ logging.LoggerFactory = (*LoggerFactory)(nil)
