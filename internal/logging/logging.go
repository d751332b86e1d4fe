// Package logging provides the leveled key=value line logger used by every
// daemon component.
package logging

import (
	"fmt"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Component writes `<RFC3339> <LEVEL> <component>: <message>` lines, dropping
// entries below the configured level.
type Component struct {
	logger    *log.Logger
	level     Level
	component string
}

func NewComponent(logger *log.Logger, level Level, component string) *Component {
	return &Component{logger: logger, level: level, component: component}
}

func (c *Component) Logf(level Level, format string, args ...any) {
	if c == nil || c.logger == nil || level < c.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, c.component, msg)
}

func (c *Component) Debugf(format string, args ...any) { c.Logf(LevelDebug, format, args...) }
func (c *Component) Infof(format string, args ...any)  { c.Logf(LevelInfo, format, args...) }
func (c *Component) Warnf(format string, args ...any)  { c.Logf(LevelWarn, format, args...) }
func (c *Component) Errorf(format string, args ...any) { c.Logf(LevelError, format, args...) }
