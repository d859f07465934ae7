package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type LogLevel int

const (
	VERBOSE LogLevel = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

var levelNames = map[string]LogLevel{
	"verbose": VERBOSE,
	"debug":   DEBUG,
	"info":    INFO,
	"warning": WARNING,
	"warn":    WARNING,
	"error":   ERROR,
}

func (e LogLevel) String() string {
	return []string{
		"V",
		"D",
		"I",
		"✓",
		"+",
		"-",
		"X",
		"!",
		"!!",
		"PANIC",
	}[e]
}

func (e LogLevel) Level() int { return int(e) }

func (e LogLevel) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                //Verbose
		color.New(color.FgWhite, color.Italic),                //Debug
		color.New(color.FgWhite),                              //Info
		color.New(color.FgHiGreen),                            //Success
		color.New(color.FgGreen, color.Italic),                //New
		color.New(color.FgYellow, color.Italic),               //Remove
		color.New(color.FgHiYellow),                           //Stop
		color.New(color.FgYellow, color.Underline),            //Warning
		color.New(color.FgHiRed, color.Bold),                  //Error
		color.New(color.FgHiRed, color.Bold, color.Underline), //PANIC
	}[e]
}

// ParseLevel converts a configuration string (e.g. "debug") in to
// the matching LogLevel.
func ParseLevel(level string) (LogLevel, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l, nil
	}

	return INFO, fmt.Errorf("unknown log level '%s'", level)
}

type Logger interface {
	Emit(LogLevel, string, ...any)
	Verbosef(string, ...any)
	Debugf(string, ...any)
	Infof(string, ...any)
	Warnf(string, ...any)
	Errorf(string, ...any)

	// Printf and Fatalf allow a Logger to be handed to libraries
	// expecting a stdlib-like logger (e.g. goose).
	Printf(string, ...any)
	Fatalf(string, ...any)
}

type loggerImpl struct {
	name string
}

func (l *loggerImpl) Emit(status LogLevel, message string, interpolations ...any) {
	Log.Emit(status, l.name, message, interpolations...)
}

func (l *loggerImpl) Verbosef(m string, v ...any) { l.Emit(VERBOSE, m, v...) }
func (l *loggerImpl) Debugf(m string, v ...any)   { l.Emit(DEBUG, m, v...) }
func (l *loggerImpl) Infof(m string, v ...any)    { l.Emit(INFO, m, v...) }
func (l *loggerImpl) Warnf(m string, v ...any)    { l.Emit(WARNING, m, v...) }
func (l *loggerImpl) Errorf(m string, v ...any)   { l.Emit(ERROR, m, v...) }
func (l *loggerImpl) Printf(m string, v ...any)   { l.Emit(INFO, ensureNewline(m), v...) }
func (l *loggerImpl) Fatalf(m string, v ...any)   { l.Emit(FATAL, ensureNewline(m), v...) }

type LoggerManager interface {
	GetLogger(string) Logger
	Emit(LogLevel, string, string, ...any)
}

var Log LoggerManager = &loggerMgr{
	offset:   0,
	minLevel: INFO,
}

type loggerMgr struct {
	sync.Mutex
	offset   int
	minLevel LogLevel
}

func (l *loggerMgr) GetLogger(name string) Logger {
	return &loggerImpl{name: name}
}

func (l *loggerMgr) Emit(status LogLevel, name string, message string, interpolations ...any) {
	l.Lock()
	defer l.Unlock()
	if status < l.minLevel {
		return
	}

	l.setNameOffset(len(name))
	padding := strings.Repeat(" ", l.offset-len(name))
	msg := fmt.Sprintf("[%s] %s(%s) %s", name, padding, status, fmt.Sprintf(message, interpolations...))

	status.Color().Print(msg)
}

func (l *loggerMgr) setNameOffset(offset int) {
	if offset > l.offset {
		l.offset = offset
	}
}

// SetMinLoggingLevel changes the level below which messages are dropped.
func SetMinLoggingLevel(level int) {
	if mgr, ok := Log.(*loggerMgr); ok {
		mgr.Lock()
		mgr.minLevel = LogLevel(level)
		mgr.Unlock()
	}
}

func Get(name string) Logger {
	return Log.GetLogger(name)
}

func ensureNewline(m string) string {
	if strings.HasSuffix(m, "\n") {
		return m
	}

	return m + "\n"
}
