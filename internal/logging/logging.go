package logging

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	gosync "sync"

	"github.com/sirupsen/logrus"
)

// Component prefixes. Each component logs through its own logger so levels
// and output can be tuned without touching call sites.
const (
	LogMain    = "MA"
	LogManager = "PM"
	LogIMAP    = "IM"
	LogREST    = "RS"
	LogSync    = "SY"
	LogHTTP    = "HT"
)

var components = []string{LogMain, LogManager, LogIMAP, LogREST, LogSync, LogHTTP}

var (
	mu      gosync.Mutex
	loggers = make(map[string]*logrus.Logger)
	level   = logrus.InfoLevel
)

// PrefixFormatter prepends a fixed component prefix to every text entry.
type PrefixFormatter struct {
	formatter logrus.Formatter
	prefix    []byte
}

// NewPrefixFormatter builds a text formatter with short timestamps.
func NewPrefixFormatter(prefix string) *PrefixFormatter {
	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
		DisableColors:   strings.Contains(runtime.GOOS, "windows"),
	}
	return &PrefixFormatter{
		formatter: formatter,
		prefix:    []byte(fmt.Sprintf("%s:\t", prefix)),
	}
}

func (f *PrefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	text, err := f.formatter.Format(entry)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, f.prefix...), text...), nil
}

// ParseLevel maps a config string to a logrus level. Unknown values are Info.
func ParseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	}

	return logrus.InfoLevel
}

// Init (re)creates all component loggers at the given level.
func Init(loglevel string) {
	mu.Lock()
	defer mu.Unlock()

	level = ParseLevel(loglevel)
	for _, prefix := range components {
		loggers[prefix] = newLogger(prefix)
	}
}

// SetLevel changes the level of every logger created so far.
func SetLevel(loglevel string) {
	mu.Lock()
	defer mu.Unlock()

	level = ParseLevel(loglevel)
	for _, l := range loggers {
		l.SetLevel(level)
	}
}

// SetOutput redirects every component logger, mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	for _, prefix := range components {
		if _, ok := loggers[prefix]; !ok {
			loggers[prefix] = newLogger(prefix)
		}
		loggers[prefix].SetOutput(w)
	}
}

// Logger returns the logger for a component, creating it on first use.
func Logger(component string) *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()

	l, ok := loggers[component]
	if !ok {
		l = newLogger(component)
		loggers[component] = l
	}
	return l
}

func newLogger(prefix string) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(NewPrefixFormatter(prefix))
	return l
}
