// Package logging wraps logrus with bae0net's default field set and
// file rotation via lumberjack, matching the teacher's package-level
// Debug/Info/Warn/Error/Fatal call-site shape but emitting structured
// fields instead of ANSI-colored strings (SPEC_FULL §10.1).
package logging

import (
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var base = logrus.New()

// Configure points the logger at level and, if path is non-empty, a
// rotating file sink instead of stderr.
func Configure(level, path string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	base.SetFormatter(&logrus.JSONFormatter{})
	if path != "" {
		base.SetOutput(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return nil
}

// Fields is an alias so callers don't need to import logrus directly.
type Fields = logrus.Fields

func Debug(msg string, fields Fields) { base.WithFields(fields).Debug(msg) }
func Info(msg string, fields Fields)  { base.WithFields(fields).Info(msg) }
func Warn(msg string, fields Fields)  { base.WithFields(fields).Warn(msg) }
func Error(msg string, fields Fields) { base.WithFields(fields).Error(msg) }
func Fatal(msg string, fields Fields) { base.WithFields(fields).Fatal(msg) }

// Section logs a startup/shutdown phase marker, the structured
// equivalent of the teacher's banner-print Section helper.
func Section(title string) {
	base.WithFields(Fields{"section": title}).Info("===")
}

// Logger returns the shared *logrus.Logger for components (e.g. an
// HTTP metrics server) that want to pass a stdlib-compatible logger
// down to a third-party library.
func Logger() *logrus.Logger { return base }
