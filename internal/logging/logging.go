package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Setup builds the process logger: console output always, plus an optional
// logfile with millisecond timestamps (attempt timing only makes sense at
// sub-second resolution).
func Setup(level, logFile string) *logrus.Logger {
	log := logrus.New()

	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	log.SetLevel(lv)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.WithError(err).Warn("cannot open log file, console only")
		} else {
			log.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}
	return log
}
