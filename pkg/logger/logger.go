package logger

import "github.com/sirupsen/logrus"

func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("unknown log level %q, using debug", level)
		lvl = logrus.DebugLevel
	}
	log.SetLevel(lvl)
	return log
}
