// Package nlog configures the node's structured logger. Every subsystem
// pulls its logger from here rather than calling logrus's package-level
// functions directly, so a single place controls level and formatting.
package nlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus.Logger configured for the node. debug raises the
// level and switches to the text formatter with full timestamps; the
// default is JSON, suited to log aggregation in a permissioned deployment.
func New(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if debug {
		log.SetLevel(logrus.DebugLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return log
	}

	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.JSONFormatter{})
	return log
}

// Component returns a child logger tagged with the subsystem name, the
// pattern every package in this repo uses to identify its log lines.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
