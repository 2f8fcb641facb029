package tftp

import (
	"os"

	"github.com/sirupsen/logrus"
)

// EnvLogLevel is the environment variable NewLogger reads its level from,
// the Go-idiomatic analogue of a Rust binary's RUST_LOG: unset or
// unrecognized values default to info.
const EnvLogLevel = "TFTP_LOG"

// NewLogger builds a component-scoped logrus entry, level controlled by
// TFTP_LOG. component labels every line (e.g. "client", "server") so a
// process driving both sides of a transfer can still tell them apart.
func NewLogger(component string) *logrus.Entry {
	level, err := logrus.ParseLevel(os.Getenv(EnvLogLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l.WithField("component", component)
}
