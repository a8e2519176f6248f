// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"github.com/sirupsen/logrus"

	plogrus "perun.network/go-perun/log/logrus"
)

// SetupLogging installs a logrus logger with the given level as the
// logger of all packages.
func SetupLogging(level logrus.Level) {
	plogrus.Set(level, &logrus.TextFormatter{FullTimestamp: true})
}

// ParseLevel parses a level name such as "debug" for SetupLogging.
func ParseLevel(name string) (logrus.Level, error) {
	return logrus.ParseLevel(name)
}
