package loader

import "github.com/sirupsen/logrus"

// disableLogging quiets the package's normal Infof-per-fragment and
// Infof-per-step logging during test runs, matching the teacher's
// sim/main_test.go pattern of dropping to WarnLevel unless a developer
// is actively debugging (DEBUG_TESTS=1).
func disableLogging() {
	logrus.SetLevel(logrus.WarnLevel)
}
