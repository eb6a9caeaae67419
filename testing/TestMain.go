// Package testing puts the process in test mode. Blank-import it from test files.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

const (
	testModeEnv    = "GLIDER_TEST_MODE"
	integrationEnv = "GLIDER_INTEGRATION"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv(testModeEnv, "1")
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}

// RequireIntegration skips t unless GLIDER_INTEGRATION=1, which opts into tests that start containers.
func RequireIntegration(t stdtesting.TB) {
	t.Helper()
	if os.Getenv(integrationEnv) != "1" {
		t.Skip("set " + integrationEnv + "=1 to run integration tests")
	}
}
