package app

import (
	"os"
	"sync"
)

// TestModeEnv is set by the shared testing package so binaries skip their runtime.
const TestModeEnv = "GLIDER_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return os.Getenv(TestModeEnv) == "1"
})

// InTestMode reports whether the process runs under go test and should not start servers.
func InTestMode() bool {
	return testMode()
}
