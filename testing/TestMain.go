// Package testing flags the process as running under test. Test packages
// import it for its side effect.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		if os.Getenv("ACADLEDGER_TEST_MODE") == "" {
			_ = os.Setenv("ACADLEDGER_TEST_MODE", "1")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
