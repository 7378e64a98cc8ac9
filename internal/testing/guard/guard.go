// Package guard switches the binaries into test mode when imported. Tests
// that call a main function import it for its side effect.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("KTL_TEST_MODE") == "" {
			_ = os.Setenv("KTL_TEST_MODE", "1")
		}
	})
}
