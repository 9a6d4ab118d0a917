package bundle

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that no check or download goroutine outlives a build.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}
