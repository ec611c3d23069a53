package testutil

import (
	"context"
	"testing"
	"time"
)

// DefaultTimeout bounds tests that wait on goroutines or fake servers.
const DefaultTimeout = 5 * time.Second

// Context returns a context that expires after DefaultTimeout and is
// cancelled when the test ends, so a hung call fails instead of blocking
// the package.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	t.Cleanup(cancel)
	return ctx
}
