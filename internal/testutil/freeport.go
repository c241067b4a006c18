// Package testutil provides collision-free port allocation for
// integration tests, mirroring the teacher's own dual freeport
// implementation and USE_OLD_FREEPORT toggle.
package testutil

import (
	"fmt"
	"os"
	"strconv"

	oldfreeport "github.com/phayes/freeport"
	freeport "github.com/slimsag/freeport"
)

// FreePort returns a single free TCP port.
func FreePort() (int, error) {
	if v, _ := strconv.ParseBool(os.Getenv("USE_OLD_FREEPORT")); v {
		return oldfreeport.GetFreePort()
	}
	return freeport.GetFreePort()
}

// FreePortRange returns n consecutive free ports suitable for use as a
// ScalingConfig basePort range, by probing for a free port and then
// verifying the following n-1 ports are also free. It retries a bounded
// number of times before giving up, since adjacency isn't guaranteed by
// a single freeport call.
func FreePortRange(n int) (basePort int, err error) {
	const attempts = 50
	for i := 0; i < attempts; i++ {
		candidate, err := FreePort()
		if err != nil {
			return 0, err
		}
		if rangeFree(candidate, n) {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("testutil: could not find %d consecutive free ports after %d attempts", n, attempts)
}

func rangeFree(base, n int) bool {
	for i := 0; i < n; i++ {
		if !portFree(base + i) {
			return false
		}
	}
	return true
}
