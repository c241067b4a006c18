package testutil

import (
	"fmt"
	"net"
)

// portFree reports whether a TCP port is currently bindable.
func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
