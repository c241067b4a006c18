// Package hostname derives a stable hostname for log resources.
package hostname

import "os"

var envHostname = os.Getenv("HOSTNAME")

// Get returns the `HOSTNAME` env var if set, else falls back to os.Hostname().
func Get() string {
	if envHostname != "" {
		return envHostname
	}
	h, _ := os.Hostname()
	return h
}
