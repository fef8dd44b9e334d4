package env

import (
	"os"
	"strings"
)

// Prefix namespaces every variable read by the service.
const Prefix = "VEHICLEHEALTH_"

// Get returns the value of the prefixed environment variable, then the bare
// variable, or the fallback when neither is set.
func Get(key, fallback string) string {
	if !strings.HasPrefix(key, Prefix) {
		if val := os.Getenv(Prefix + key); val != "" {
			return val
		}
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
