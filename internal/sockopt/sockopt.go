// Package sockopt holds platform specific socket setup for the discovery
// listeners.
package sockopt

import "net"

// ListenConfig returns a ListenConfig with the platform's socket options
// applied at bind time.
func ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: control}
}
