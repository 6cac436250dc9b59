// Package requestid tags inbound requests with a correlation id.
package requestid

import "github.com/google/uuid"

// New returns a fresh correlation id for a request that arrived without one.
func New() string {
	return uuid.NewString()
}
