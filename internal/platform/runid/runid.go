// Package runid names one bootstrap invocation in logs, lock ownership and
// staging paths.
package runid

import "github.com/google/uuid"

func New() string {
	return uuid.NewString()
}
