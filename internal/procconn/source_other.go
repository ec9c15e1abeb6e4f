//go:build !linux

package procconn

import "context"

// Run reports ErrUnsupported.
func (s *Source) Run(context.Context) error {
	return ErrUnsupported
}
