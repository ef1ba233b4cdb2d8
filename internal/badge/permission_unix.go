//go:build unix

package badge

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// FileAccessAuthorizer checks read/write access to the device node.
type FileAccessAuthorizer struct{}

// Granted is false only when the OS refuses access; a missing node is left
// for open to report.
func (FileAccessAuthorizer) Granted(dev Device) bool {
	err := unix.Access(dev.Name, unix.R_OK|unix.W_OK)
	return !errors.Is(err, unix.EACCES) && !errors.Is(err, unix.EPERM)
}

// Request re-checks access once. There is no consent prompt on unix hosts,
// so the answer only changes if group membership was fixed meanwhile.
func (a FileAccessAuthorizer) Request(_ context.Context, dev Device) <-chan bool {
	log.Warn().
		Str("port", dev.Name).
		Msg("no read/write access to serial device, add your user to its group (usually dialout or uucp)")
	ch := make(chan bool, 1)
	ch <- a.Granted(dev)
	return ch
}

func defaultAuthorizer() Authorizer {
	return FileAccessAuthorizer{}
}
