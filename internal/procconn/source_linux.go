//go:build linux

package procconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// Run subscribes to process events and delivers them until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, _NETLINK_CONNECTOR)
	if err != nil {
		return fmt.Errorf("create netlink socket: %w (requires CAP_NET_ADMIN or root)", err)
	}
	defer func() {
		_ = unix.Close(fd) //nolint:errcheck // Socket is done either way
	}()

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: _CN_IDX_PROC}); err != nil {
		return fmt.Errorf("bind netlink socket: %w", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fmt.Errorf("netlink socket name: %w", err)
	}
	var portID uint32
	if nl, ok := sa.(*unix.SockaddrNetlink); ok {
		portID = nl.Pid
	}

	kernel := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: _CN_IDX_PROC}
	if err := unix.Sendto(fd, subscription(true, portID), 0, kernel); err != nil {
		return fmt.Errorf("subscribe to process events: %w", err)
	}
	defer func() {
		_ = unix.Sendto(fd, subscription(false, portID), 0, kernel) //nolint:errcheck // Socket closes right after
	}()

	// A receive timeout lets the loop observe ctx.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("set receive timeout: %w", err)
	}

	slog.Info("proc connector subscribed")

	buf := make([]byte, 4096)
	consecutiveErrors := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				consecutiveErrors = 0
				continue
			}
			if errors.Is(err, unix.ENOBUFS) {
				slog.Warn("proc connector overran, events lost")
				continue
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				return fmt.Errorf("reading proc connector: %w", err)
			}
			slog.Debug("error reading from netlink socket", "error", err)
			continue
		}
		consecutiveErrors = 0
		s.deliver(buf[:n])
	}
}
