// Package eventfd provides the kick and call doorbells used between a ring's
// driver and device, and an epoll waiter a device loop sleeps on.
package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking eventfd counter.
type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// Kick adds one to the counter. A saturated counter already has a pending
// wakeup so EAGAIN is not an error.
func (e *EventFD) Kick() error {
	binary.NativeEndian.PutUint64(e.buf[:], 1)
	_, err := unix.Write(e.fd, e.buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("failed to signal eventfd: %w", err)
	}
	return nil
}

// Drain resets the counter and returns its previous value, zero if nothing
// was pending.
func (e *EventFD) Drain() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read eventfd: %w", err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (e *EventFD) FD() int {
	return e.fd
}

func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

// Epoll waits for any of a set of descriptors to become readable.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll: %w", err)
	}
	return &Epoll{fd: fd, events: make([]unix.EpollEvent, 4)}, nil
}

func (ep *Epoll) Add(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("failed to add fd %d to epoll: %w", fd, err)
	}
	return nil
}

// Wait blocks until a registered descriptor is readable or timeout passes and
// returns the number of ready descriptors. A negative timeout waits forever.
// An interrupted wait reports zero ready descriptors.
func (ep *Epoll) Wait(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	n, err := unix.EpollWait(ep.fd, ep.events, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return -1, fmt.Errorf("epoll wait failed: %w", err)
	}
	return n, nil
}

// Ready returns the descriptors reported by the last Wait.
func (ep *Epoll) Ready(n int) []int {
	fds := make([]int, 0, n)
	for _, ev := range ep.events[:n] {
		fds = append(fds, int(ev.Fd))
	}
	return fds
}

func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	err := unix.Close(ep.fd)
	ep.fd = -1
	return err
}
