//go:build linux

// Package poller wraps golang.org/x/sys/unix's epoll calls over the raw
// write-end descriptors of child stdin pipes — the direct idiomatic-Go
// analog of the original twitcher's select(2) loop, and of the self-pipe
// wake-up byte, which here is an eventfd instead.
package poller

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Poller multiplexes EPOLLOUT readiness across an arbitrary, changing set
// of file descriptors, plus an internal eventfd used to interrupt a wait
// in progress as soon as a new fd is registered (the original's
// self-pipe-after-exec rule).
type Poller struct {
	mu      sync.Mutex
	epfd    int
	eventfd int
}

// New creates the epoll instance and its wake-up eventfd.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "poller: epoll_create1")
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "poller: eventfd")
	}
	p := &Poller{epfd: epfd, eventfd: efd}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(efd),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(efd)
		return nil, errors.Wrap(err, "poller: registering wake eventfd")
	}
	return p, nil
}

// Register adds fd to the set watched for EPOLLOUT (write) readiness.
func (p *Poller) Register(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLOUT,
		Fd:     int32(fd),
	})
	if err != nil && err == unix.EEXIST {
		return nil
	}
	return errors.Wrapf(err, "poller: registering fd %d", fd)
}

// Unregister removes fd. It is not an error to unregister an fd that was
// already removed (e.g. because the kernel dropped it when it was
// closed).
func (p *Poller) Unregister(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && (err == unix.ENOENT || err == unix.EBADF) {
		return nil
	}
	return errors.Wrapf(err, "poller: unregistering fd %d", fd)
}

// Wait blocks until at least one registered fd is writable, the wake
// eventfd fires, or timeout elapses (the 60s safety tick from spec.md
// §4.4). EINTR is retried transparently, matching the "Interruption"
// rule; any other error is returned to the caller, who treats it as
// fatal to the loop.
func (p *Poller) Wait(timeout time.Duration) ([]int, error) {
	events := make([]unix.EpollEvent, 32)
	ms := int(timeout / time.Millisecond)

	for {
		n, err := unix.EpollWait(p.epfd, events, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, errors.Wrap(err, "poller: epoll_wait")
		}

		var ready []int
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.eventfd {
				p.drainWake()
				continue
			}
			ready = append(ready, fd)
		}
		return ready, nil
	}
}

func (p *Poller) drainWake() {
	var buf [8]byte
	unix.Read(p.eventfd, buf[:])
}

// Wake forces the next (or in-progress) Wait to return immediately,
// mirroring the original's "write a byte to the wake-up pipe after every
// exec" rule so newly registered descriptors are picked up without
// waiting out the rest of a 60s tick.
func (p *Poller) Wake() {
	var one [8]byte
	one[7] = 1
	unix.Write(p.eventfd, one[:])
}

// Close releases the epoll instance and the wake eventfd.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	unix.Close(p.eventfd)
	return unix.Close(p.epfd)
}
