//go:build linux

package tcpagent

import (
	"golang.org/x/sys/unix"
)

// epollPoller wraps one Linux epoll instance. wait runs on the owning
// worker goroutine, while add/modify/del may be called from other
// goroutines at the same time (epoll_ctl is safe alongside
// epoll_wait); see dispatcher.go for who calls what.
type epollPoller struct {
	epfd int
}

func newPoller() (*epollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: fd}, nil
}

func (p *epollPoller) add(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (p *epollPoller) modify(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (p *epollPoller) del(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks until at least one event fires or the timeout (ms,
// -1 = forever) elapses, filling out from its start and returning the
// slice used (out is reused across calls to avoid per-wait allocation).
func (p *epollPoller) wait(out []unix.EpollEvent, timeoutMs int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(p.epfd, out[:cap(out)], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return out[:0], nil
		}
		return nil, err
	}
	return out[:n], nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}

// newEventfd creates a non-blocking eventfd used as a worker's
// cross-thread wakeup/command descriptor.
func newEventfd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

func eventfdSignal(fd int) error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(fd, buf[:])
	if err == unix.EAGAIN {
		return nil // already signalled, counter saturated is fine
	}
	return err
}

func eventfdDrain(fd int) error {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// newTimerfd creates a Linux timerfd that fires every intervalMs,
// registered like any other readable fd.
func newTimerfd(intervalMs int) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return -1, err
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(int64(intervalMs) * int64(1e6)),
		Value:    unix.NsecToTimespec(int64(intervalMs) * int64(1e6)),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func timerfdDrain(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

const (
	evRead  = unix.EPOLLIN
	evWrite = unix.EPOLLOUT
	evErr   = unix.EPOLLERR
	evHup   = unix.EPOLLHUP | unix.EPOLLRDHUP
	evET    = unix.EPOLLET
)
