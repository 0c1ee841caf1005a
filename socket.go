package tcpagent

import (
	"net"

	"golang.org/x/sys/unix"
)

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, nil
}

// newNonblockingSocket creates a non-blocking TCP socket, applies
// ReusePolicy/KeepAlive/NoDelay per Options, and optionally binds it to
// localAddr.
func newNonblockingSocket(family int, opts *Options, localAddr *net.TCPAddr) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, newErr("socket", KindSocketCreate, err)
	}

	switch opts.ReusePolicy {
	case ReuseAddr:
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	case ReusePort:
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	case ReuseAddrAndPort:
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}

	if opts.NoDelay {
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}

	if opts.KeepAliveTime > 0 {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(opts.KeepAliveTime.Seconds()))
		if opts.KeepAliveInterval > 0 {
			unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(opts.KeepAliveInterval.Seconds()))
		}
	}

	if localAddr != nil {
		sa, err := toSockaddr(localAddr)
		if err != nil {
			unix.Close(fd)
			return -1, newErr("bind", KindSocketBind, err)
		}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return -1, newErr("bind", KindSocketBind, err)
		}
	}

	return fd, nil
}

func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
