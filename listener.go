package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"
)

// listener is the single-threaded owner of the accepting socket and every
// descriptor not currently being served. It multiplexes readiness over the
// descriptor set plus the self-pipe read end; a ready client descriptor is
// removed from the set before it is queued, so at most one request per
// descriptor is ever in flight.
type listener struct {
	srv       *Server
	acceptFD  fdConn
	set       map[int32]struct{} // client descriptors owned by the listener
	connCount int
}

// newListener binds and listens on the configured unix socket path. A stale
// socket file from a previous run is removed first.
func newListener(srv *Server) (*listener, error) {
	path := srv.cfg.UnixPath
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("listener: remove stale socket: %w", err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("listener: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: listen %s: %w", path, err)
	}

	return &listener{
		srv:      srv,
		acceptFD: fdConn(fd),
		set:      make(map[int32]struct{}),
	}, nil
}

// run is the listener main loop. It returns nil after TERMINATE; any other
// exit is an unrecoverable error the caller escalates.
func (l *listener) run() error {
	defer os.Remove(l.srv.cfg.UnixPath)

	pipeFD := l.srv.pipe.readFD()
	for {
		fds := make([]unix.PollFd, 0, len(l.set)+2)
		fds = append(fds,
			unix.PollFd{Fd: int32(l.acceptFD), Events: unix.POLLIN},
			unix.PollFd{Fd: pipeFD, Events: unix.POLLIN},
		)
		for fd := range l.set {
			fds = append(fds, unix.PollFd{Fd: fd, Events: unix.POLLIN})
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.closeAll()
			return fmt.Errorf("poll: %w", err)
		}

		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			switch pfd.Fd {
			case int32(l.acceptFD):
				if err := l.acceptOne(); err != nil {
					l.closeAll()
					return err
				}
			case pipeFD:
				done, err := l.handlePipe()
				if err != nil {
					l.closeAll()
					return err
				}
				if done {
					return nil
				}
			default:
				// A ready (or hung-up) client: hand it to the workers. The
				// worker discovers EOF itself and reports back CLOSE.
				delete(l.set, pfd.Fd)
				l.srv.queue.push(pfd.Fd)
			}
		}
	}
}

// acceptOne takes one pending connection. Under the connection cap the new
// descriptor gets the one-integer ack and joins the set; at the cap it is
// closed immediately without an ack.
func (l *listener) acceptOne() error {
	fd, _, err := unix.Accept(l.acceptFD.fd())
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}

	if l.connCount >= l.srv.cfg.MaxConnections {
		unix.Close(fd)
		log.Printf("[listener] connection cap %d reached, refusing fd %d",
			l.srv.cfg.MaxConnections, fd)
		return nil
	}

	if err := writeU32(fdConn(fd), 1); err != nil {
		if isPeerGone(err) {
			unix.Close(fd)
			return nil
		}
		unix.Close(fd)
		return fmt.Errorf("ack fd %d: %w", fd, err)
	}

	l.set[int32(fd)] = struct{}{}
	l.connCount++
	return nil
}

// handlePipe consumes one control record. done is true after TERMINATE.
func (l *listener) handlePipe() (done bool, err error) {
	fd, op, err := l.srv.pipe.read()
	if err != nil {
		return false, fmt.Errorf("self-pipe read: %w", err)
	}

	switch op {
	case pipeReadyAgain:
		l.set[fd] = struct{}{}
	case pipeClose:
		// Close only when the worker still owns the descriptor; a fd that
		// is somehow back in the set stays open.
		if _, armed := l.set[fd]; !armed {
			l.connCount--
			unix.Close(int(fd))
		}
	case pipeTerminate:
		l.closeAll()
		return true, nil
	default:
		return false, fmt.Errorf("self-pipe: unknown op %d", op)
	}
	return false, nil
}

// closeAll closes every owned descriptor except the self-pipe read end.
func (l *listener) closeAll() {
	for fd := range l.set {
		unix.Close(int(fd))
	}
	l.set = make(map[int32]struct{})
	l.acceptFD.Close()
}
