//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the loop notices shutdown; closing
// the epoll fd does not wake a blocked waiter.
const waitTimeoutMs = 500

// watchEvents registers interest one-shot: a reported fd stays disarmed
// until rearm, so a frame that takes a while to read does not keep waking
// epoll_wait.
const watchEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// poller wraps Linux epoll. Instead of a goroutine per connection, file
// descriptors are registered with the kernel and read only when ready.
type poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]net.Conn // fd -> net.Conn
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (p *poller) add(conn net.Conn, fd int) error {
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: watchEvents,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return nil
}

// rearm re-enables reporting for fd after a worker is done with it.
func (p *poller) rearm(fd int) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.conns[fd]; !ok {
		return nil
	}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: watchEvents,
		Fd:     int32(fd),
	})
}

func (p *poller) remove(fd int) {
	p.mu.Lock()
	_, ok := p.conns[fd]
	delete(p.conns, fd)
	p.mu.Unlock()
	if ok {
		_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	}
}

// wait returns the fds with pending data. Descriptors removed between
// epoll_wait returning and the lookup are skipped.
func (p *poller) wait() ([]int, error) {
	n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if _, ok := p.conns[fd]; ok {
			fds = append(fds, fd)
		}
	}
	p.mu.RUnlock()
	return fds, nil
}

// Close closes the epoll file descriptor.
func (p *poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = make(map[int]net.Conn)
	return unix.Close(p.fd)
}

func (s *Server) watch(c *Connection) error {
	return s.poller.add(c.Conn, c.Fd)
}

func (s *Server) unwatch(c *Connection) {
	if c.Fd >= 0 {
		s.poller.remove(c.Fd)
	}
}

// startReaders runs the epoll loop. Each ready connection is read by a
// worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startReaders() {
	go func() {
		for {
			select {
			case <-s.done:
				return
			default:
			}

			fds, err := s.poller.wait()
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				select {
				case <-s.done:
					return
				default:
				}
				log.Error().Str("component", "ws").Err(err).Msg("epoll wait failed")
				continue
			}

			for _, fd := range fds {
				c := s.conns.GetByFd(fd)
				if c == nil {
					continue
				}
				// A reused fd can be re-armed by a late worker of the
				// previous connection; never read one connection twice.
				if !c.processing.CompareAndSwap(false, true) {
					continue
				}

				s.workerPool <- struct{}{}
				go func() {
					defer func() { <-s.workerPool }()
					alive := s.readFrame(c, s.config.ReadTimeout)
					c.processing.Store(false)
					if !alive {
						return
					}
					if err := s.poller.rearm(c.Fd); err != nil {
						log.Debug().Str("component", "ws").Str("conn", c.ID).Err(err).Msg("rearm failed")
						s.RemoveConnection(c)
					}
				}()
			}
		}
	}()
}

// socketFD extracts the file descriptor from a net.Conn without dup'ing it,
// so the original fd stays valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
