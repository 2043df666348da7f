//go:build !linux

package ws

import "net"

// poller is a no-op on platforms without epoll: every connection is served
// by its own reader goroutine instead.
type poller struct{}

func newPoller() (*poller, error) { return &poller{}, nil }

func (p *poller) Close() error { return nil }

func (s *Server) watch(c *Connection) error {
	go func() {
		for {
			select {
			case <-s.done:
				return
			default:
			}
			if !s.readFrame(c, 0) {
				return
			}
		}
	}()
	return nil
}

// unwatch is a no-op; the reader goroutine exits when the socket closes.
func (s *Server) unwatch(*Connection) {}

func (s *Server) startReaders() {}

// socketFD reports no descriptor; connections are never looked up by fd.
func socketFD(net.Conn) int { return -1 }
