package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"layeh.com/radius"
)

// ConnConfig describes how to reach the server.
type ConnConfig struct {
	Network   string // "udp" or "tcp"
	Server    string // host:port
	Source    string // optional local [ip]:port
	IPVersion int    // 0 (any), 4 or 6
	TOS       int    // IPv4 TOS / IPv6 traffic class, -1 leaves the default
	InboxSize int    // buffered replies awaiting the engine
}

// DefaultConnConfig returns a UDP configuration for server.
func DefaultConnConfig(server string) ConnConfig {
	return ConnConfig{
		Network:   "udp",
		Server:    server,
		TOS:       -1,
		InboxSize: 512,
	}
}

// Conn is a client socket shared by every request of a run. A single
// reader goroutine (Serve) moves frames into an inbox; everything else is
// called from the dispatcher goroutine.
type Conn struct {
	conn   net.Conn
	stream bool
	logger *zap.Logger

	inbox    chan []byte
	readable chan struct{}
	errs     chan error

	closeOnce sync.Once
}

// Dial opens the client socket.
func Dial(ctx context.Context, cfg ConnConfig, logger *zap.Logger) (*Conn, error) {
	network, err := dialNetwork(cfg.Network, cfg.IPVersion)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: 5 * time.Second}
	if cfg.Source != "" {
		local, err := resolveLocal(network, cfg.Source)
		if err != nil {
			return nil, err
		}
		d.LocalAddr = local
	}

	c, err := d.DialContext(ctx, network, cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, cfg.Server, err)
	}

	if cfg.TOS >= 0 {
		if err := setTOS(c, cfg.TOS); err != nil {
			c.Close()
			return nil, err
		}
	}

	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = 512
	}

	logger.Debug("Connected to RADIUS server",
		zap.String("network", network),
		zap.Stringer("local", c.LocalAddr()),
		zap.Stringer("remote", c.RemoteAddr()))

	return &Conn{
		conn:     c,
		stream:   strings.HasPrefix(network, "tcp"),
		logger:   logger,
		inbox:    make(chan []byte, inboxSize),
		readable: make(chan struct{}, 1),
		errs:     make(chan error, 1),
	}, nil
}

func dialNetwork(network string, version int) (string, error) {
	switch network {
	case "", "udp":
		network = "udp"
	case "tcp":
	default:
		return "", fmt.Errorf("unsupported transport %q", network)
	}

	switch version {
	case 0:
		return network, nil
	case 4, 6:
		return fmt.Sprintf("%s%d", network, version), nil
	default:
		return "", fmt.Errorf("unsupported IP version %d", version)
	}
}

func resolveLocal(network, source string) (net.Addr, error) {
	source = normalizeSource(source)

	if strings.HasPrefix(network, "tcp") {
		addr, err := net.ResolveTCPAddr(network, source)
		if err != nil {
			return nil, fmt.Errorf("resolve source address %q: %w", source, err)
		}
		return addr, nil
	}

	addr, err := net.ResolveUDPAddr(network, source)
	if err != nil {
		return nil, fmt.Errorf("resolve source address %q: %w", source, err)
	}
	return addr, nil
}

// normalizeSource accepts "port", "ip", "ip:port" and "[ip6]:port".
func normalizeSource(s string) string {
	if _, err := strconv.Atoi(s); err == nil {
		return ":" + s
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(strings.Trim(s, "[]"), "0")
}

func setTOS(c net.Conn, tos int) error {
	var ip net.IP
	switch addr := c.RemoteAddr().(type) {
	case *net.UDPAddr:
		ip = addr.IP
	case *net.TCPAddr:
		ip = addr.IP
	}

	if ip.To4() != nil {
		if err := ipv4.NewConn(c).SetTOS(tos); err != nil {
			return fmt.Errorf("set IPv4 TOS: %w", err)
		}
		return nil
	}
	if err := ipv6.NewConn(c).SetTrafficClass(tos); err != nil {
		return fmt.Errorf("set IPv6 traffic class: %w", err)
	}
	return nil
}

// LocalAddr returns the bound local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the server address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Serve reads frames until ctx is cancelled or the socket fails. A socket
// failure is also delivered on Errors. Cancellation returns nil.
func (c *Conn) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, MaxPacketLen)
	for {
		frame, err := c.readFrame(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if c.refused(err) {
				continue
			}
			err = fmt.Errorf("read from %s: %w", c.conn.RemoteAddr(), err)
			select {
			case c.errs <- err:
			default:
			}
			return err
		}
		if frame == nil {
			continue
		}

		select {
		case c.inbox <- frame:
		case <-ctx.Done():
			return nil
		}

		select {
		case c.readable <- struct{}{}:
		default:
		}
	}
}

// readFrame returns a copy of the next frame, or nil for a datagram too
// short to carry a header.
func (c *Conn) readFrame(buf []byte) ([]byte, error) {
	if !c.stream {
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if n < HeaderLen {
			c.logger.Debug("Discarding short datagram", zap.Int("length", n))
			return nil, nil
		}
		if l := FrameLen(buf[:n]); l >= HeaderLen && l < n {
			n = l
		}
		return append([]byte(nil), buf[:n]...), nil
	}

	if _, err := io.ReadFull(c.conn, buf[:HeaderLen]); err != nil {
		return nil, err
	}
	l := FrameLen(buf)
	if l < HeaderLen || l > MaxPacketLen {
		return nil, fmt.Errorf("invalid frame length %d", l)
	}
	if _, err := io.ReadFull(c.conn, buf[HeaderLen:l]); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf[:l]...), nil
}

// Readable fires after new frames were queued.
func (c *Conn) Readable() <-chan struct{} {
	return c.readable
}

// Errors delivers the socket failure that stopped Serve.
func (c *Conn) Errors() <-chan error {
	return c.errs
}

// TryReceive pops the next queued frame without blocking.
func (c *Conn) TryReceive() (Reply, bool) {
	for {
		select {
		case frame := <-c.inbox:
			reply, err := Peek(frame)
			if err != nil {
				c.logger.Debug("Discarding frame", zap.Error(err))
				continue
			}
			return reply, true
		default:
			return Reply{}, false
		}
	}
}

// EncodeAndSend encodes pkt and writes it to the server, returning the
// bytes written. Encoding failures wrap ErrEncode; anything else is a
// transport failure.
func (c *Conn) EncodeAndSend(pkt *radius.Packet) ([]byte, error) {
	b, err := Encode(pkt)
	if err != nil {
		return nil, err
	}
	if err := c.Send(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Send writes one encoded packet.
func (c *Conn) Send(b []byte) error {
	if _, err := c.conn.Write(b); err != nil {
		if c.refused(err) {
			return nil
		}
		return fmt.Errorf("write to %s: %w", c.conn.RemoteAddr(), err)
	}
	return nil
}

// refused reports an ICMP port unreachable surfaced on a datagram socket.
// The request stays in flight and expires through the retry policy.
func (c *Conn) refused(err error) bool {
	if c.stream || !errors.Is(err, syscall.ECONNREFUSED) {
		return false
	}
	c.logger.Debug("Server port unreachable", zap.Stringer("server", c.conn.RemoteAddr()))
	return true
}

// Close closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
