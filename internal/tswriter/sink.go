package tswriter

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/net/ipv4"

	"github.com/tswrite/tswrite/internal/tspcr"
)

// SinkKind selects the wire/file destination variant from spec.md §3/§4.4.
type SinkKind int

const (
	SinkStdout SinkKind = iota
	SinkFile
	SinkTCP
	SinkUDP
)

func (k SinkKind) String() string {
	switch k {
	case SinkStdout:
		return "stdout"
	case SinkFile:
		return "file"
	case SinkTCP:
		return "tcp"
	case SinkUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Sink is the write destination contract from spec.md §4.4. Send delivers
// one item's payload (always starting with the 0x47 sync byte; the pacer
// enforces this before calling Send). A short write on a non-UDP sink is an
// error; UDP send failures are the caller's (pacer's) responsibility to
// treat as non-fatal per spec.md §7.
type Sink interface {
	Kind() SinkKind
	Send(payload []byte) error
	Close() error
}

// OpenOptions configures sink construction (spec.md §6 "open(how, name,
// multicast_if?, port?)").
type OpenOptions struct {
	Kind         SinkKind
	Path         string // file path for SinkFile
	Addr         string // host:port for SinkTCP/SinkUDP
	MulticastIF  string // optional local IP of the interface to send multicast from
	MulticastTTL int    // default 5, per spec.md §4.4

	// Inspect splices a tspcr.Inspector onto the sink's actual output, per
	// spec.md §4.6: it observes exactly the bytes handed to Send, which for
	// a tcp/udp sink includes only what the wire write succeeded in sending,
	// not what the producer ingested upstream.
	Inspect bool
}

// Open constructs a Sink per OpenOptions. UDP destinations in 224.0.0.0/4
// (class D) are configured for multicast: IP_MULTICAST_TTL=5 (or
// opts.MulticastTTL if set) and, if opts.MulticastIF is non-empty,
// IP_MULTICAST_IF. The socket is then connect()ed so Send behaves like a
// stream write syntactically, per spec.md §4.4.
func Open(opts OpenOptions) (Sink, error) {
	switch opts.Kind {
	case SinkStdout:
		var dst io.Writer = os.Stdout
		var insp io.Closer
		if opts.Inspect {
			ww := tspcr.Wrap(dst, "stdout", tspcr.DefaultMaxPackets)
			dst, insp = ww, ww
		}
		return &streamSink{kind: SinkStdout, w: bufio.NewWriterSize(dst, 64*1024), closer: insp}, nil

	case SinkFile:
		f, err := os.Create(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: open file: %v", ErrFatalSetup, err)
		}
		var dst io.Writer = f
		closer := io.Closer(f)
		if opts.Inspect {
			ww := tspcr.Wrap(dst, "file:"+opts.Path, tspcr.DefaultMaxPackets)
			dst = ww
			closer = multiCloser{f, ww}
		}
		return &streamSink{kind: SinkFile, w: bufio.NewWriterSize(dst, 64*1024), closer: closer}, nil

	case SinkTCP:
		conn, err := net.Dial("tcp", opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: dial tcp: %v", ErrFatalSetup, err)
		}
		s := &tcpSink{conn: conn, w: conn}
		if opts.Inspect {
			ww := tspcr.Wrap(conn, "tcp:"+opts.Addr, tspcr.DefaultMaxPackets)
			s.w, s.insp = ww, ww
		}
		return s, nil

	case SinkUDP:
		raddr, err := net.ResolveUDPAddr("udp4", opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve udp addr: %v", ErrFatalSetup, err)
		}
		// connect() first per spec.md §4.4 ("then connect() to fix the
		// peer so subsequent send() behaves like TCP syntactically"), then
		// layer multicast options on the same fd.
		conn, err := net.DialUDP("udp4", nil, raddr)
		if err != nil {
			return nil, fmt.Errorf("%w: connect udp: %v", ErrFatalSetup, err)
		}
		if raddr.IP.IsMulticast() {
			pc := ipv4.NewPacketConn(conn)
			ttl := opts.MulticastTTL
			if ttl <= 0 {
				ttl = 5
			}
			if err := pc.SetMulticastTTL(ttl); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%w: set multicast ttl: %v", ErrFatalSetup, err)
			}
			if opts.MulticastIF != "" {
				if iface, err := interfaceForIP(opts.MulticastIF); err == nil {
					_ = pc.SetMulticastInterface(iface)
				}
			}
		}
		s := &udpSink{conn: conn, w: conn}
		if opts.Inspect {
			ww := tspcr.Wrap(conn, "udp:"+opts.Addr, tspcr.DefaultMaxPackets)
			s.w, s.insp = ww, ww
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown sink kind %v", ErrFatalSetup, opts.Kind)
}

// multiCloser closes every closer in order, returning the first error.
type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func interfaceForIP(ip string) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.String() == ip {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface with address %s", ip)
}

// streamSink backs Stdout and File: a buffered, unconditional write where
// any short write is treated as an error (spec.md §4.4).
type streamSink struct {
	kind   SinkKind
	w      *bufio.Writer
	closer io.Closer
}

func (s *streamSink) Kind() SinkKind { return s.kind }

func (s *streamSink) Send(payload []byte) error {
	n, err := s.w.Write(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWriteFailure, err)
	}
	if n != len(payload) {
		return fmt.Errorf("%w: short write %d/%d", ErrSinkWriteFailure, n, len(payload))
	}
	return s.w.Flush()
}

func (s *streamSink) Close() error {
	err := s.w.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// tcpSink wraps a stream connection. Send loops on partial writes
// (spec.md §4.3 "WRITE: perform a possibly-partial send; loop until all
// bytes are written"). w is conn itself, or conn wrapped by a tspcr
// inspector when OpenOptions.Inspect is set; insp is non-nil only in the
// latter case, closed separately from the connection.
type tcpSink struct {
	conn net.Conn
	w    io.Writer
	insp io.Closer
}

func (s *tcpSink) Kind() SinkKind { return SinkTCP }

func (s *tcpSink) Send(payload []byte) error {
	start := 0
	for start < len(payload) {
		n, err := s.w.Write(payload[start:])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSinkWriteFailure, err)
		}
		start += n
	}
	return nil
}

func (s *tcpSink) Close() error {
	err := s.conn.Close()
	if s.insp != nil {
		if ierr := s.insp.Close(); err == nil {
			err = ierr
		}
	}
	return err
}

// udpSink wraps a connected UDP socket. Failures here are reported to the
// caller; per spec.md §7 it is the pacer's job to treat them as non-fatal.
// w/insp follow the same inspector-splice convention as tcpSink.
type udpSink struct {
	conn *net.UDPConn
	w    io.Writer
	insp io.Closer
}

func (s *udpSink) Kind() SinkKind { return SinkUDP }

func (s *udpSink) Send(payload []byte) error {
	n, err := s.w.Write(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWriteFailure, err)
	}
	if n != len(payload) {
		return fmt.Errorf("%w: short datagram write %d/%d", ErrSinkWriteFailure, n, len(payload))
	}
	return nil
}

func (s *udpSink) Close() error {
	err := s.conn.Close()
	if s.insp != nil {
		if ierr := s.insp.Close(); err == nil {
			err = ierr
		}
	}
	return err
}
