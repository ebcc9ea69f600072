package sources

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wparse/pkg/actor"
	"wparse/pkg/types"
)

// SyslogSourceConfig configures the UDP/TCP syslog connector. It follows
// the same Source-loop shape as FileSource/DockerSource.
type SyslogSourceConfig struct {
	SrcKey         string `toml:"src_key"`
	Protocol       string `toml:"protocol"` // UDP | TCP
	Port           int    `toml:"port"`     // 0 == OS-assigned
	StripHeader    bool   `toml:"strip_header"`
	AttachMetaTags bool   `toml:"attach_meta_tags"`
	FastStrip      bool   `toml:"fast_strip"`
	MaxLineBytes   int    `toml:"max_line_bytes"` // per-connection buffer bound, default 4096
}

// SyslogSource listens on a UDP or TCP port for syslog-framed messages.
type SyslogSource struct {
	cfg  SyslogSourceConfig
	log  *logrus.Entry

	udpConn *net.UDPConn
	tcpLn   net.Listener

	mu     sync.Mutex
	buf    []types.SourceEvent
	closed bool
}

func NewSyslogSource(cfg SyslogSourceConfig, log *logrus.Entry) *SyslogSource {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 4096
	}
	return &SyslogSource{cfg: cfg, log: log.WithField("source", "syslog").WithField("protocol", cfg.Protocol)}
}

func (s *SyslogSource) Key() string { return s.cfg.SrcKey }

func (s *SyslogSource) Start(ctrl <-chan actor.ActorCtrlCmd) error {
	ctrlr := actor.NewController(s.Key(), ctrl)

	switch strings.ToUpper(s.cfg.Protocol) {
	case "UDP":
		addr := &net.UDPAddr{Port: s.cfg.Port}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("syslog source: listen udp: %w", err)
		}
		s.udpConn = conn
		go s.runUDP(ctrlr)
	case "TCP":
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
		if err != nil {
			return fmt.Errorf("syslog source: listen tcp: %w", err)
		}
		s.tcpLn = ln
		go s.runTCP(ctrlr)
	default:
		return fmt.Errorf("syslog source: unknown protocol %q", s.cfg.Protocol)
	}
	return nil
}

func (s *SyslogSource) runUDP(ctrlr *actor.Controller) {
	buf := make([]byte, 64*1024)
	for {
		if halt, _ := ctrlr.Poll(); halt {
			s.udpConn.Close()
			s.markClosed()
			return
		}
		s.udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.markClosed()
			return
		}
		s.push(s.decode(string(buf[:n])))
	}
}

func (s *SyslogSource) runTCP(ctrlr *actor.Controller) {
	go func() {
		for {
			if halt, _ := ctrlr.Poll(); halt {
				s.tcpLn.Close()
				return
			}
			conn, err := s.tcpLn.Accept()
			if err != nil {
				return
			}
			go s.handleConn(conn)
		}
	}()
}

func (s *SyslogSource) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, s.cfg.MaxLineBytes), s.cfg.MaxLineBytes)
	for scanner.Scan() {
		s.push(s.decode(scanner.Text()))
	}
}

// decode applies optional strip_header transform: a minimal
// RFC3164-shaped "<PRI>TIMESTAMP HOST TAG: MSG" prefix strip, skipped
// entirely when fast_strip is set (best-effort, bytes-only scan).
func (s *SyslogSource) decode(line string) string {
	if !s.cfg.StripHeader {
		return line
	}
	if s.cfg.FastStrip {
		if i := strings.IndexByte(line, '>'); i >= 0 && i < 5 {
			return strings.TrimSpace(line[i+1:])
		}
		return line
	}
	if i := strings.Index(line, ": "); i >= 0 && i < 64 {
		return line[i+2:]
	}
	return line
}

func (s *SyslogSource) push(line string) {
	tags := map[string]string(nil)
	if s.cfg.AttachMetaTags {
		tags = map[string]string{"protocol": s.cfg.Protocol}
	}
	ev := types.NewSourceEvent(s.cfg.SrcKey, types.StringPayload(line), tags)
	s.mu.Lock()
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
}

func (s *SyslogSource) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *SyslogSource) TryReceive() (types.SourceBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil, false
	}
	batch := types.SourceBatch(s.buf)
	s.buf = nil
	return batch, true
}

func (s *SyslogSource) Receive(timeout time.Duration) (types.SourceBatch, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if batch, ok := s.TryReceive(); ok {
			return batch, false, nil
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, true, nil
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *SyslogSource) Close() error {
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	s.markClosed()
	return nil
}
