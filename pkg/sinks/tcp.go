package sinks

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wparse/pkg/sinkcoord"
)

// TCPConfig is the Fixed backend configuration for `backend = "tcp"` sink
// groups: newline-delimited records to a remote collector.
type TCPConfig struct {
	Address        string `toml:"address"`
	DialTimeoutMS  int    `toml:"dial_timeout_ms"`
	WriteTimeoutMS int    `toml:"write_timeout_ms"`
	Backoff        string `toml:"backoff"` // "adaptive" (default) | "fixed" | "off"
	FixedSleepMS   int    `toml:"fixed_sleep_ms"`
}

// TCPSink writes one line per unit to a TCP endpoint, pacing writes with
// a kernel send-queue watermark governor so a slow peer backs pressure up
// into the pipeline instead of ballooning the socket buffer.
type TCPSink struct {
	cfg TCPConfig
	log *logrus.Entry

	mu       sync.Mutex
	conn     *net.TCPConn
	governor *sinkcoord.TCPWriteGovernor
}

func NewTCPSink(cfg TCPConfig, log *logrus.Entry) (*TCPSink, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("tcp sink: address is required")
	}
	if cfg.DialTimeoutMS <= 0 {
		cfg.DialTimeoutMS = 3000
	}
	if cfg.WriteTimeoutMS <= 0 {
		cfg.WriteTimeoutMS = 5000
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &TCPSink{cfg: cfg, log: log.WithField("sink", "tcp")}
	switch cfg.Backoff {
	case "off":
	case "fixed":
		sleep := time.Duration(cfg.FixedSleepMS) * time.Millisecond
		s.governor = sinkcoord.NewTCPWriteGovernor(sinkcoord.TCPBackoffConfig{
			Mode: sinkcoord.BackoffFixed,
			FixedSleep: func(pct int) time.Duration {
				if pct >= 80 {
					return sleep
				}
				return 0
			},
		})
	default:
		s.governor = sinkcoord.NewTCPWriteGovernor(sinkcoord.TCPBackoffConfig{Mode: sinkcoord.BackoffAdaptive})
	}
	return s, nil
}

func (s *TCPSink) dialLocked() error {
	if s.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", s.cfg.Address, time.Duration(s.cfg.DialTimeoutMS)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("tcp sink: dial %s: %w", s.cfg.Address, err)
	}
	s.conn = conn.(*net.TCPConn)
	return nil
}

func (s *TCPSink) line(u sinkcoord.SinkUnit) ([]byte, error) {
	if u.Record != nil {
		data, err := json.Marshal(u.Record)
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return append(append([]byte{}, u.Raw...), '\n'), nil
}

func (s *TCPSink) TrySend(u sinkcoord.SinkUnit) (sinkcoord.TrySendStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dialLocked(); err != nil {
		return sinkcoord.SendErr, err
	}
	data, err := s.line(u)
	if err != nil {
		return sinkcoord.SendErr, err
	}

	if s.governor != nil {
		if pause := s.governor.BeforeWrite(s.conn, len(data)); pause > 0 {
			time.Sleep(pause)
		}
	}

	s.conn.SetWriteDeadline(time.Now().Add(time.Duration(s.cfg.WriteTimeoutMS) * time.Millisecond))
	if _, err := s.conn.Write(data); err != nil {
		s.conn.Close()
		s.conn = nil
		return sinkcoord.SendErr, fmt.Errorf("tcp sink: write: %w", err)
	}
	return sinkcoord.Sended, nil
}

func (s *TCPSink) SendBatch(units []sinkcoord.SinkUnit) error {
	for _, u := range units {
		if _, err := s.TrySend(u); err != nil {
			return err
		}
	}
	return nil
}

func (s *TCPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
