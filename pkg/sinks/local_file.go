package sinks

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"wparse/pkg/sinkcoord"
)

// LocalFileConfig is the Fixed backend configuration for
// `backend = "local_file"` sink groups.
type LocalFileConfig struct {
	Directory    string `toml:"directory"`
	FilePrefix   string `toml:"file_prefix"`
	MaxSizeBytes int64  `toml:"max_size_bytes"`
	Compress     bool   `toml:"compress"`
}

// LocalFileSink appends one line per unit (a record as JSON, a raw payload
// as-is) to a size-rotated file, gzip-compressing each closed rotation
// when Compress is set.
type LocalFileSink struct {
	cfg LocalFileConfig
	log *logrus.Entry

	mu          sync.Mutex
	f           *os.File
	w           *bufio.Writer
	currentSize int64
	seq         int
	closed      bool
}

func NewLocalFileSink(cfg LocalFileConfig, log *logrus.Entry) (*LocalFileSink, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Directory == "" {
		return nil, fmt.Errorf("local file sink: no directory configured")
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = "wparse"
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 256 * 1024 * 1024
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("local file sink: mkdir: %w", err)
	}
	s := &LocalFileSink{cfg: cfg, log: log.WithField("sink", "local_file")}
	if err := s.openNext(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalFileSink) openNext() error {
	s.seq++
	name := fmt.Sprintf("%s-%s-%04d.log", s.cfg.FilePrefix, time.Now().Format("20060102-150405"), s.seq)
	path := filepath.Join(s.cfg.Directory, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("local file sink: open %s: %w", path, err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	s.currentSize = 0
	return nil
}

func (s *LocalFileSink) rotate() {
	prevPath := s.f.Name()
	s.w.Flush()
	s.f.Close()
	if s.cfg.Compress {
		go s.compress(prevPath)
	}
	if err := s.openNext(); err != nil {
		s.log.WithError(err).Error("local file sink: rotation failed")
	}
}

func (s *LocalFileSink) compress(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		os.Remove(path + ".gz")
		return
	}
	gw.Close()
	out.Close()
	os.Remove(path)
}

func (s *LocalFileSink) line(u sinkcoord.SinkUnit) ([]byte, error) {
	if u.Record != nil {
		return json.Marshal(u.Record)
	}
	return u.Raw, nil
}

func (s *LocalFileSink) writeLocked(u sinkcoord.SinkUnit) error {
	line, err := s.line(u)
	if err != nil {
		return err
	}
	n, err := s.w.Write(line)
	if err == nil {
		var nlErr error
		_, nlErr = s.w.WriteString("\n")
		if nlErr != nil {
			err = nlErr
		}
	}
	if err != nil {
		return fmt.Errorf("local file sink: write: %w", err)
	}
	s.currentSize += int64(n) + 1
	if s.currentSize >= s.cfg.MaxSizeBytes {
		s.rotate()
	}
	return nil
}

// TrySend never reports Fulfilled: a local disk write either succeeds or
// errors, it does not experience the channel-full backpressure state a
// network sink does.
func (s *LocalFileSink) TrySend(u sinkcoord.SinkUnit) (sinkcoord.TrySendStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sinkcoord.SendErr, fmt.Errorf("local file sink: closed")
	}
	if err := s.writeLocked(u); err != nil {
		return sinkcoord.SendErr, err
	}
	return sinkcoord.Sended, nil
}

func (s *LocalFileSink) SendBatch(units []sinkcoord.SinkUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("local file sink: closed")
	}
	for _, u := range units {
		if err := s.writeLocked(u); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

func (s *LocalFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.w.Flush()
	return s.f.Close()
}
