// Package sources implements the picker-facing pipeline.Source connectors
// declared in wpsrc.toml: file, docker, and syslog. Each exposes the
// pull-based Start/TryReceive/Receive/Key contract the picker drives.
package sources

import (
	"io"
	"sync"
	"time"

	"github.com/nxadm/tail"
	"github.com/sirupsen/logrus"

	"wparse/pkg/actor"
	"wparse/pkg/types"
)

// FileSourceConfig configures one tailed file.
type FileSourceConfig struct {
	SrcKey       string `toml:"src_key"`
	Path         string `toml:"path"`
	FromBeginning bool  `toml:"from_beginning"`
	Poll         bool   `toml:"poll"` // force stat-based polling instead of inotify
}

// FileSource tails one file with nxadm/tail (Follow/ReOpen, optional
// Poll) and buffers lines into SourceEvents for the picker.
type FileSource struct {
	cfg FileSourceConfig
	log *logrus.Entry

	tailer *tail.Tail

	mu     sync.Mutex
	buf    []types.SourceEvent
	closed bool
	err    error
}

func NewFileSource(cfg FileSourceConfig, log *logrus.Entry) *FileSource {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FileSource{cfg: cfg, log: log.WithField("source", "file").WithField("path", cfg.Path)}
}

func (s *FileSource) Key() string { return s.cfg.SrcKey }

// Start opens the tail (from_beginning seeks to file start, otherwise to
// end) and begins draining tail.Lines into the internal buffer until ctrl
// signals stop.
func (s *FileSource) Start(ctrl <-chan actor.ActorCtrlCmd) error {
	seek := &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	if s.cfg.FromBeginning {
		seek = &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}

	t, err := tail.TailFile(s.cfg.Path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     s.cfg.Poll,
		Location: seek,
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return err
	}
	s.tailer = t

	ctrlr := actor.NewController(s.Key(), ctrl)
	go func() {
		for line := range t.Lines {
			if halt, _ := ctrlr.Poll(); halt {
				t.Stop()
				return
			}
			if line.Err != nil {
				s.mu.Lock()
				s.err = line.Err
				s.mu.Unlock()
				continue
			}
			ev := types.NewSourceEvent(s.cfg.SrcKey, types.StringPayload(line.Text), nil)
			s.mu.Lock()
			s.buf = append(s.buf, ev)
			s.mu.Unlock()
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}()
	return nil
}

func (s *FileSource) TryReceive() (types.SourceBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil, false
	}
	batch := types.SourceBatch(s.buf)
	s.buf = nil
	return batch, true
}

func (s *FileSource) Receive(timeout time.Duration) (types.SourceBatch, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if batch, ok := s.TryReceive(); ok {
			return batch, false, nil
		}
		s.mu.Lock()
		closed, err := s.closed, s.err
		s.err = nil
		s.mu.Unlock()
		if closed {
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops the tailer.
func (s *FileSource) Close() error {
	if s.tailer == nil {
		return nil
	}
	return s.tailer.Stop()
}

