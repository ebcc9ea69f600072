package sinkcoord

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wparse/pkg/types"
)

// RescueWriter is what a parser/sink worker calls when a unit cannot be
// delivered and must be durably persisted instead.
type RescueWriter interface {
	Write(sinkName string, u SinkUnit) error
}

// RescueFileWriter appends undelivered units to one `.dat` file per sink
// per rotation window. Rotated files keep their plain line format so the
// recovery picker can seek to a byte offset and resume mid-file; they are
// deleted by the recovery picker once fully replayed.
type RescueFileWriter struct {
	Root string

	mu      sync.Mutex
	current map[string]*rescueFile
	log     *logrus.Entry
}

type rescueFile struct {
	path     string
	lockPath string
	f        *os.File
	w        *bufio.Writer
	hourKey  string
}

func NewRescueFileWriter(root string, log *logrus.Entry) *RescueFileWriter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RescueFileWriter{Root: root, current: make(map[string]*rescueFile), log: log.WithField("component", "rescue")}
}

// Write serializes one unit as a rescue line and appends it to the
// sink's current-minute file, rotating if the minute has turned over
// since the last write; the prior file is closed uncompressed and its
// .lock companion removed.
func (r *RescueFileWriter) Write(sinkName string, u SinkUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	hourKey := now.Format("2006-01-02-15-04")
	rf, ok := r.current[sinkName]
	if !ok || rf.hourKey != hourKey {
		next, err := r.rotate(sinkName, rf, now, hourKey)
		if err != nil {
			return err
		}
		rf = next
		r.current[sinkName] = rf
	}

	line, err := encodeRescueLine(u)
	if err != nil {
		return err
	}
	if _, err := rf.w.WriteString(line); err != nil {
		return fmt.Errorf("rescue: write %s: %w", rf.path, err)
	}
	return rf.w.Flush()
}

func (r *RescueFileWriter) rotate(sinkName string, prev *rescueFile, now time.Time, hourKey string) (*rescueFile, error) {
	if prev != nil {
		prev.w.Flush()
		prev.f.Close()
		os.Remove(prev.lockPath)
	}

	dir := filepath.Join(r.Root, sinkName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rescue: mkdir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s-%s-%s.dat", sinkName, now.Format("2006-01-02"), now.Format("15-04-05"))
	path := filepath.Join(dir, name)
	lockPath := path + ".lock"

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rescue: open %s: %w", path, err)
	}
	if err := os.WriteFile(lockPath, []byte{}, 0o644); err != nil {
		r.log.WithError(err).Warn("rescue: failed to create lock companion")
	}
	return &rescueFile{path: path, lockPath: lockPath, f: f, w: bufio.NewWriter(f), hourKey: hourKey}, nil
}

// Close flushes and closes every open current file (shutdown path).
func (r *RescueFileWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rf := range r.current {
		rf.w.Flush()
		rf.f.Close()
		os.Remove(rf.lockPath)
	}
	r.current = make(map[string]*rescueFile)
	return nil
}

func encodeRescueLine(u SinkUnit) (string, error) {
	if u.Record != nil {
		data, err := json.Marshal(u.Record)
		if err != nil {
			return "", fmt.Errorf("rescue: marshal record: %w", err)
		}
		return "rec|" + string(data) + "\n", nil
	}
	return "raw|" + base64.StdEncoding.EncodeToString(u.Raw) + "\n", nil
}

// decodeRescueLine is the recovery picker's inverse of encodeRescueLine.
func decodeRescueLine(line string) (SinkUnit, error) {
	switch {
	case len(line) > 4 && line[:4] == "raw|":
		raw, err := base64.StdEncoding.DecodeString(line[4:])
		if err != nil {
			return SinkUnit{}, fmt.Errorf("rescue: decode raw: %w", err)
		}
		return SinkUnit{Raw: raw}, nil
	case len(line) > 4 && line[:4] == "rec|":
		var rec types.DataRecord
		if err := json.Unmarshal([]byte(line[4:]), &rec); err != nil {
			return SinkUnit{}, fmt.Errorf("rescue: decode record: %w", err)
		}
		return SinkUnit{Record: &rec}, nil
	default:
		return SinkUnit{}, fmt.Errorf("rescue: unrecognised line form")
	}
}

// DecodeRescueLine is exported for the recovery picker (pkg/pipeline),
// which lives in a different package to keep the Source/Picker contract
// out of sinkcoord.
func DecodeRescueLine(line string) (SinkUnit, error) { return decodeRescueLine(line) }
