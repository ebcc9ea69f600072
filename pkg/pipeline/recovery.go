package pipeline

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"wparse/pkg/actor"
	"wparse/pkg/sinkcoord"
)

// RecoveryIdleTimeout is how long ActCovPicker waits with no rescue file
// found before exiting.
const RecoveryIdleTimeout = 30 * time.Second

// rescueNamePattern extracts a rescue file's sink name and embedded
// timestamp, e.g. "kafka-2024-01-02-03-04-05.dat".
var rescueNamePattern = regexp.MustCompile(`^(.+)-(\d{4}-\d{2}-\d{2})-(\d{2}-\d{2}-\d{2})\.dat$`)

type rescueFileRef struct {
	path    string
	sink    string
	ts      time.Time
}

// ActCovPicker is the sibling recovery worker: it reads
// completed (non-`.lock`-companioned) `.dat` files from the rescue
// directory in timestamp order, replaying each line to the sink resolved
// from the filename's sink-name prefix, and persists a per-file read
// offset so a restart resumes instead of redelivering a whole file.
type ActCovPicker struct {
	Root       string
	Alloc      *sinkcoord.ParserResAlloc
	Persist    OffsetStore

	watcher *fsnotify.Watcher
	log     *logrus.Entry
}

// OffsetStore persists per-file read offsets to rescue/recover.lock so
// replay resumes where the previous run stopped.
type OffsetStore interface {
	Load() (map[string]int64, error)
	Save(map[string]int64) error
}

func NewActCovPicker(root string, alloc *sinkcoord.ParserResAlloc, persist OffsetStore, log *logrus.Entry) *ActCovPicker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ActCovPicker{Root: root, Alloc: alloc, Persist: persist, log: log.WithField("component", "recovery")}
}

// Run scans for completed rescue files, replays them, and exits after
// RecoveryIdleTimeout passes with nothing to recover.
func (p *ActCovPicker) Run(ctrl <-chan actor.ActorCtrlCmd, stop <-chan struct{}) {
	ctrlr := actor.NewController("recovery", ctrl)

	offsets, err := p.Persist.Load()
	if err != nil {
		p.log.WithError(err).Warn("recovery: failed to load offsets, starting fresh")
		offsets = make(map[string]int64)
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		p.watcher = watcher
		watcher.Add(p.Root)
		defer watcher.Close()
	}

	lastPersist := time.Now()
	idleSince := time.Now()

	for {
		if halt, _ := ctrlr.Poll(); halt {
			p.Persist.Save(offsets)
			return
		}
		select {
		case <-stop:
			p.Persist.Save(offsets)
			return
		default:
		}

		files := p.discover()
		progressed := false
		for _, f := range files {
			if halt, _ := ctrlr.Poll(); halt {
				p.Persist.Save(offsets)
				return
			}
			n, err := p.replay(f, offsets[f.path])
			if err != nil {
				p.log.WithError(err).WithField("file", f.path).Error("recovery: replay failed")
				continue
			}
			if n > offsets[f.path] {
				offsets[f.path] = n
				progressed = true
			}
			if p.fullyConsumed(f, offsets[f.path]) {
				os.Remove(f.path)
				delete(offsets, f.path)
			}
		}

		if progressed {
			idleSince = time.Now()
		}
		if time.Since(lastPersist) >= StatIntervalMS*time.Millisecond {
			p.Persist.Save(offsets)
			lastPersist = time.Now()
		}
		if time.Since(idleSince) >= RecoveryIdleTimeout && len(files) == 0 {
			p.Persist.Save(offsets)
			return
		}

		p.wait(stop)
	}
}

func (p *ActCovPicker) wait(stop <-chan struct{}) {
	if p.watcher != nil {
		select {
		case <-p.watcher.Events:
		case <-time.After(time.Second):
		case <-stop:
		}
		return
	}
	select {
	case <-time.After(time.Second):
	case <-stop:
	}
}

// discover walks the rescue root recursively, collecting every `.dat`
// file with no `.lock` companion, sorted by the timestamp embedded in its
// filename.
func (p *ActCovPicker) discover() []rescueFileRef {
	var out []rescueFileRef
	filepath.Walk(p.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".dat") {
			return nil
		}
		if _, err := os.Stat(path + ".lock"); err == nil {
			return nil // still being written
		}
		m := rescueNamePattern.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			return nil
		}
		ts, err := time.Parse("2006-01-02-15-04-05", m[2]+"-"+m[3])
		if err != nil {
			return nil
		}
		out = append(out, rescueFileRef{path: path, sink: m[1], ts: ts})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ts.Before(out[j].ts) })
	return out
}

// replay reads lines from byte offset `from`, decoding and delivering
// each to the sink named by the file's prefix, and returns the new
// offset (end of the last fully-read line).
func (p *ActCovPicker) replay(f rescueFileRef, from int64) (int64, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return from, err
	}
	defer fh.Close()

	if _, err := fh.Seek(from, 0); err != nil {
		return from, err
	}

	offset := from
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		offset += int64(len(line)) + 1

		unit, err := sinkcoord.DecodeRescueLine(line)
		if err != nil {
			p.log.WithError(err).WithField("file", f.path).Warn("recovery: skipping malformed line")
			continue
		}
		p.deliver(f.sink, unit)
	}
	return offset, scanner.Err()
}

func (p *ActCovPicker) deliver(sinkName string, unit sinkcoord.SinkUnit) {
	agent := p.Alloc.Route.Agents[sinkName]
	if agent == nil {
		agent = p.Alloc.Default
	}
	if agent == nil || agent.Terminal == nil {
		return
	}
	terminal := agent.Terminal.Pick(0)
	if status := terminal.TrySend(unit); status == sinkcoord.Fulfilled {
		time.Sleep(ActorIdleTickMS * time.Millisecond)
		terminal.TrySend(unit)
	}
}

func (p *ActCovPicker) fullyConsumed(f rescueFileRef, offset int64) bool {
	info, err := os.Stat(f.path)
	if err != nil {
		return true
	}
	return offset >= info.Size()
}

// JSONOffsetStore persists offsets as a JSON map at rescue/recover.lock.
type JSONOffsetStore struct {
	Path string
}

func (s JSONOffsetStore) Load() (map[string]int64, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return make(map[string]int64), nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s JSONOffsetStore) Save(offsets map[string]int64) error {
	data, err := json.Marshal(offsets)
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, data, 0o644)
}
