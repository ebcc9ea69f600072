package sources

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"wparse/pkg/actor"
	"wparse/pkg/types"
)

// DockerSourceConfig configures the docker-log source connector: which
// containers to discover and how to reach the daemon.
type DockerSourceConfig struct {
	SrcKey      string   `toml:"src_key"`
	Host        string   `toml:"host"` // empty uses DOCKER_HOST / default socket
	NameFilters []string `toml:"name_filters"`
	PollPeriod  string   `toml:"poll_period"` // container-list rescan interval, default 30s
}

// DockerSource discovers running containers and streams their stdout/
// stderr via the Docker API's log-follow endpoint, tagging every line
// with the container's id and name.
type DockerSource struct {
	cfg    DockerSourceConfig
	log    *logrus.Entry
	client *client.Client

	mu       sync.Mutex
	buf      []types.SourceEvent
	closed   bool
	tracking map[string]context.CancelFunc
}

func NewDockerSource(cfg DockerSourceConfig, log *logrus.Entry) *DockerSource {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.PollPeriod == "" {
		cfg.PollPeriod = "30s"
	}
	return &DockerSource{cfg: cfg, log: log.WithField("source", "docker"), tracking: make(map[string]context.CancelFunc)}
}

func (s *DockerSource) Key() string { return s.cfg.SrcKey }

func (s *DockerSource) Start(ctrl <-chan actor.ActorCtrlCmd) error {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if s.cfg.Host != "" {
		opts = append(opts, client.WithHost(s.cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cl, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker source: new client: %w", err)
	}
	s.client = cl

	poll, err := time.ParseDuration(s.cfg.PollPeriod)
	if err != nil {
		poll = 30 * time.Second
	}

	ctrlr := actor.NewController(s.Key(), ctrl)
	go func() {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		s.rescan()
		for {
			if halt, _ := ctrlr.Poll(); halt {
				s.stopAll()
				return
			}
			select {
			case <-ticker.C:
				s.rescan()
			case <-time.After(time.Second):
			}
		}
	}()
	return nil
}

// rescan lists running containers and begins streaming any not already
// tracked.
func (s *DockerSource) rescan() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	containers, err := s.client.ContainerList(ctx, dockertypes.ContainerListOptions{})
	if err != nil {
		s.log.WithError(err).Warn("docker source: list containers failed")
		return
	}

	seen := make(map[string]bool, len(containers))

	for _, c := range containers {
		if !s.matchesFilter(c) {
			continue
		}
		seen[c.ID] = true
		s.mu.Lock()
		_, tracked := s.tracking[c.ID]
		s.mu.Unlock()
		if !tracked {
			s.track(c.ID, containerName(c))
		}
	}

	s.mu.Lock()
	for id, cancel := range s.tracking {
		if !seen[id] {
			cancel()
			delete(s.tracking, id)
		}
	}
	s.mu.Unlock()
}

func (s *DockerSource) matchesFilter(c dockertypes.Container) bool {
	if len(s.cfg.NameFilters) == 0 {
		return true
	}
	name := containerName(c)
	for _, f := range s.cfg.NameFilters {
		if f == name {
			return true
		}
	}
	return false
}

func containerName(c dockertypes.Container) string {
	if len(c.Names) > 0 {
		return c.Names[0]
	}
	return c.ID
}

func (s *DockerSource) track(id, name string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.tracking[id] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.tracking, id)
			s.mu.Unlock()
		}()

		rc, err := s.client.ContainerLogs(ctx, id, dockertypes.ContainerLogsOptions{
			ShowStdout: true, ShowStderr: true, Follow: true, Tail: "0",
		})
		if err != nil {
			s.log.WithError(err).WithField("container", name).Warn("docker source: logs stream failed")
			return
		}
		defer rc.Close()

		pr, pw := io.Pipe()
		go func() {
			_, _ = stdcopy.StdCopy(pw, pw, rc)
			pw.Close()
		}()

		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			ev := types.NewSourceEvent(s.cfg.SrcKey, types.StringPayload(scanner.Text()), map[string]string{
				"container_id":   id,
				"container_name": name,
			})
			s.mu.Lock()
			s.buf = append(s.buf, ev)
			s.mu.Unlock()
		}
	}()
}

func (s *DockerSource) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.tracking {
		cancel()
	}
	s.tracking = make(map[string]context.CancelFunc)
	s.closed = true
}

func (s *DockerSource) TryReceive() (types.SourceBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil, false
	}
	batch := types.SourceBatch(s.buf)
	s.buf = nil
	return batch, true
}

func (s *DockerSource) Receive(timeout time.Duration) (types.SourceBatch, bool, error) {
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

func (s *DockerSource) Close() error {
	s.stopAll()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
