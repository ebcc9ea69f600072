package sources

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wparse/pkg/actor"
	"wparse/pkg/types"
)

func receiveAll(t *testing.T, s *SyslogSource, want int) types.SourceBatch {
	t.Helper()
	var all types.SourceBatch
	deadline := time.Now().Add(5 * time.Second)
	for len(all) < want && time.Now().Before(deadline) {
		batch, _, err := s.Receive(200 * time.Millisecond)
		require.NoError(t, err)
		all = append(all, batch...)
	}
	require.Len(t, all, want)
	return all
}

func TestUDPSyslogReceives(t *testing.T) {
	s := NewSyslogSource(SyslogSourceConfig{SrcKey: "sys", Protocol: "UDP", Port: 0}, nil)
	ctrl := make(chan actor.ActorCtrlCmd, 4)
	require.NoError(t, s.Start(ctrl))
	defer s.Close()

	addr := s.udpConn.LocalAddr().String()
	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprint(conn, "<34>Oct 11 22:14:15 host su: login failed")
	batch := receiveAll(t, s, 1)
	assert.Equal(t, "sys", batch[0].SrcKey)
	assert.Contains(t, batch[0].Payload.String(), "login failed")
	assert.NotZero(t, batch[0].EventID)
}

func TestTCPSyslogLineFraming(t *testing.T) {
	s := NewSyslogSource(SyslogSourceConfig{SrcKey: "sys", Protocol: "TCP", Port: 0}, nil)
	ctrl := make(chan actor.ActorCtrlCmd, 4)
	require.NoError(t, s.Start(ctrl))
	defer s.Close()

	conn, err := net.Dial("tcp", s.tcpLn.Addr().String())
	require.NoError(t, err)
	fmt.Fprint(conn, "line one\nline two\n")
	conn.Close()

	batch := receiveAll(t, s, 2)
	assert.Equal(t, "line one", batch[0].Payload.String())
	assert.Equal(t, "line two", batch[1].Payload.String())
}

func TestFastStripRemovesPriority(t *testing.T) {
	s := NewSyslogSource(SyslogSourceConfig{SrcKey: "sys", Protocol: "UDP", StripHeader: true, FastStrip: true}, nil)
	assert.Equal(t, "rest of message", s.decode("<34>rest of message"))
	assert.Equal(t, "no priority here", s.decode("no priority here"))
}

func TestStripHeaderTagForm(t *testing.T) {
	s := NewSyslogSource(SyslogSourceConfig{SrcKey: "sys", Protocol: "UDP", StripHeader: true}, nil)
	assert.Equal(t, "login failed", s.decode("Oct 11 22:14:15 host su: login failed"))
}

func TestAttachMetaTags(t *testing.T) {
	s := NewSyslogSource(SyslogSourceConfig{SrcKey: "sys", Protocol: "UDP", AttachMetaTags: true}, nil)
	s.push("hello")
	batch, ok := s.TryReceive()
	require.True(t, ok)
	require.Len(t, batch, 1)
	assert.Equal(t, "UDP", batch[0].Tags["protocol"])
}
