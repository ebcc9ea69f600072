package sinkcoord

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// BackoffMode selects the TCP writer's backpressure policy.
type BackoffMode int

const (
	BackoffAdaptive BackoffMode = iota
	BackoffFixed
)

// TCPBackoffConfig tunes the watermark-based write backoff.
type TCPBackoffConfig struct {
	Mode            BackoffMode
	SmallBypassBytes int
	ProbeStride     int           // small-packet probe cadence, in writes
	ProbeMinInterval time.Duration
	FixedSleep      func(pct int) time.Duration // BackoffFixed's auto_sleep_ms(pct)
}

// TCPWriteGovernor tracks a TCP socket's send-queue occupancy and decides
// how long to sleep before a write: peek the kernel counters, compute the
// occupancy percentage, classify by packet size, then sleep.
type TCPWriteGovernor struct {
	cfg       TCPBackoffConfig
	writeCnt  int
	bytesSinceProbe int
	lastProbe time.Time
	avgWrite  float64
}

func NewTCPWriteGovernor(cfg TCPBackoffConfig) *TCPWriteGovernor {
	if cfg.ProbeStride <= 0 {
		cfg.ProbeStride = 64
	}
	if cfg.ProbeMinInterval <= 0 {
		cfg.ProbeMinInterval = 5 * time.Millisecond
	}
	if cfg.SmallBypassBytes <= 0 {
		cfg.SmallBypassBytes = 512
	}
	return &TCPWriteGovernor{cfg: cfg}
}

// queueOccupancy peeks the kernel's pending-bytes and send-buffer-capacity
// counters for conn via SIOCOUTQ / SO_SNDBUF.
func queueOccupancy(conn *net.TCPConn) (pending, capacity int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, err
	}
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		pending, ctrlErr = unix.IoctlGetInt(int(fd), unix.SIOCOUTQ)
		if ctrlErr != nil {
			return
		}
		capacity, ctrlErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if err != nil {
		return 0, 0, err
	}
	return pending, capacity, ctrlErr
}

// BeforeWrite returns how long to sleep before writing writeLen bytes to
// conn: small-packet and large-packet fast paths first, then the fixed or
// adaptive policy.
func (g *TCPWriteGovernor) BeforeWrite(conn *net.TCPConn, writeLen int) time.Duration {
	g.writeCnt++
	g.bytesSinceProbe += writeLen
	if g.avgWrite == 0 {
		g.avgWrite = float64(writeLen)
	} else {
		g.avgWrite = g.avgWrite*0.9 + float64(writeLen)*0.1
	}

	if !g.shouldProbe(writeLen) {
		return 0
	}

	pending, capacity, err := queueOccupancy(conn)
	if err != nil || capacity <= 0 {
		return 0
	}
	pct := pending * 100 / capacity

	if writeLen <= g.cfg.SmallBypassBytes {
		threshold := g.emergencyThreshold(capacity)
		if pct > threshold {
			return 2 * time.Millisecond
		}
		return 0
	}
	if float64(writeLen) >= float64(capacity)/8 {
		return 0
	}

	switch g.cfg.Mode {
	case BackoffFixed:
		if g.cfg.FixedSleep != nil {
			return g.cfg.FixedSleep(pct)
		}
		return 0
	default:
		return g.adaptiveSleep(pct, capacity)
	}
}

func (g *TCPWriteGovernor) shouldProbe(writeLen int) bool {
	now := time.Now()
	if writeLen <= g.cfg.SmallBypassBytes {
		if g.writeCnt%g.cfg.ProbeStride != 0 {
			return false
		}
	} else {
		stride := cap3(int(g.avgWrite)*16, 16*1024)
		if g.bytesSinceProbe < stride {
			return false
		}
	}
	if now.Sub(g.lastProbe) < g.cfg.ProbeMinInterval {
		return false
	}
	g.lastProbe = now
	g.bytesSinceProbe = 0
	return true
}

func cap3(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// emergencyThreshold is a base value of 70, lowered to dyn_high-5 when that
// is smaller: small sockets get a lower emergency bar than large ones.
func (g *TCPWriteGovernor) emergencyThreshold(sndbufCap int) int {
	base := 70
	dynHigh := g.dynHigh(sndbufCap)
	if base > dynHigh-5 {
		return dynHigh - 5
	}
	return base
}

// dynHigh computes clamp(100-margin_pct, 60, cap) where the margin
// leaves room for k·avg_write bytes and cap is 98 for large packets, 95
// otherwise.
func (g *TCPWriteGovernor) dynHigh(sndbufCap int) int {
	k := 1.0
	switch {
	case g.avgWrite >= 4096:
		k = 2.0
	case g.avgWrite >= 1024:
		k = 1.5
	}
	marginBytes := k * g.avgWrite
	marginPct := 0
	if sndbufCap > 0 {
		marginPct = int(marginBytes * 100 / float64(sndbufCap))
	}
	high := 100 - marginPct
	capVal := 95
	if g.avgWrite >= 4096 {
		capVal = 98
	}
	if high > capVal {
		high = capVal
	}
	if high < 60 {
		high = 60
	}
	return high
}

// adaptiveSleep scales the pause with avg_write relative to sndbuf/32,
// clamped to [0.5x, 3x] of a millisecond.
func (g *TCPWriteGovernor) adaptiveSleep(pct, sndbufCap int) time.Duration {
	dynHigh := g.dynHigh(sndbufCap)
	hysteresis := 5
	target := dynHigh - hysteresis
	if pct < target {
		return 0
	}
	unit := float64(sndbufCap) / 32
	if unit <= 0 {
		return 0
	}
	scale := g.avgWrite / unit
	if scale < 0.5 {
		scale = 0.5
	}
	if scale > 3 {
		scale = 3
	}
	return time.Duration(scale * float64(time.Millisecond))
}
