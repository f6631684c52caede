package iptcpstack

// ccState is the congestion control phase.
type ccState int

const (
	slowStart ccState = iota
	congAvoid
	fastRecovery
)

func (s ccState) String() string {
	switch s {
	case slowStart:
		return "slow_start"
	case congAvoid:
		return "congestion_avoidance"
	case fastRecovery:
		return "fast_recovery"
	}
	return "unknown"
}

const (
	initialCwndSegments     = 1
	initialSsthreshSegments = 8
)

// congestion holds the Reno-style state of one connection. All sizes are
// bytes.
type congestion struct {
	state    ccState
	cwnd     int
	ssthresh int
	// lta is the limited-transmit allowance granted by early duplicate ACKs.
	lta     int
	dupAcks int
	// flight counts payload bytes sent and not yet acknowledged.
	flight int
}

func (c *congestion) init(mss int) {
	c.state = slowStart
	c.cwnd = initialCwndSegments * mss
	c.ssthresh = initialSsthreshSegments * mss
	c.lta = 0
	c.dupAcks = 0
}

// window is the amount of payload the sender may have outstanding.
func (c *congestion) window() int {
	return c.cwnd + c.lta
}

// onAck updates the window for an accepted acknowledgement. Slow start
// grows on every one; the other phases look at whether it advanced or
// duplicated the previous one. It reports whether the oldest outstanding
// segment must be retransmitted at once.
func (c *congestion) onAck(mss int, advanced, dup bool) bool {
	switch c.state {
	case slowStart:
		c.cwnd += mss
		if c.cwnd > c.ssthresh {
			c.state = congAvoid
			c.dupAcks = 0
			c.lta = 0
		}
	case congAvoid:
		switch {
		case dup:
			c.dupAcks++
			switch {
			case c.dupAcks < 3:
				if c.flight <= c.cwnd+2*mss {
					c.lta = c.dupAcks * mss
				}
			case c.dupAcks == 3:
				c.ssthresh = max(c.flight/2, 2*mss)
				c.cwnd = c.ssthresh + 3*mss
				c.lta = 0
				c.state = fastRecovery
				return true
			}
		case advanced:
			c.dupAcks = 0
			c.lta = 0
			c.cwnd += max(mss*mss/c.cwnd, 1)
		}
	case fastRecovery:
		switch {
		case dup:
			c.cwnd += mss
		case advanced:
			c.cwnd = c.ssthresh
			c.dupAcks = 0
			c.state = congAvoid
		}
	}
	return false
}

// onTimeout collapses the window after a retransmission timeout. The
// threshold follows the flight size in congestion avoidance and is halved
// in the other phases.
func (c *congestion) onTimeout(mss int) {
	if c.state == congAvoid {
		c.ssthresh = max(c.flight/2, 2*mss)
	} else {
		c.ssthresh = max(c.ssthresh/2, mss)
	}
	c.cwnd = initialCwndSegments * mss
	c.lta = 0
	c.dupAcks = 0
	c.state = slowStart
}
