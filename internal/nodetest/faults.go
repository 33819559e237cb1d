package nodetest

import (
	"net/http"
	"sync"
	"time"

	"github.com/clinsight/rnode-client/internal/protocol"
)

// faultState holds armed fault injections. Unlike probabilistic chaos
// testing, every fault here is armed for an exact number of requests so
// tests stay deterministic.
type faultState struct {
	mu       sync.Mutex
	drops    int
	delays   int
	delay    time.Duration
	tampers  int
	failures int
	failCode protocol.ErrorCode
}

func (f *faultState) takeDrop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drops > 0 {
		f.drops--
		return true
	}
	return false
}

func (f *faultState) takeDelay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delays > 0 {
		f.delays--
		return f.delay
	}
	return 0
}

func (f *faultState) takeTamper() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tampers > 0 {
		f.tampers--
		return true
	}
	return false
}

func (f *faultState) takeCallFailure() (protocol.ErrorCode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.failCode, true
	}
	return "", false
}

// DropNext makes the node answer the next count requests with a 503
// before any protocol processing.
func (n *Node) DropNext(count int) {
	n.faults.mu.Lock()
	n.faults.drops = count
	n.faults.mu.Unlock()
}

// DelayNext makes the node sleep for d before handling each of the next
// count requests.
func (n *Node) DelayNext(count int, d time.Duration) {
	n.faults.mu.Lock()
	n.faults.delays = count
	n.faults.delay = d
	n.faults.mu.Unlock()
}

// TamperNext flips a ciphertext byte in the next count encrypted
// responses. The client must reject them outright.
func (n *Node) TamperNext(count int) {
	n.faults.mu.Lock()
	n.faults.tampers = count
	n.faults.mu.Unlock()
}

// FailNext makes the next count invoked calls fail with the given error
// code inside the encrypted result.
func (n *Node) FailNext(count int, code protocol.ErrorCode) {
	n.faults.mu.Lock()
	n.faults.failures = count
	n.faults.failCode = code
	n.faults.mu.Unlock()
}

// ExpireChannel forces a channel past its expiry so the next call on it
// is rejected with channel_expired.
func (n *Node) ExpireChannel(channelID string) {
	n.mu.Lock()
	if ch := n.channels[channelID]; ch != nil {
		ch.expiresAt = time.Now().Add(-time.Second)
	}
	n.mu.Unlock()
}

// InvalidateChannels drops all channel state so further calls are
// rejected with channel_invalid.
func (n *Node) InvalidateChannels() {
	n.mu.Lock()
	for id, ch := range n.channels {
		if ch.key != nil {
			ch.key.Zero()
		}
		if ch.kx != nil {
			ch.kx.Close()
		}
		delete(n.channels, id)
	}
	n.mu.Unlock()
}

// ExpireSessions forces every session past its expiry. Renewals with the
// old tokens then fail with session_expired.
func (n *Node) ExpireSessions() {
	n.mu.Lock()
	for _, sess := range n.sessions {
		sess.expiresAt = time.Now().Add(-time.Second)
	}
	n.mu.Unlock()
}

// injectTransportFault applies drop and delay faults. It reports whether
// the request was consumed.
func (n *Node) injectTransportFault(w http.ResponseWriter, r *http.Request) bool {
	if d := n.faults.takeDelay(); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return true
		}
	}
	if n.faults.takeDrop() {
		n.writeError(w, http.StatusServiceUnavailable, protocol.CodeInternal, "injected drop")
		return true
	}
	return false
}

type counters struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *counters) add(name string) {
	c.mu.Lock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[name]++
	c.mu.Unlock()
}

func (c *counters) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// IdentifyCount returns how many identify requests the node served.
func (n *Node) IdentifyCount() int { return n.counters.get("identify") }

// ChallengeCount returns how many challenge requests the node served.
func (n *Node) ChallengeCount() int { return n.counters.get("challenge") }

// InvokeCount returns how many invoke requests the node served.
func (n *Node) InvokeCount() int { return n.counters.get("invoke") }

// OperationCount returns how many times one operation was invoked.
func (n *Node) OperationCount(operation string) int {
	return n.counters.get("op:" + operation)
}
