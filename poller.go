package picodaq

import (
	"sync"
	"time"
)

// pollerState is the state of the background poll thread.
type pollerState int

// Names for the possible values of pollerState
const (
	pollerIdle     pollerState = iota // started but not servicing the driver
	pollerRunning                     // servicing the driver every poll interval
	pollerPendIdle                    // idle requested, not yet acknowledged
	pollerPendExit                    // exit requested, not yet acknowledged
	pollerExit                        // goroutine has exited or is about to
)

// pollAckTimeout bounds how long a requester waits for the poller to
// acknowledge a transition to IDLE or EXIT.
const pollAckTimeout = 5 * time.Second

// pollerTask runs the streaming-mode poll loop on its own goroutine. The
// owner requests transitions under the mutex; IDLE and EXIT are
// acknowledged states the requester observes with a bounded wait, so the
// owner can know the loop is quiescent before touching the driver.
type pollerTask struct {
	block *Block

	mu    sync.Mutex
	cond  *sync.Cond
	state pollerState
	done  chan struct{} // non-nil while the goroutine lives
}

func newPollerTask(b *Block) *pollerTask {
	p := &pollerTask{block: b}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// start launches the poll goroutine in the IDLE state. No-op if it is
// already running.
func (p *pollerTask) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return
	}
	p.state = pollerIdle
	p.done = make(chan struct{})
	go p.loop(p.done)
}

func (p *pollerTask) loop(done chan struct{}) {
	defer close(done)

	// Read the shared state lazily to relax lock traffic.
	const checkEveryNTimes = 10
	checkCounter := checkEveryNTimes
	var state pollerState

	for {
		checkCounter++
		if checkCounter >= checkEveryNTimes {
			p.mu.Lock()
			state = p.state
			p.mu.Unlock()
			checkCounter = 0
		}

		switch state {
		case pollerRunning:
			start := time.Now()
			p.block.pollOnce()
			// Sleep whatever is left of the poll interval; a negative
			// duration returns immediately.
			time.Sleep(p.block.pollInterval() - time.Since(start))

		case pollerPendIdle:
			p.mu.Lock()
			p.state = pollerIdle
			state = pollerIdle
			p.mu.Unlock()
			p.cond.Broadcast()

		case pollerPendExit:
			p.mu.Lock()
			p.state = pollerExit
			p.mu.Unlock()
			p.cond.Broadcast()
			return

		default:
			// Relax CPU while idle.
			time.Sleep(100 * time.Microsecond)
		}
	}
}

// waitState waits under p.mu until the poller reaches want, or the timeout
// elapses. Returns whether want was reached.
func (p *pollerTask) waitState(want pollerState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	t := time.AfterFunc(timeout, func() {
		// Broadcast under the lock so a waiter between its predicate check
		// and Wait cannot miss the wakeup.
		p.mu.Lock()
		defer p.mu.Unlock()
		p.cond.Broadcast()
	})
	defer t.Stop()
	for p.state != want {
		if !time.Now().Before(deadline) {
			return false
		}
		p.cond.Wait()
	}
	return true
}

// toRunning requests the poll loop to start servicing the driver. Not an
// acknowledged state; the loop picks it up on its next state read.
func (p *pollerTask) toRunning() {
	p.mu.Lock()
	p.state = pollerRunning
	p.mu.Unlock()
}

// toIdle requests the poll loop to quiesce and waits for the
// acknowledgement.
func (p *pollerTask) toIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		p.state = pollerIdle
		return
	}
	if p.state == pollerExit {
		return
	}
	p.state = pollerPendIdle
	if !p.waitState(pollerIdle, pollAckTimeout) {
		ProblemLogger.Printf("poller did not acknowledge idle within %v", pollAckTimeout)
	}
}

// stop requests the poll goroutine to exit and joins it. The join always
// succeeds; if the acknowledgement window elapses first a warning is
// logged and stop keeps waiting for the goroutine to finish.
func (p *pollerTask) stop() {
	p.mu.Lock()
	if p.done == nil {
		p.mu.Unlock()
		return
	}
	done := p.done
	p.done = nil
	p.state = pollerPendExit
	if !p.waitState(pollerExit, pollAckTimeout) {
		ProblemLogger.Printf("poller did not acknowledge exit within %v; waiting for it to finish", pollAckTimeout)
	}
	p.mu.Unlock()

	<-done
}
