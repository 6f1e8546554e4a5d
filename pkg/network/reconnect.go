package network

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ReconnectState is the supervisor lifecycle state.
type ReconnectState int

const (
	ReconnectIdle ReconnectState = iota
	ReconnectBackingOff
	ReconnectConnecting
	ReconnectConnected
	ReconnectExhausted
)

func (s ReconnectState) String() string {
	switch s {
	case ReconnectIdle:
		return "idle"
	case ReconnectBackingOff:
		return "backing_off"
	case ReconnectConnecting:
		return "connecting"
	case ReconnectConnected:
		return "connected"
	case ReconnectExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ReconnectConfig tunes the reconnection supervisor. Zero values select
// the production defaults.
type ReconnectConfig struct {
	// Servers is the ordered relay pool. Attempts walk the pool: the
	// first AttemptsPerServer attempts go to Servers[0], the next batch
	// to Servers[1], and so on.
	Servers []string

	BaseDelay         time.Duration // first backoff step, default 1s
	MaxDelay          time.Duration // backoff cap, default 30s
	AttemptsPerServer int           // default 5

	Clock clock.Clock
}

// ReconnectManager supervises the Client's connection. It owns all
// automatic connection attempts: scheduling them with jittered
// exponential backoff, walking the server pool, and going dormant after
// the pool is exhausted or the user disconnects on purpose.
type ReconnectManager struct {
	client *Client
	clk    clock.Clock

	servers           []string
	baseDelay         time.Duration
	maxDelay          time.Duration
	attemptsPerServer int

	mu         sync.Mutex
	state      ReconnectState
	attempt    int // global attempt counter since last success
	timer      *clock.Timer
	suppressed bool
	rng        *rand.Rand
}

// NewReconnectManager wires a supervisor to the client. The client's
// connection-lost and registration events drive the state machine.
func NewReconnectManager(client *Client, cfg ReconnectConfig) *ReconnectManager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.AttemptsPerServer <= 0 {
		cfg.AttemptsPerServer = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = client.clk
	}

	rm := &ReconnectManager{
		client:            client,
		clk:               cfg.Clock,
		servers:           cfg.Servers,
		baseDelay:         cfg.BaseDelay,
		maxDelay:          cfg.MaxDelay,
		attemptsPerServer: cfg.AttemptsPerServer,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	client.setSupervisor(rm)
	return rm
}

// Start makes the initial connection attempt. Failures from here on are
// retried automatically until the pool is exhausted.
func (rm *ReconnectManager) Start() {
	rm.attemptConnect()
}

// Stop cancels any scheduled attempt and parks the supervisor.
func (rm *ReconnectManager) Stop() {
	rm.suppress()
}

// State returns the supervisor's current state.
func (rm *ReconnectManager) State() ReconnectState {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.state
}

// connectionLost schedules the next attempt after an unintentional drop.
func (rm *ReconnectManager) connectionLost() {
	rm.mu.Lock()
	if rm.suppressed {
		rm.mu.Unlock()
		return
	}
	rm.scheduleLocked()
	rm.mu.Unlock()
}

// registrationSucceeded resets the backoff ladder so the next failure
// starts again from the base delay and the first server.
func (rm *ReconnectManager) registrationSucceeded() {
	rm.mu.Lock()
	rm.state = ReconnectConnected
	rm.attempt = 0
	rm.cancelTimerLocked()
	rm.mu.Unlock()
}

// suppress parks the supervisor after an intentional disconnect. No
// attempt fires until resume.
func (rm *ReconnectManager) suppress() {
	rm.mu.Lock()
	rm.suppressed = true
	rm.state = ReconnectIdle
	rm.cancelTimerLocked()
	rm.mu.Unlock()
}

// resume re-arms the supervisor on an explicit connect.
func (rm *ReconnectManager) resume() {
	rm.mu.Lock()
	rm.suppressed = false
	rm.attempt = 0
	rm.mu.Unlock()
}

// foreground resets backoff and tries immediately. Called when the app
// returns to the foreground with a dead connection; an exhausted pool is
// given a fresh chance.
func (rm *ReconnectManager) foreground() {
	rm.mu.Lock()
	if rm.suppressed {
		rm.mu.Unlock()
		return
	}
	rm.attempt = 0
	rm.cancelTimerLocked()
	rm.mu.Unlock()

	rm.attemptConnect()
}

// scheduleLocked arms the backoff timer for the next attempt. Caller
// holds rm.mu.
func (rm *ReconnectManager) scheduleLocked() {
	total := rm.attemptsPerServer * len(rm.servers)
	if len(rm.servers) == 0 || rm.attempt >= total {
		rm.state = ReconnectExhausted
		log.Printf("Reconnect: all %d server(s) exhausted, waiting for foreground", len(rm.servers))
		return
	}

	delay := rm.nextDelayLocked()
	rm.state = ReconnectBackingOff
	rm.cancelTimerLocked()
	rm.timer = rm.clk.AfterFunc(delay, rm.attemptConnect)
	log.Printf("Reconnect: attempt %d in %s", rm.attempt+1, delay)
}

// nextDelayLocked computes min(base*2^n, max) with multiplicative jitter
// in [0.8, 1.2). The exponent is the global attempt counter, so backoff
// keeps growing across a failover instead of restarting per server.
func (rm *ReconnectManager) nextDelayLocked() time.Duration {
	delay := rm.maxDelay
	if rm.attempt < 32 {
		if d := rm.baseDelay << uint(rm.attempt); d > 0 && d < rm.maxDelay {
			delay = d
		}
	}
	jitter := 0.8 + 0.4*rm.rng.Float64()
	return time.Duration(float64(delay) * jitter)
}

// attemptConnect dials the server the current attempt maps to. The mutex
// is not held across Connect: the client calls back into the supervisor
// during connection setup.
func (rm *ReconnectManager) attemptConnect() {
	rm.mu.Lock()
	if rm.suppressed {
		rm.mu.Unlock()
		return
	}
	if len(rm.servers) == 0 {
		rm.state = ReconnectExhausted
		rm.mu.Unlock()
		return
	}
	server := rm.servers[(rm.attempt/rm.attemptsPerServer)%len(rm.servers)]
	rm.attempt++
	rm.state = ReconnectConnecting
	rm.mu.Unlock()

	err := rm.client.connect(context.Background(), server)
	if err == nil || err == ErrAlreadyConnected {
		// Success is confirmed by registrationSucceeded; a later drop
		// comes back through connectionLost.
		return
	}

	log.Printf("Reconnect: dial %s failed: %v", server, err)
	rm.mu.Lock()
	if !rm.suppressed {
		rm.scheduleLocked()
	}
	rm.mu.Unlock()
}

func (rm *ReconnectManager) cancelTimerLocked() {
	if rm.timer != nil {
		rm.timer.Stop()
		rm.timer = nil
	}
}
