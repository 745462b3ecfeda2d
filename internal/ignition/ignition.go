// Package ignition implements the minion-side association state machine:
// single-initiator link bring-up under a strict exclusivity invariant (at
// most one in-flight responder at a time), with an optional WPA-PSK/EAPoL
// 4-way handshake interlock. It runs as a single cooperative actor, matching
// the concurrency model in spec.md §5: all state is owned by the goroutine
// draining the engine's event channel, and distributed ignition, link-pause,
// and timeout timers all post events into that same channel rather than
// touching engine state directly.
package ignition

import (
	"context"
	"log/slog"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/radio"
)

// State is the currResponderMac state, per spec.md §4.G.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateLinkUpWaitAuth
	StateLinkUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRequesting:
		return "Requesting"
	case StateLinkUpWaitAuth:
		return "LinkUpWaitAuth"
	case StateLinkUp:
		return "LinkUp"
	default:
		return "Unknown"
	}
}

// LinkStatus is the per-neighbor ignited state tracked in ignitedNeighbors.
type LinkStatus struct {
	Up   bool
	Wsec bool
}

// Driver is the capability interface the engine uses to reach the radio
// firmware/driver and the 802.1X daemons; the real implementation shells out
// or calls a netlink ABI, both out of this module's scope (spec.md §1).
type Driver interface {
	SetLinkStatus(ctx context.Context, ifname string, mac radio.Mac, up bool) error
	RequestDevAlloc(ctx context.Context, mac radio.Mac)
	KillSupplicant(ifname string)
	StartAuthenticator(ifname string)
	RestartSupplicant(ifname string)
}

// ControllerNotifier is the capability interface used to report link status
// back to the controller.
type ControllerNotifier interface {
	NotifyLinkStatus(mac radio.Mac, up bool, wsec bool)
}

// pendingMsg is the captured driver set-link-status request replayed after a
// successful interface allocation (transition 2).
type pendingMsg struct {
	ifname string
	mac    radio.Mac
}

// Config tunes the engine's timeouts; zero values take the spec defaults.
type Config struct {
	LinkupRespWaitTimeout time.Duration // default 30s
	LinkPauseDissocDelay  time.Duration // default 20min
	IsCN                  bool
}

func (c Config) withDefaults() Config {
	if c.LinkupRespWaitTimeout == 0 {
		c.LinkupRespWaitTimeout = 30 * time.Second
	}
	if c.LinkPauseDissocDelay == 0 {
		c.LinkPauseDissocDelay = 20 * time.Minute
	}
	return c
}

// Engine is the single-goroutine ignition actor.
type Engine struct {
	log    *slog.Logger
	cfg    Config
	driver Driver
	ctrl   ControllerNotifier

	eventCh chan func()

	// state below is owned exclusively by the goroutine running Run.
	state                     State
	currResponder             radio.Mac
	hasCurrResponder          bool
	currInitiator             radio.Mac
	currResponderHostapdIface string
	currResponderLinkUpIface  string
	currResponderPending      *pendingMsg
	currResponderWsec         bool
	linkDownIfaceQueue        map[string]struct{}
	ignitedNeighbors          map[radio.Mac]LinkStatus
	respTimer                 *time.Timer
	pauseTimers               map[radio.Mac]*time.Timer
}

// New constructs an Engine. Call Run in its own goroutine before using it.
func New(log *slog.Logger, driver Driver, ctrl ControllerNotifier, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:                log,
		cfg:                cfg.withDefaults(),
		driver:             driver,
		ctrl:               ctrl,
		eventCh:            make(chan func(), 16),
		linkDownIfaceQueue: make(map[string]struct{}),
		ignitedNeighbors:   make(map[radio.Mac]LinkStatus),
		pauseTimers:        make(map[radio.Mac]*time.Timer),
	}
}

// Run drains the engine's event queue until ctx is cancelled. All mutation
// of engine state happens here, never directly from a public method.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.eventCh:
			fn()
		}
	}
}

// post serializes fn onto the engine's single goroutine and waits for it to
// run, giving every exported method synchronous, race-free semantics.
func (e *Engine) post(ctx context.Context, fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case e.eventCh <- wrapped:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// State returns the current engine state (for tests/diagnostics).
func (e *Engine) State(ctx context.Context) State {
	var s State
	e.post(ctx, func() { s = e.state })
	return s
}

// IgnitedNeighbors returns a snapshot of the ignited-neighbor map, enforcing
// invariant 8 implicitly: at most one currResponderMac at any instant is a
// property of state, not of this map.
func (e *Engine) IgnitedNeighbors(ctx context.Context) map[radio.Mac]LinkStatus {
	out := make(map[radio.Mac]LinkStatus)
	e.post(ctx, func() {
		for k, v := range e.ignitedNeighbors {
			out[k] = v
		}
	})
	return out
}

// HasCurrResponder reports whether the exclusivity slot is occupied —
// invariant 8: at most one non-empty currResponderMac at any moment.
func (e *Engine) HasCurrResponder(ctx context.Context) bool {
	var has bool
	e.post(ctx, func() { has = e.hasCurrResponder })
	return has
}

// SetLinkUp handles transition 1: the controller asking to bring a link up
// to responder rsp on interface ifname, using initiator as the local MAC.
func (e *Engine) SetLinkUp(ctx context.Context, initiator, responder radio.Mac, ifname string, wsecEnabled bool) {
	e.post(ctx, func() {
		if ls, ok := e.ignitedNeighbors[responder]; ok && ls.Up {
			// Already ignited: reply LINK_UP, stay Idle.
			e.ctrl.NotifyLinkStatus(responder, true, ls.Wsec)
			return
		}
		if e.hasCurrResponder {
			// Exclusivity invariant: a second request silently no-ops.
			e.log.Debug("ignoring SetLinkUp while a responder is already in flight",
				slog.String("responder", responder.String()))
			return
		}
		e.currInitiator = initiator
		e.currResponder = responder
		e.hasCurrResponder = true
		e.currResponderPending = &pendingMsg{ifname: ifname, mac: responder}
		e.currResponderWsec = wsecEnabled
		e.startRespTimer(ctx)

		if !wsecEnabled {
			e.driver.SetLinkStatus(ctx, ifname, responder, true)
		} else {
			e.driver.RequestDevAlloc(ctx, responder)
		}
		e.state = StateRequesting
	})
}

// OnDriverDevAllocRes handles transition 2.
func (e *Engine) OnDriverDevAllocRes(ctx context.Context, success bool, ifname string) {
	e.post(ctx, func() {
		if e.state != StateRequesting || !success {
			return
		}
		e.driver.KillSupplicant(ifname)
		e.driver.StartAuthenticator(ifname)
		e.currResponderHostapdIface = ifname
		if e.currResponderPending != nil {
			e.driver.SetLinkStatus(ctx, e.currResponderPending.ifname, e.currResponderPending.mac, true)
		}
	})
}

// OnDriverLinkStatus handles transitions 3, 7 and 8 (LINK_UP / LINK_DOWN /
// LINK_PAUSE arriving from the driver for a given responder).
func (e *Engine) OnDriverLinkStatus(ctx context.Context, up bool, pause bool, rsp radio.Mac, ifname string) {
	e.post(ctx, func() {
		switch {
		case pause:
			e.startPauseTimer(ctx, rsp)
			return
		case up:
			e.cancelPauseTimer(rsp)
			e.ignitedNeighbors[rsp] = LinkStatus{Up: true, Wsec: e.hasCurrResponder && e.currResponder == rsp && e.currResponderWsec}
			if e.hasCurrResponder && e.currResponder == rsp && e.state == StateRequesting {
				if !e.currResponderWsec {
					e.ctrl.NotifyLinkStatus(rsp, true, false)
					e.resetToIdle()
				} else {
					e.currResponderLinkUpIface = ifname
					e.state = StateLinkUpWaitAuth
				}
			}
		default: // LINK_DOWN
			e.cancelPauseTimer(rsp)
			delete(e.ignitedNeighbors, rsp)
			if e.state == StateLinkUpWaitAuth && e.hasCurrResponder && e.currResponder == rsp {
				e.driver.RestartSupplicant(e.currResponderLinkUpIface)
				if e.cfg.IsCN {
					for other := range e.linkDownIfaceQueue {
						if other != e.currResponderLinkUpIface {
							e.driver.RestartSupplicant(other)
						}
					}
				}
			}
			e.ctrl.NotifyLinkStatus(rsp, false, false)
			if e.hasCurrResponder && e.currResponder == rsp {
				e.resetToIdle()
			}
		}
	})
}

// OnDriverWsecLinkupStatus handles transition 4.
func (e *Engine) OnDriverWsecLinkupStatus(ctx context.Context, ifname string) {
	e.post(ctx, func() {
		if e.state != StateLinkUpWaitAuth {
			return
		}
		rsp := e.currResponder
		e.ctrl.NotifyLinkStatus(rsp, true, true)
		if e.cfg.IsCN {
			for other := range e.linkDownIfaceQueue {
				if other != ifname {
					e.driver.KillSupplicant(other)
				}
			}
		}
		e.resetToIdle()
	})
}

// OnDriverWsecStatus handles transition 5: the link chose open mode.
func (e *Engine) OnDriverWsecStatus(ctx context.Context, wsec bool, ifname string) {
	e.post(ctx, func() {
		if e.state != StateLinkUpWaitAuth || wsec {
			return
		}
		rsp := e.currResponder
		e.driver.KillSupplicant(ifname)
		e.ctrl.NotifyLinkStatus(rsp, true, false)
		e.resetToIdle()
	})
}

// OnTimeout handles transition 6: the linkup-response-wait timer fired.
func (e *Engine) OnTimeout(ctx context.Context) {
	e.post(ctx, func() {
		if !e.hasCurrResponder {
			return
		}
		rsp := e.currResponder
		if e.currResponderHostapdIface != "" {
			e.linkDownIfaceQueue[e.currResponderHostapdIface] = struct{}{}
		}
		if ls, ok := e.ignitedNeighbors[rsp]; ok && ls.Up {
			e.ctrl.NotifyLinkStatus(rsp, false, ls.Wsec)
		}
		e.resetToIdle()
	})
}

// OnDriverDevUpDownStatus handles transition 9: synthesize LINK_DOWN for
// every ignited neighbor on a radio that just went down.
func (e *Engine) OnDriverDevUpDownStatus(ctx context.Context, down bool, neighborsOnRadio []radio.Mac) {
	e.post(ctx, func() {
		if !down {
			return
		}
		for _, n := range neighborsOnRadio {
			if _, ok := e.ignitedNeighbors[n]; ok {
				delete(e.ignitedNeighbors, n)
				e.ctrl.NotifyLinkStatus(n, false, false)
			}
		}
	})
}

func (e *Engine) resetToIdle() {
	if e.respTimer != nil {
		e.respTimer.Stop()
		e.respTimer = nil
	}
	e.state = StateIdle
	e.hasCurrResponder = false
	e.currResponder = radio.Mac{}
	e.currInitiator = radio.Mac{}
	e.currResponderHostapdIface = ""
	e.currResponderLinkUpIface = ""
	e.currResponderPending = nil
	e.currResponderWsec = false
}

func (e *Engine) startRespTimer(ctx context.Context) {
	if e.respTimer != nil {
		e.respTimer.Stop()
	}
	e.respTimer = time.AfterFunc(e.cfg.LinkupRespWaitTimeout, func() {
		e.OnTimeout(ctx)
	})
}

func (e *Engine) startPauseTimer(ctx context.Context, rsp radio.Mac) {
	e.cancelPauseTimer(rsp)
	e.pauseTimers[rsp] = time.AfterFunc(e.cfg.LinkPauseDissocDelay, func() {
		e.OnDriverLinkStatus(ctx, false, false, rsp, "")
	})
}

func (e *Engine) cancelPauseTimer(rsp radio.Mac) {
	if t, ok := e.pauseTimers[rsp]; ok {
		t.Stop()
		delete(e.pauseTimers, rsp)
	}
}
