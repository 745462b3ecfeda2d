// Package distignition implements color/slot-based self-ignition: while a
// minion is disconnected from the controller, each radio is assigned a
// color and may only attempt to ignite during its own color's slot in a
// repeating cycle, with exponential cooldown growth and jittered backoff to
// avoid synchronized retry storms across the mesh.
package distignition

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/gpsclock"
	"github.com/terragraph-mesh/tgctl/internal/radio"
)

// Config tunes the cadence and backoff; zero values take the spec defaults.
type Config struct {
	CooldownDuration       time.Duration // default 5s
	MaxOffset              time.Duration // default 1s
	AttemptsBeforeBackoff  int           // default 3
	MaxAttempts            int           // default 18
	NumColors              int
}

func (c Config) withDefaults() Config {
	if c.CooldownDuration == 0 {
		c.CooldownDuration = 5 * time.Second
	}
	if c.MaxOffset == 0 {
		c.MaxOffset = 1 * time.Second
	}
	if c.AttemptsBeforeBackoff == 0 {
		c.AttemptsBeforeBackoff = 3
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 18
	}
	if c.NumColors == 0 {
		c.NumColors = 1
	}
	return c
}

// ResponderState is the per-candidate bookkeeping named in spec.md §3.
type ResponderState struct {
	NumAttempts     int
	AttemptTs       time.Time
	HasAttemptTs    bool
	CooldownUntil   time.Time
	HasCooldown     bool
	CooldownSeconds float64
	Disabled        bool
}

// Attemptor performs the actual ignition attempt (posting into the ignition
// engine's SetLinkUp) and reports whether it ultimately succeeded. The real
// driver-facing work lives in internal/ignition; this package only decides
// *when* to call it.
type Attemptor interface {
	Attempt(ctx context.Context, responder radio.Mac) error
}

// Driver runs the distributed-ignition policy for one radio (one color).
type Driver struct {
	clock     *gpsclock.Clock
	color     int
	cfg       Config
	attemptor Attemptor
	rnd       *rand.Rand

	candidates []radio.Mac
	states     map[radio.Mac]*ResponderState
	rrIndex    int

	enabled        bool
	inFlight       bool
	connectedToCtl bool
}

// New constructs a Driver for one radio assigned the given color.
func New(clock *gpsclock.Clock, color int, cfg Config, attemptor Attemptor, candidates []radio.Mac) *Driver {
	states := make(map[radio.Mac]*ResponderState, len(candidates))
	for _, c := range candidates {
		states[c] = &ResponderState{}
	}
	return &Driver{
		clock:      clock,
		color:      color,
		cfg:        cfg.withDefaults(),
		attemptor:  attemptor,
		rnd:        rand.New(rand.NewPCG(uint64(color)+1, 7)),
		candidates: candidates,
		states:     states,
		enabled:    true,
	}
}

// cycleLen is the full cycle duration: one cooldown-duration slot per color.
func (d *Driver) cycleLen() time.Duration {
	return time.Duration(d.cfg.NumColors) * d.cfg.CooldownDuration
}

// currentSlotColor returns which color owns the current boundary-aligned
// slot, and how far the current time is from that slot's boundary.
func (d *Driver) currentSlotColor(now gpsclock.Duration) (slotColor int, offset time.Duration) {
	cycle := d.cycleLen()
	if cycle <= 0 {
		return 0, 0
	}
	elapsed := time.Duration(now) % cycle
	slotIdx := int(elapsed / d.cfg.CooldownDuration)
	boundary := time.Duration(slotIdx) * d.cfg.CooldownDuration
	offset = elapsed - boundary
	return slotIdx, offset
}

// Tick is called periodically (e.g. every 100ms) by the owning loop. It
// decides whether an ignition attempt may occur right now and, if so, picks
// the next round-robin candidate and calls Attemptor.Attempt.
func (d *Driver) Tick(ctx context.Context) (attempted bool, responder radio.Mac, err error) {
	if !d.enabled || d.connectedToCtl || d.inFlight || !d.clock.Initialized() {
		return false, radio.Mac{}, nil
	}
	now := d.clock.Now()
	slotColor, offset := d.currentSlotColor(now)
	if offset > d.cfg.MaxOffset {
		return false, radio.Mac{}, nil
	}
	if slotColor != d.color {
		return false, radio.Mac{}, nil
	}

	cand, ok := d.nextEligibleCandidate(time.Now())
	if !ok {
		return false, radio.Mac{}, nil
	}

	d.inFlight = true
	defer func() { d.inFlight = false }()

	state := d.states[cand]
	state.NumAttempts++
	state.HasAttemptTs = true
	state.AttemptTs = time.Now()

	attemptErr := d.attemptor.Attempt(ctx, cand)
	if attemptErr != nil {
		d.growCooldown(state)
	}
	return true, cand, attemptErr
}

// nextEligibleCandidate scans candidates round-robin starting after the last
// chosen index, returning the first one that is not disabled, not in
// cooldown, and under the max-attempts cap.
func (d *Driver) nextEligibleCandidate(now time.Time) (radio.Mac, bool) {
	n := len(d.candidates)
	for i := 0; i < n; i++ {
		idx := (d.rrIndex + 1 + i) % n
		cand := d.candidates[idx]
		state := d.states[cand]
		if state.Disabled {
			continue
		}
		if state.HasCooldown && now.Before(state.CooldownUntil) {
			continue
		}
		if state.NumAttempts >= d.cfg.MaxAttempts {
			continue
		}
		d.rrIndex = idx
		return cand, true
	}
	return radio.Mac{}, false
}

// growCooldown implements the backoff rule: once numAttempts reaches
// attemptsBeforeBackoff, the next failed attempt doubles the cooldown
// starting at numColors*cooldownDuration, with a 25% chance of adding one
// extra cycle of jitter.
func (d *Driver) growCooldown(state *ResponderState) {
	if state.NumAttempts < d.cfg.AttemptsBeforeBackoff {
		return
	}
	base := d.cycleLen().Seconds()
	if state.CooldownSeconds == 0 {
		state.CooldownSeconds = base
	} else {
		state.CooldownSeconds *= 2
	}
	if d.rnd.Float64() < 0.25 {
		state.CooldownSeconds += base
	}
	state.HasCooldown = true
	state.CooldownUntil = time.Now().Add(time.Duration(state.CooldownSeconds * float64(time.Second)))
}

// OnPeerDissoc permanently disables a candidate for self-ignition after an
// explicit dissoc from the peer.
func (d *Driver) OnPeerDissoc(responder radio.Mac) {
	if state, ok := d.states[responder]; ok {
		state.Disabled = true
	}
}

// OnControllerConnected disables self-ignition; the caller is responsible
// for sending a one-shot responder-mode-disable to each radio after a 3s
// settle delay (spec.md §4.H).
func (d *Driver) OnControllerConnected() {
	d.connectedToCtl = true
	d.enabled = false
}

// OnControllerDisconnected re-enables self-ignition.
func (d *Driver) OnControllerDisconnected() {
	d.connectedToCtl = false
	d.enabled = true
}

// ResponderSettleDelay is the fixed 3s delay before sending the one-shot
// responder-mode-disable after connecting to the controller.
const ResponderSettleDelay = 3 * time.Second
