// Package publisher implements the producing side of the sync protocol: it
// computes the desired state from the schedule or a manual override, and
// publishes changes to the shared store with a monotonically advancing
// version.
package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomsyncd/internal/backoff"
	"github.com/dokzlo13/roomsyncd/internal/contracts"
	"github.com/dokzlo13/roomsyncd/internal/eventbus"
	"github.com/dokzlo13/roomsyncd/internal/redis"
	"github.com/dokzlo13/roomsyncd/internal/schedule"
)

// RoomSource supplies the room identity the publisher writes for. The
// actuator engine satisfies this when both roles run in one process
// (replacing the serial-link room announcements between the original
// boards); otherwise a StaticRoom from configuration is used.
type RoomSource interface {
	RoomID() string
}

// StaticRoom is a fixed room id from configuration.
type StaticRoom string

func (r StaticRoom) RoomID() string { return string(r) }

// Override is the manual control input: an active flag plus the knob
// reading. While active it takes strict precedence over the schedule.
type Override struct {
	Active     bool
	Brightness uint8
}

// Config holds the publisher engine parameters.
type Config struct {
	Addr     string
	Password string

	DialTimeout time.Duration
	ReadTimeout time.Duration
	TrimLen     int

	Interval           time.Duration // evaluation cadence
	MinPublishInterval time.Duration // re-publish cadence while override is active
	OverrideMinDelta   uint8         // knob hysteresis

	BackoffSteps  []time.Duration
	BackoffJitter time.Duration
}

// Engine owns one session and publishes desired-state changes. It never
// reads back what it wrote: version ordering is the only conflict-avoidance
// mechanism.
type Engine struct {
	cfg    Config
	client *redis.Client
	bus    *eventbus.Bus
	curve  schedule.Curve
	rooms  RoomSource
	now    func() time.Time

	mu            sync.Mutex
	seeded        bool
	localVer      uint32
	lastPublished contracts.Desired
	hasPublished  bool
	override      Override
	forcePublish  bool
	lastPublishAt time.Time
}

// New creates a stopped engine.
func New(cfg Config, curve schedule.Curve, rooms RoomSource, bus *eventbus.Bus) *Engine {
	if cfg.TrimLen <= 0 {
		cfg.TrimLen = contracts.StreamTrimLen
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MinPublishInterval <= 0 {
		cfg.MinPublishInterval = time.Second
	}
	return &Engine{
		cfg:    cfg,
		client: redis.NewClient(redis.NewSession(cfg.ReadTimeout)),
		bus:    bus,
		curve:  curve,
		rooms:  rooms,
		now:    time.Now,
	}
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	RoomID        string            `json:"room_id,omitempty"`
	Connected     bool              `json:"connected"`
	LocalVer      uint32            `json:"local_ver"`
	LastPublished contracts.Desired `json:"last_published"`
	Override      Override          `json:"override"`
	LastError     string            `json:"last_error,omitempty"`
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		RoomID:        e.rooms.RoomID(),
		Connected:     e.client.Session().Connected(),
		LocalVer:      e.localVer,
		LastPublished: e.lastPublished,
		Override:      e.override,
		LastError:     e.client.Session().LastError(),
	}
}

// SetOverride updates the manual control input. Toggling the active flag
// forces the next publish; knob movement below the hysteresis threshold
// while already active is ignored.
func (e *Engine) SetOverride(next Override) {
	if next.Brightness > contracts.MaxBrightness {
		next.Brightness = contracts.MaxBrightness
	}
	e.mu.Lock()
	prev := e.override
	if next.Active && prev.Active {
		delta := int(next.Brightness) - int(prev.Brightness)
		if delta < 0 {
			delta = -delta
		}
		if delta < int(e.cfg.OverrideMinDelta) {
			e.mu.Unlock()
			return
		}
	}
	e.override = next
	if next.Active != prev.Active {
		e.forcePublish = true
	}
	e.mu.Unlock()

	e.bus.Publish(eventbus.Event{
		Type: eventbus.EventOverride, Role: "publisher",
		RoomID: e.rooms.RoomID(),
		State:  contracts.Desired{Mode: overrideMode(next), Brightness: next.Brightness},
		Up:     next.Active,
	})
	log.Info().
		Bool("active", next.Active).
		Uint8("brightness", next.Brightness).
		Msg("Override changed")
}

func overrideMode(o Override) string {
	if o.Active && o.Brightness > 0 {
		return contracts.ModeOn
	}
	return contracts.ModeOff
}

// Run drives the engine until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	boff := backoff.New(e.cfg.BackoffSteps, e.cfg.BackoffJitter)

	for ctx.Err() == nil {
		if err := e.connect(); err != nil {
			log.Warn().Err(err).Str("addr", e.cfg.Addr).Msg("Publisher connect failed")
			if !boff.Wait(ctx.Done()) {
				break
			}
			continue
		}
		boff.Reset()
		e.bus.Publish(eventbus.Event{Type: eventbus.EventConnection, Role: "publisher", Up: true})

		err := e.publishLoop(ctx)
		e.client.Session().Stop()
		e.bus.Publish(eventbus.Event{
			Type: eventbus.EventConnection, Role: "publisher", Up: false,
			Detail: e.client.Session().LastError(),
		})
		e.resetEpoch()

		if ctx.Err() != nil {
			break
		}
		if err != nil {
			log.Warn().Err(err).Msg("Publisher session failed")
			if !boff.Wait(ctx.Done()) {
				break
			}
		}
	}
	e.client.Session().Stop()
}

func (e *Engine) connect() error {
	session := e.client.Session()
	if err := session.Connect(e.cfg.Addr, e.cfg.DialTimeout); err != nil {
		return err
	}
	if err := e.client.Auth(e.cfg.Password); err != nil {
		session.Stop()
		return err
	}
	if err := e.client.Ping(); err != nil {
		session.Stop()
		return err
	}
	return nil
}

// resetEpoch invalidates everything derived from the lost session; the
// version counter is re-seeded from the store on the next connection.
func (e *Engine) resetEpoch() {
	e.mu.Lock()
	e.seeded = false
	e.localVer = 0
	e.hasPublished = false
	e.mu.Unlock()
}

func (e *Engine) publishLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		roomID := e.rooms.RoomID()
		if roomID == "" {
			continue
		}
		if err := e.Evaluate(roomID); err != nil {
			return err
		}
	}
}

// Evaluate runs one publish cycle for the room: seed the version counter if
// this connection epoch has not yet, compute the candidate, and publish it
// when the gate opens.
func (e *Engine) Evaluate(roomID string) error {
	if err := e.seedVersion(roomID); err != nil {
		return err
	}

	e.mu.Lock()
	last := e.lastPublished
	override := e.override
	force := e.forcePublish
	hasPublished := e.hasPublished
	sinceLast := e.now().Sub(e.lastPublishAt)
	e.mu.Unlock()

	candidate := last
	if override.Active {
		candidate.Brightness = override.Brightness
		candidate.Mode = overrideMode(override)
	} else {
		candidate.Mode, candidate.Brightness = e.curve.DesiredAt(e.now())
	}

	refresh := override.Active && sinceLast >= e.cfg.MinPublishInterval
	if hasPublished && candidate.Equal(last) && !force && !refresh {
		return nil
	}
	return e.publish(roomID, candidate)
}

// seedVersion initializes the local version counter once per connection
// epoch: from the desired snapshot, falling back to the reported mirror,
// then zero.
func (e *Engine) seedVersion(roomID string) error {
	e.mu.Lock()
	seeded := e.seeded
	e.mu.Unlock()
	if seeded {
		return nil
	}

	seedState := contracts.Desired{Mode: contracts.ModeOff}
	found := false
	for _, key := range []string{contracts.KeyDesired(roomID), contracts.KeyReported(roomID)} {
		stored, isNull, err := e.client.Get(key)
		if err != nil {
			return err
		}
		if isNull || stored == "" {
			continue
		}
		decoded, decodeErr := contracts.DecodeDesired(contracts.SanitizePayload(stored), seedState)
		if decodeErr != nil {
			log.Warn().Err(decodeErr).Str("key", key).Msg("Seed snapshot decode failed")
			continue
		}
		seedState = decoded
		found = true
		break
	}

	e.mu.Lock()
	e.localVer = seedState.Ver
	e.lastPublished = seedState
	e.hasPublished = found
	e.seeded = true
	e.mu.Unlock()

	log.Info().Str("room", roomID).Uint32("ver", seedState.Ver).Msg("Version counter seeded")
	return nil
}

// publish assigns the next version, dual-writes the snapshot key and the
// command stream, and trims the stream.
func (e *Engine) publish(roomID string, candidate contracts.Desired) error {
	e.mu.Lock()
	if candidate.Ver <= e.localVer {
		candidate.Ver = e.localVer + 1
	}
	e.mu.Unlock()

	payload, err := contracts.EncodeDesired(candidate, roomID)
	if err != nil {
		return err
	}
	if err := e.client.Set(contracts.KeyDesired(roomID), payload); err != nil {
		return err
	}
	if err := e.client.XAddJSON(contracts.StreamCmd(roomID), payload); err != nil {
		return err
	}
	e.client.XTrimApprox(contracts.StreamCmd(roomID), e.cfg.TrimLen)

	e.mu.Lock()
	e.localVer = candidate.Ver
	e.lastPublished = candidate
	e.hasPublished = true
	e.forcePublish = false
	e.lastPublishAt = e.now()
	e.mu.Unlock()

	log.Info().
		Str("room", roomID).
		Str("mode", candidate.Mode).
		Uint8("brightness", candidate.Brightness).
		Uint32("ver", candidate.Ver).
		Msg("Desired state published")
	e.bus.Publish(eventbus.Event{
		Type: eventbus.EventPublished, Role: "publisher",
		RoomID: roomID, State: candidate,
	})
	return nil
}
