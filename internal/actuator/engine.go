// Package actuator implements the consuming side of the sync protocol: it
// provisions a room identity, pulls the desired-state snapshot, then follows
// the command stream and drives every strictly-newer version to its output,
// mirroring applied state back to the store.
package actuator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomsyncd/internal/backoff"
	"github.com/dokzlo13/roomsyncd/internal/contracts"
	"github.com/dokzlo13/roomsyncd/internal/eventbus"
	"github.com/dokzlo13/roomsyncd/internal/redis"
)

// State names the engine's position in its connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateProvisioning State = "provisioning"
	StateSyncing      State = "syncing"
	StateSteady       State = "steady"
)

// Config holds the actuator engine parameters.
type Config struct {
	Addr     string
	Password string
	DeviceID string
	BaseID   int // provisioning floor for allocated room ids

	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	BlockMs           int // server-side XREAD block duration
	HeartbeatInterval time.Duration
	TrimLen           int

	BackoffSteps  []time.Duration
	BackoffJitter time.Duration
}

// Engine owns one session and runs the Disconnected -> Provisioning ->
// Syncing -> Steady state machine on a single goroutine, preserving the
// one-command-in-flight invariant.
type Engine struct {
	cfg    Config
	client *redis.Client
	output Output
	bus    *eventbus.Bus

	mu            sync.Mutex
	state         State
	roomID        string
	lastApplied   contracts.Desired
	hasApplied    bool
	cursor        string
	lastHeartbeat time.Time
}

// New creates a stopped engine.
func New(cfg Config, output Output, bus *eventbus.Bus) *Engine {
	if cfg.BlockMs <= 0 {
		cfg.BlockMs = 1000
	}
	if cfg.TrimLen <= 0 {
		cfg.TrimLen = contracts.StreamTrimLen
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	return &Engine{
		cfg:    cfg,
		client: redis.NewClient(redis.NewSession(cfg.ReadTimeout)),
		output: output,
		bus:    bus,
		state:  StateDisconnected,
	}
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	State       State             `json:"state"`
	RoomID      string            `json:"room_id,omitempty"`
	LastApplied contracts.Desired `json:"last_applied"`
	Cursor      string            `json:"cursor,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:       e.state,
		RoomID:      e.roomID,
		LastApplied: e.lastApplied,
		Cursor:      e.cursor,
		LastError:   e.client.Session().LastError(),
	}
}

// RoomID returns the provisioned room id, empty before provisioning.
func (e *Engine) RoomID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roomID
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run drives the engine until the context is cancelled. Every failure tears
// the session down, resets derived state and retries after a stepped
// backoff.
func (e *Engine) Run(ctx context.Context) {
	boff := backoff.New(e.cfg.BackoffSteps, e.cfg.BackoffJitter)

	for ctx.Err() == nil {
		if err := e.connect(); err != nil {
			log.Warn().Err(err).Str("addr", e.cfg.Addr).Msg("Actuator connect failed")
			// Connection-level failures make the cached identity suspect.
			e.reset(true)
			if !boff.Wait(ctx.Done()) {
				break
			}
			continue
		}
		boff.Reset()
		e.bus.Publish(eventbus.Event{Type: eventbus.EventConnection, Role: "actuator", Up: true})

		err := e.sync(ctx)
		e.client.Session().Stop()
		e.setState(StateDisconnected)
		e.bus.Publish(eventbus.Event{
			Type: eventbus.EventConnection, Role: "actuator", Up: false,
			RoomID: e.RoomID(), Detail: e.client.Session().LastError(),
		})

		if ctx.Err() != nil {
			break
		}
		if err != nil {
			log.Warn().Err(err).Msg("Actuator session failed")
			// Mid-session blips keep the room id; provisioning is
			// idempotent either way.
			e.reset(false)
			if !boff.Wait(ctx.Done()) {
				break
			}
		}
	}
	e.client.Session().Stop()
	e.setState(StateDisconnected)
}

// connect dials the store and verifies the session with AUTH and PING.
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

// reset clears all state derived from the previous session. The room
// identity survives transient blips and is dropped only when dropRoom is
// set.
func (e *Engine) reset(dropRoom bool) {
	e.mu.Lock()
	e.hasApplied = false
	e.lastApplied = contracts.Desired{}
	e.cursor = ""
	e.lastHeartbeat = time.Time{}
	if dropRoom {
		e.roomID = ""
	}
	e.mu.Unlock()
}

// sync provisions, replays the snapshot and then pumps the command stream
// until a failure or cancellation.
func (e *Engine) sync(ctx context.Context) error {
	e.setState(StateProvisioning)
	if e.RoomID() == "" {
		roomID, err := e.client.EvalRoomScript(redis.ProvisionScript, e.cfg.DeviceID, e.cfg.BaseID)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.roomID = roomID
		e.mu.Unlock()
		log.Info().Str("room", roomID).Str("device", e.cfg.DeviceID).Msg("Room provisioned")
	}

	e.setState(StateSyncing)
	if err := e.replaySnapshot(); err != nil {
		return err
	}

	e.setState(StateSteady)
	for ctx.Err() == nil {
		if err := e.maintainHeartbeat(); err != nil {
			return err
		}
		if err := e.pumpStream(); err != nil {
			return err
		}
	}
	return nil
}

// replaySnapshot applies the current snapshot (or the built-in off default
// when absent), mirrors it, and primes the stream cursor at the tail so
// only events after this snapshot are replayed.
func (e *Engine) replaySnapshot() error {
	roomID := e.RoomID()

	stored, isNull, err := e.client.Get(contracts.KeyDesired(roomID))
	if err != nil {
		return err
	}

	desired := contracts.Desired{Mode: contracts.ModeOff}
	if !isNull && stored != "" {
		decoded, decodeErr := contracts.DecodeDesired(contracts.SanitizePayload(stored), desired)
		if decodeErr != nil {
			// A corrupt snapshot falls back to the off default instead of
			// wedging the engine.
			log.Warn().Err(decodeErr).Str("room", roomID).Msg("Snapshot decode failed, using default")
			e.bus.Publish(eventbus.Event{
				Type: eventbus.EventDecodeError, Role: "actuator",
				RoomID: roomID, Detail: decodeErr.Error(),
			})
		} else {
			desired = decoded
		}
	}

	if err := e.apply(desired); err != nil {
		return err
	}

	tail, err := e.client.StreamTailID(contracts.StreamCmd(roomID))
	if err != nil {
		return err
	}
	if tail == "" {
		tail = "0-0"
	}
	e.mu.Lock()
	e.cursor = tail
	e.mu.Unlock()

	log.Info().
		Str("room", roomID).
		Str("cursor", tail).
		Uint32("ver", desired.Ver).
		Msg("Snapshot replayed, cursor primed at tail")
	return nil
}

// apply drives the output and mirrors the applied state to the reported key
// and the acknowledgment stream.
func (e *Engine) apply(desired contracts.Desired) error {
	roomID := e.RoomID()

	e.output.Apply(desired.Mode, desired.Brightness)
	e.mu.Lock()
	e.lastApplied = desired
	e.hasApplied = true
	e.mu.Unlock()

	payload, err := contracts.EncodeDesired(desired, roomID)
	if err != nil {
		return err
	}
	if err := e.client.Set(contracts.KeyReported(roomID), payload); err != nil {
		return err
	}
	if err := e.client.XAddJSON(contracts.StreamState(roomID), payload); err != nil {
		return err
	}
	e.client.XTrimApprox(contracts.StreamState(roomID), e.cfg.TrimLen)

	e.bus.Publish(eventbus.Event{
		Type: eventbus.EventApplied, Role: "actuator",
		RoomID: roomID, State: desired,
	})
	return nil
}

// pumpStream issues one blocking stream read and processes the delivered
// entry, if any. The cursor advances on every delivery, applied or not, so
// a duplicate or poison entry can never be re-read forever.
func (e *Engine) pumpStream() error {
	e.mu.Lock()
	roomID := e.roomID
	cursor := e.cursor
	prior := e.lastApplied
	e.mu.Unlock()

	entry, err := e.client.XReadLatest(contracts.StreamCmd(roomID), e.cfg.BlockMs, cursor)
	if err != nil {
		// The client-side deadline covers send plus the server block; a
		// bare timeout here means the server never answered.
		return err
	}
	if entry == nil {
		return nil
	}

	e.mu.Lock()
	e.cursor = entry.ID
	e.mu.Unlock()

	desired, err := contracts.DecodeDesired(contracts.SanitizePayload(entry.Payload), prior)
	if err != nil {
		log.Warn().Err(err).
			Str("room", roomID).
			Str("entry", entry.ID).
			Msg("Stream payload discarded")
		e.bus.Publish(eventbus.Event{
			Type: eventbus.EventDecodeError, Role: "actuator",
			RoomID: roomID, Detail: err.Error(),
		})
		return nil
	}

	// Core conflict-avoidance rule: only strictly newer versions apply.
	if desired.Ver <= prior.Ver {
		log.Debug().
			Str("room", roomID).
			Uint32("ver", desired.Ver).
			Uint32("applied", prior.Ver).
			Msg("Stale version dropped")
		e.bus.Publish(eventbus.Event{
			Type: eventbus.EventStaleDropped, Role: "actuator",
			RoomID: roomID, State: desired,
		})
		return nil
	}

	log.Info().
		Str("room", roomID).
		Str("entry", entry.ID).
		Str("mode", desired.Mode).
		Uint8("brightness", desired.Brightness).
		Uint32("ver", desired.Ver).
		Msg("Desired state applied")
	return e.apply(desired)
}

// maintainHeartbeat refreshes the online key when the interval elapsed.
func (e *Engine) maintainHeartbeat() error {
	e.mu.Lock()
	due := time.Since(e.lastHeartbeat) >= e.cfg.HeartbeatInterval
	roomID := e.roomID
	e.mu.Unlock()
	if !due {
		return nil
	}
	if err := e.client.SetEx(contracts.KeyOnline(roomID), "1", contracts.HeartbeatTTLSec); err != nil {
		return err
	}
	e.mu.Lock()
	e.lastHeartbeat = time.Now()
	e.mu.Unlock()
	return nil
}
