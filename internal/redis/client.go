package redis

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomsyncd/internal/resp"
)

// ErrUnexpectedReply is returned when the server answers with a reply shape
// the command does not accept (e.g. EXPIRE returning anything but :1).
var ErrUnexpectedReply = errors.New("redis: unexpected reply")

// Client gives each RESP interaction a single-purpose typed method so the
// reconciliation engines never see raw reply shapes.
type Client struct {
	session *Session
}

// NewClient wraps an existing session.
func NewClient(session *Session) *Client {
	return &Client{session: session}
}

// Session exposes the underlying transport session for lifecycle control.
func (c *Client) Session() *Session { return c.session }

// roundTrip issues one command and reads back its reply, rejecting
// server-side error replies.
func (c *Client) roundTrip(args ...string) (resp.Reply, error) {
	if err := c.session.Send(args...); err != nil {
		return resp.Reply{}, err
	}
	reply, err := c.session.ReadReply()
	if err != nil {
		return resp.Reply{}, err
	}
	if reply.IsError() {
		c.session.setLastErr(reply.Str)
		return resp.Reply{}, fmt.Errorf("redis: %s: server error: %s", args[0], reply.Str)
	}
	return reply, nil
}

func (c *Client) expectStatus(args ...string) error {
	reply, err := c.roundTrip(args...)
	if err != nil {
		return err
	}
	if reply.Kind != resp.KindStatus {
		c.session.setLastErr("unexpected " + reply.Kind.String() + " reply")
		return fmt.Errorf("%w: %s returned %s, want status", ErrUnexpectedReply, args[0], reply.Kind)
	}
	return nil
}

func (c *Client) expectInteger(args ...string) (int64, error) {
	reply, err := c.roundTrip(args...)
	if err != nil {
		return 0, err
	}
	if reply.Kind != resp.KindInteger {
		c.session.setLastErr("unexpected " + reply.Kind.String() + " reply")
		return 0, fmt.Errorf("%w: %s returned %s, want integer", ErrUnexpectedReply, args[0], reply.Kind)
	}
	return reply.Int, nil
}

func (c *Client) expectBulk(args ...string) (string, bool, error) {
	reply, err := c.roundTrip(args...)
	if err != nil {
		return "", false, err
	}
	if reply.Kind != resp.KindBulkString {
		c.session.setLastErr("unexpected " + reply.Kind.String() + " reply")
		return "", false, fmt.Errorf("%w: %s returned %s, want bulk", ErrUnexpectedReply, args[0], reply.Kind)
	}
	if reply.Null {
		return "", true, nil
	}
	return reply.Str, false, nil
}

// Auth authenticates the session. An empty password is a no-op, matching
// stores running without requirepass.
func (c *Client) Auth(password string) error {
	if password == "" {
		return nil
	}
	return c.expectStatus("AUTH", password)
}

// Ping verifies liveness with a round trip.
func (c *Client) Ping() error {
	return c.expectStatus("PING")
}

// Get fetches a string key. isNull reports a nil reply, distinct from an
// empty string.
func (c *Client) Get(key string) (value string, isNull bool, err error) {
	return c.expectBulk("GET", key)
}

// Set overwrites a string key.
func (c *Client) Set(key, value string) error {
	return c.expectStatus("SET", key, value)
}

// SetEx writes a heartbeat-style key with a TTL in one command.
func (c *Client) SetEx(key, value string, ttlSec int) error {
	return c.expectStatus("SET", key, value, "EX", strconv.Itoa(ttlSec))
}

// Expire sets a TTL on an existing key. The store answers :1 when the key
// exists; anything else is a failure.
func (c *Client) Expire(key string, ttlSec int) error {
	n, err := c.expectInteger("EXPIRE", key, strconv.Itoa(ttlSec))
	if err != nil {
		return err
	}
	if n != 1 {
		c.session.setLastErr("expire returned " + strconv.FormatInt(n, 10))
		return fmt.Errorf("%w: EXPIRE %s returned %d, want 1", ErrUnexpectedReply, key, n)
	}
	return nil
}

// EvalRoomScript runs the server-side provisioning script as an atomic RPC
// and returns the allocated room id. Safe to call repeatedly with the same
// device id.
func (c *Client) EvalRoomScript(script, deviceID string, baseID int) (string, error) {
	roomID, isNull, err := c.expectBulk("EVAL", script, "0", deviceID, strconv.Itoa(baseID))
	if err != nil {
		return "", err
	}
	if isNull || roomID == "" {
		c.session.setLastErr("provision returned empty room id")
		return "", fmt.Errorf("%w: EVAL returned no room id", ErrUnexpectedReply)
	}
	return roomID, nil
}

// XAddJSON appends a JSON payload to a stream under the single field "p".
// The generated entry id is discarded.
func (c *Client) XAddJSON(stream, payload string) error {
	_, _, err := c.expectBulk("XADD", stream, "*", "p", payload)
	return err
}

// XTrimApprox soft-trims a stream (`MAXLEN ~`) to bound store memory.
// Trimming is best-effort: failures are logged, never propagated.
func (c *Client) XTrimApprox(stream string, maxLen int) {
	if _, err := c.expectInteger("XTRIM", stream, "MAXLEN", "~", strconv.Itoa(maxLen)); err != nil {
		log.Warn().Err(err).Str("stream", stream).Msg("Stream trim failed")
	}
}

// StreamEntry is one delivered stream record: the opaque cursor id plus the
// JSON payload carried in field "p".
type StreamEntry struct {
	ID      string
	Payload string
}

// XReadLatest performs a blocking read of at most one new entry after
// sinceID. A nil result with nil error means the server-side block elapsed
// with nothing new - that is not a failure.
func (c *Client) XReadLatest(stream string, blockMs int, sinceID string) (*StreamEntry, error) {
	reply, err := c.roundTrip(
		"XREAD",
		"BLOCK", strconv.Itoa(blockMs),
		"COUNT", "1",
		"STREAMS", stream, sinceID,
	)
	if err != nil {
		return nil, err
	}
	if reply.Kind != resp.KindArray {
		c.session.setLastErr("unexpected " + reply.Kind.String() + " reply")
		return nil, fmt.Errorf("%w: XREAD returned %s, want array", ErrUnexpectedReply, reply.Kind)
	}
	if reply.Null || len(reply.Entries) == 0 {
		return nil, nil
	}
	return extractXReadEntry(reply)
}

// extractXReadEntry walks the nested XREAD result: top array of per-stream
// pairs, each pair (name, entries), each entry (id, flat field array). The
// first entry carrying a "p" field wins.
func extractXReadEntry(reply resp.Reply) (*StreamEntry, error) {
	for _, pair := range reply.Entries {
		if pair.Kind != resp.KindArray || len(pair.Entries) < 2 {
			return nil, fmt.Errorf("%w: malformed XREAD stream pair", ErrUnexpectedReply)
		}
		entries := pair.Entries[1]
		if entries.Kind != resp.KindArray {
			return nil, fmt.Errorf("%w: malformed XREAD entry list", ErrUnexpectedReply)
		}
		for _, entry := range entries.Entries {
			if entry.Kind != resp.KindArray || len(entry.Entries) < 2 {
				return nil, fmt.Errorf("%w: malformed XREAD entry", ErrUnexpectedReply)
			}
			id, ok := entry.Entries[0].Bulk()
			if !ok {
				return nil, fmt.Errorf("%w: XREAD entry id is not a bulk string", ErrUnexpectedReply)
			}
			fields := entry.Entries[1]
			for i := 0; i+1 < len(fields.Entries); i += 2 {
				name, _ := fields.Entries[i].Bulk()
				if name != "p" {
					continue
				}
				payload, _ := fields.Entries[i+1].Bulk()
				return &StreamEntry{ID: id, Payload: payload}, nil
			}
		}
	}
	return nil, nil
}

// StreamTailID returns the id of the most recent stream entry, or empty
// when the stream has none, so consumers can resume reading at the tail.
func (c *Client) StreamTailID(stream string) (string, error) {
	reply, err := c.roundTrip("XREVRANGE", stream, "+", "-", "COUNT", "1")
	if err != nil {
		return "", err
	}
	if reply.Kind != resp.KindArray {
		c.session.setLastErr("unexpected " + reply.Kind.String() + " reply")
		return "", fmt.Errorf("%w: XREVRANGE returned %s, want array", ErrUnexpectedReply, reply.Kind)
	}
	if reply.Null || len(reply.Entries) == 0 {
		return "", nil
	}
	entry := reply.Entries[0]
	if entry.Kind != resp.KindArray || len(entry.Entries) < 1 {
		return "", fmt.Errorf("%w: malformed XREVRANGE entry", ErrUnexpectedReply)
	}
	id, ok := entry.Entries[0].Bulk()
	if !ok {
		return "", fmt.Errorf("%w: XREVRANGE entry id is not a bulk string", ErrUnexpectedReply)
	}
	return id, nil
}
