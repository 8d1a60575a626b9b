// Package redistest runs an in-process RESP server covering exactly the
// command surface the sync protocol uses. Tests dial it like a real store:
// AUTH/PING, string keys with TTL, streams with blocking reads, approximate
// trimming, and EVAL executed through an embedded Lua VM so the actual
// provisioning script runs against the in-memory keyspace.
package redistest

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dokzlo13/roomsyncd/internal/resp"
)

// Server is a minimal single-process Redis stand-in.
type Server struct {
	ln       net.Listener
	password string

	mu      sync.Mutex
	strings map[string]stringValue
	streams map[string][]streamEntry
	lastID  map[string]entryID
	changed chan struct{}

	closed  chan struct{}
	conns   map[net.Conn]struct{}
	connsMu sync.Mutex
}

type stringValue struct {
	data      string
	expiresAt time.Time // zero means no TTL
}

type streamEntry struct {
	id     entryID
	fields []string // flat name/value pairs
}

type entryID struct {
	ms  int64
	seq int64
}

func (id entryID) String() string {
	return fmt.Sprintf("%d-%d", id.ms, id.seq)
}

func (id entryID) less(other entryID) bool {
	if id.ms != other.ms {
		return id.ms < other.ms
	}
	return id.seq < other.seq
}

func parseEntryID(s string) (entryID, bool) {
	ms, seq, found := strings.Cut(s, "-")
	var id entryID
	var err error
	if id.ms, err = strconv.ParseInt(ms, 10, 64); err != nil {
		return entryID{}, false
	}
	if found {
		if id.seq, err = strconv.ParseInt(seq, 10, 64); err != nil {
			return entryID{}, false
		}
	}
	return id, true
}

// Start launches a server listening on a random loopback port.
func Start(password string) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:       ln,
		password: password,
		strings:  make(map[string]stringValue),
		streams:  make(map[string][]streamEntry),
		lastID:   make(map[string]entryID),
		changed:  make(chan struct{}),
		closed:   make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops the listener and drops every live connection.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	s.ln.Close()
	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()
}

// DropConnections severs every live client connection while keeping the
// listener up, simulating a transport blip.
func (s *Server) DropConnections() {
	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
	s.connsMu.Unlock()
}

// GetString returns the current value of a string key for assertions.
func (s *Server) GetString(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.getStringLocked(key)
	return val, ok
}

// SetString seeds a string key directly.
func (s *Server) SetString(key, value string) {
	s.mu.Lock()
	s.strings[key] = stringValue{data: value}
	s.mu.Unlock()
}

// StreamLen returns the number of retained entries in a stream.
func (s *Server) StreamLen(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[stream])
}

// StreamPayloads returns the "p" field of every retained entry, oldest first.
func (s *Server) StreamPayloads(stream string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, entry := range s.streams[stream] {
		for i := 0; i+1 < len(entry.fields); i += 2 {
			if entry.fields[i] == "p" {
				out = append(out, entry.fields[i+1])
			}
		}
	}
	return out
}

// Append adds a stream entry directly, bypassing the wire protocol.
func (s *Server) Append(stream, payload string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(stream, []string{"p", payload}).String()
}

// Keys returns all live string keys, sorted, for assertions.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.strings))
	for key := range s.strings {
		if _, ok := s.getStringLocked(key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()

	reader := bufio.NewReader(conn)
	authed := s.password == ""

	for {
		cmd, err := readCommand(reader)
		if err != nil {
			return
		}
		if len(cmd) == 0 {
			continue
		}

		name := strings.ToUpper(cmd[0])
		if !authed && name != "AUTH" {
			writeError(conn, "NOAUTH Authentication required.")
			continue
		}

		switch name {
		case "AUTH":
			if len(cmd) != 2 || cmd[1] != s.password {
				writeError(conn, "ERR invalid password")
				continue
			}
			authed = true
			writeStatus(conn, "OK")

		case "PING":
			writeStatus(conn, "PONG")

		case "GET":
			s.cmdGet(conn, cmd)

		case "SET":
			s.cmdSet(conn, cmd)

		case "EXPIRE":
			s.cmdExpire(conn, cmd)

		case "EVAL":
			s.cmdEval(conn, cmd)

		case "XADD":
			s.cmdXAdd(conn, cmd)

		case "XTRIM":
			s.cmdXTrim(conn, cmd)

		case "XREAD":
			s.cmdXRead(conn, cmd)

		case "XREVRANGE":
			s.cmdXRevRange(conn, cmd)

		default:
			writeError(conn, "ERR unknown command '"+cmd[0]+"'")
		}
	}
}

// readCommand parses one inbound RESP command (an array of bulk strings).
func readCommand(reader *bufio.Reader) ([]string, error) {
	reply, err := resp.ReadReply(reader)
	if err != nil {
		return nil, err
	}
	if reply.Kind != resp.KindArray || reply.Null {
		return nil, fmt.Errorf("redistest: inbound command is not an array")
	}
	args := make([]string, 0, len(reply.Entries))
	for _, entry := range reply.Entries {
		arg, ok := entry.Bulk()
		if !ok {
			return nil, fmt.Errorf("redistest: inbound argument is not a bulk string")
		}
		args = append(args, arg)
	}
	return args, nil
}

func (s *Server) getStringLocked(key string) (string, bool) {
	val, ok := s.strings[key]
	if !ok {
		return "", false
	}
	if !val.expiresAt.IsZero() && time.Now().After(val.expiresAt) {
		delete(s.strings, key)
		return "", false
	}
	return val.data, true
}

func (s *Server) cmdGet(conn net.Conn, cmd []string) {
	if len(cmd) != 2 {
		writeError(conn, "ERR wrong number of arguments for 'get' command")
		return
	}
	s.mu.Lock()
	val, ok := s.getStringLocked(cmd[1])
	s.mu.Unlock()
	if !ok {
		writeNullBulk(conn)
		return
	}
	writeBulk(conn, val)
}

func (s *Server) cmdSet(conn net.Conn, cmd []string) {
	if len(cmd) != 3 && !(len(cmd) == 5 && strings.ToUpper(cmd[3]) == "EX") {
		writeError(conn, "ERR syntax error")
		return
	}
	val := stringValue{data: cmd[2]}
	if len(cmd) == 5 {
		ttl, err := strconv.Atoi(cmd[4])
		if err != nil || ttl <= 0 {
			writeError(conn, "ERR invalid expire time in 'set' command")
			return
		}
		val.expiresAt = time.Now().Add(time.Duration(ttl) * time.Second)
	}
	s.mu.Lock()
	s.strings[cmd[1]] = val
	s.mu.Unlock()
	writeStatus(conn, "OK")
}

func (s *Server) cmdExpire(conn net.Conn, cmd []string) {
	if len(cmd) != 3 {
		writeError(conn, "ERR wrong number of arguments for 'expire' command")
		return
	}
	ttl, err := strconv.Atoi(cmd[2])
	if err != nil {
		writeError(conn, "ERR value is not an integer or out of range")
		return
	}
	s.mu.Lock()
	_, ok := s.getStringLocked(cmd[1])
	if ok {
		val := s.strings[cmd[1]]
		val.expiresAt = time.Now().Add(time.Duration(ttl) * time.Second)
		s.strings[cmd[1]] = val
	}
	s.mu.Unlock()
	if ok {
		writeInteger(conn, 1)
	} else {
		writeInteger(conn, 0)
	}
}

func (s *Server) appendLocked(stream string, fields []string) entryID {
	now := time.Now().UnixMilli()
	id := entryID{ms: now}
	if last, ok := s.lastID[stream]; ok && !last.less(id) {
		id = entryID{ms: last.ms, seq: last.seq + 1}
	}
	s.lastID[stream] = id
	s.streams[stream] = append(s.streams[stream], streamEntry{id: id, fields: fields})

	close(s.changed)
	s.changed = make(chan struct{})
	return id
}

func (s *Server) cmdXAdd(conn net.Conn, cmd []string) {
	if len(cmd) < 5 || cmd[2] != "*" || (len(cmd)-3)%2 != 0 {
		writeError(conn, "ERR wrong number of arguments for 'xadd' command")
		return
	}
	s.mu.Lock()
	id := s.appendLocked(cmd[1], cmd[3:])
	s.mu.Unlock()
	writeBulk(conn, id.String())
}

func (s *Server) cmdXTrim(conn net.Conn, cmd []string) {
	if len(cmd) != 5 || strings.ToUpper(cmd[2]) != "MAXLEN" || cmd[3] != "~" {
		writeError(conn, "ERR syntax error")
		return
	}
	maxLen, err := strconv.Atoi(cmd[4])
	if err != nil || maxLen < 0 {
		writeError(conn, "ERR value is not an integer or out of range")
		return
	}
	s.mu.Lock()
	entries := s.streams[cmd[1]]
	removed := 0
	if len(entries) > maxLen {
		removed = len(entries) - maxLen
		s.streams[cmd[1]] = append([]streamEntry(nil), entries[removed:]...)
	}
	s.mu.Unlock()
	writeInteger(conn, int64(removed))
}

func (s *Server) cmdXRead(conn net.Conn, cmd []string) {
	// XREAD BLOCK <ms> COUNT <n> STREAMS <stream> <since>
	if len(cmd) != 8 ||
		strings.ToUpper(cmd[1]) != "BLOCK" ||
		strings.ToUpper(cmd[3]) != "COUNT" ||
		strings.ToUpper(cmd[5]) != "STREAMS" {
		writeError(conn, "ERR syntax error")
		return
	}
	blockMs, err := strconv.Atoi(cmd[2])
	if err != nil || blockMs < 0 {
		writeError(conn, "ERR timeout is not an integer or out of range")
		return
	}
	stream := cmd[6]
	since, ok := parseEntryID(cmd[7])
	if !ok {
		writeError(conn, "ERR Invalid stream ID specified as stream command argument")
		return
	}

	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		s.mu.Lock()
		entry, found := firstAfter(s.streams[stream], since)
		changed := s.changed
		s.mu.Unlock()

		if found {
			writeXReadResult(conn, stream, entry)
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			writeNullArray(conn)
			return
		}
		timer := time.NewTimer(remaining)
		select {
		case <-changed:
			timer.Stop()
		case <-timer.C:
		case <-s.closed:
			timer.Stop()
			return
		}
	}
}

func firstAfter(entries []streamEntry, since entryID) (streamEntry, bool) {
	for _, entry := range entries {
		if since.less(entry.id) {
			return entry, true
		}
	}
	return streamEntry{}, false
}

func (s *Server) cmdXRevRange(conn net.Conn, cmd []string) {
	// XREVRANGE <stream> + - COUNT 1
	if len(cmd) != 6 || cmd[2] != "+" || cmd[3] != "-" || strings.ToUpper(cmd[4]) != "COUNT" {
		writeError(conn, "ERR syntax error")
		return
	}
	s.mu.Lock()
	entries := s.streams[cmd[1]]
	var tail *streamEntry
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		tail = &last
	}
	s.mu.Unlock()

	if tail == nil {
		fmt.Fprint(conn, "*0\r\n")
		return
	}
	var b strings.Builder
	b.WriteString("*1\r\n")
	writeEntryTo(&b, *tail)
	fmt.Fprint(conn, b.String())
}

func writeXReadResult(conn net.Conn, stream string, entry streamEntry) {
	var b strings.Builder
	b.WriteString("*1\r\n")
	b.WriteString("*2\r\n")
	bulkTo(&b, stream)
	b.WriteString("*1\r\n")
	writeEntryTo(&b, entry)
	fmt.Fprint(conn, b.String())
}

func writeEntryTo(b *strings.Builder, entry streamEntry) {
	b.WriteString("*2\r\n")
	bulkTo(b, entry.id.String())
	fmt.Fprintf(b, "*%d\r\n", len(entry.fields))
	for _, field := range entry.fields {
		bulkTo(b, field)
	}
}

func bulkTo(b *strings.Builder, s string) {
	fmt.Fprintf(b, "$%d\r\n%s\r\n", len(s), s)
}

func writeStatus(conn net.Conn, msg string)  { fmt.Fprintf(conn, "+%s\r\n", msg) }
func writeError(conn net.Conn, msg string)   { fmt.Fprintf(conn, "-%s\r\n", msg) }
func writeInteger(conn net.Conn, n int64)    { fmt.Fprintf(conn, ":%d\r\n", n) }
func writeNullBulk(conn net.Conn)            { fmt.Fprint(conn, "$-1\r\n") }
func writeNullArray(conn net.Conn)           { fmt.Fprint(conn, "*-1\r\n") }
func writeBulk(conn net.Conn, payload string) {
	fmt.Fprintf(conn, "$%d\r\n%s\r\n", len(payload), payload)
}
