package redistest

import (
	"fmt"
	"net"
	"strconv"

	glua "github.com/yuin/gopher-lua"
)

// cmdEval executes a server-side script through an embedded Lua VM with a
// redis.call bridge over the in-memory keyspace. The store mutex is held for
// the whole script run, matching the atomicity of real server-side EVAL.
func (s *Server) cmdEval(conn net.Conn, cmd []string) {
	if len(cmd) < 3 {
		writeError(conn, "ERR wrong number of arguments for 'eval' command")
		return
	}
	numKeys, err := strconv.Atoi(cmd[2])
	if err != nil || numKeys < 0 || 3+numKeys > len(cmd) {
		writeError(conn, "ERR value is not an integer or out of range")
		return
	}

	s.mu.Lock()
	result, err := s.runScriptLocked(cmd[1], cmd[3:3+numKeys], cmd[3+numKeys:])
	s.mu.Unlock()

	if err != nil {
		writeError(conn, "ERR "+err.Error())
		return
	}
	writeScriptResult(conn, result)
}

// runScriptLocked evaluates the script with KEYS/ARGV bound and returns the
// raw Lua result. Caller holds s.mu.
func (s *Server) runScriptLocked(script string, keys, argv []string) (glua.LValue, error) {
	L := glua.NewState()
	defer L.Close()

	L.SetGlobal("KEYS", stringsToTable(L, keys))
	L.SetGlobal("ARGV", stringsToTable(L, argv))

	redisTable := L.NewTable()
	L.SetField(redisTable, "call", L.NewFunction(s.luaRedisCall))
	L.SetGlobal("redis", redisTable)

	if err := L.DoString(script); err != nil {
		return glua.LNil, err
	}
	return L.Get(-1), nil
}

// luaRedisCall bridges redis.call(...) to the in-memory store. Only the
// commands the provisioning script needs are implemented. The caller
// already holds s.mu.
func (s *Server) luaRedisCall(L *glua.LState) int {
	name := L.CheckString(1)
	switch name {
	case "GET":
		key := L.CheckString(2)
		if val, ok := s.getStringLocked(key); ok {
			L.Push(glua.LString(val))
		} else {
			// Redis scripting maps a nil bulk reply to false.
			L.Push(glua.LFalse)
		}
		return 1

	case "SET":
		key := L.CheckString(2)
		val := L.CheckString(3)
		s.strings[key] = stringValue{data: val}
		L.Push(glua.LString("OK"))
		return 1

	case "INCR":
		key := L.CheckString(2)
		current := int64(0)
		if val, ok := s.getStringLocked(key); ok {
			parsed, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				L.RaiseError("value is not an integer or out of range")
				return 0
			}
			current = parsed
		}
		current++
		s.strings[key] = stringValue{data: strconv.FormatInt(current, 10)}
		L.Push(glua.LNumber(current))
		return 1

	case "EXISTS":
		key := L.CheckString(2)
		if _, ok := s.getStringLocked(key); ok {
			L.Push(glua.LNumber(1))
		} else {
			L.Push(glua.LNumber(0))
		}
		return 1

	default:
		L.RaiseError("unsupported command in redistest eval: %s", name)
		return 0
	}
}

func stringsToTable(L *glua.LState, values []string) *glua.LTable {
	tbl := L.NewTable()
	for i, v := range values {
		tbl.RawSetInt(i+1, glua.LString(v))
	}
	return tbl
}

// writeScriptResult maps a Lua return value onto a RESP reply the way the
// real server does: strings to bulk, numbers to integers, false/nil to a
// null bulk.
func writeScriptResult(conn net.Conn, value glua.LValue) {
	switch v := value.(type) {
	case glua.LString:
		writeBulk(conn, string(v))
	case glua.LNumber:
		writeInteger(conn, int64(v))
	case *glua.LNilType:
		writeNullBulk(conn)
	case glua.LBool:
		if bool(v) {
			writeInteger(conn, 1)
		} else {
			writeNullBulk(conn)
		}
	default:
		writeError(conn, fmt.Sprintf("ERR unsupported script result type %T", value))
	}
}
