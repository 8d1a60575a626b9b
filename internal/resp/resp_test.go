package resp

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "set",
			args: []string{"SET", "k", "v"},
			want: "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n",
		},
		{
			name: "ping",
			args: []string{"PING"},
			want: "*1\r\n$4\r\nPING\r\n",
		},
		{
			name: "empty_argument",
			args: []string{"SET", "k", ""},
			want: "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$0\r\n\r\n",
		},
		{
			name: "binary_safe_payload",
			args: []string{"SET", "k", "a\r\nb"},
			want: "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$4\r\na\r\nb\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(EncodeCommand(tt.args...))
			if got != tt.want {
				t.Errorf("EncodeCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestAppendCommandMatchesEncode(t *testing.T) {
	args := []string{"XADD", "cmd:room:7", "*", "p", `{"mode":"on"}`}
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	got := string(AppendCommand(nil, raw...))
	want := string(EncodeCommand(args...))
	if got != want {
		t.Errorf("AppendCommand = %q, want %q", got, want)
	}
}

func parse(t *testing.T, wire string) Reply {
	t.Helper()
	reply, err := ReadReply(bufio.NewReader(strings.NewReader(wire)))
	if err != nil {
		t.Fatalf("ReadReply(%q) error: %v", wire, err)
	}
	return reply
}

func TestReadReply_Status(t *testing.T) {
	reply := parse(t, "+OK\r\n")
	if reply.Kind != KindStatus || reply.Str != "OK" {
		t.Errorf("got %+v, want status OK", reply)
	}
}

func TestReadReply_Error(t *testing.T) {
	reply := parse(t, "-ERR unknown command\r\n")
	if !reply.IsError() || reply.Str != "ERR unknown command" {
		t.Errorf("got %+v, want error reply", reply)
	}
}

func TestReadReply_Integer(t *testing.T) {
	reply := parse(t, ":42\r\n")
	if reply.Kind != KindInteger || reply.Int != 42 {
		t.Errorf("got %+v, want integer 42", reply)
	}
	reply = parse(t, ":-1\r\n")
	if reply.Int != -1 {
		t.Errorf("got %+v, want integer -1", reply)
	}
}

func TestReadReply_BulkString(t *testing.T) {
	reply := parse(t, "$5\r\nhello\r\n")
	got, ok := reply.Bulk()
	if !ok || got != "hello" {
		t.Errorf("got %+v, want bulk %q", reply, "hello")
	}
}

func TestReadReply_NullBulk(t *testing.T) {
	reply := parse(t, "$-1\r\n")
	if reply.Kind != KindBulkString || !reply.Null {
		t.Errorf("got %+v, want null bulk", reply)
	}
	if _, ok := reply.Bulk(); ok {
		t.Error("Bulk() should report false for null bulk")
	}
}

func TestReadReply_EmptyBulkIsNotNull(t *testing.T) {
	reply := parse(t, "$0\r\n\r\n")
	got, ok := reply.Bulk()
	if !ok || got != "" {
		t.Errorf("got %+v, want empty non-null bulk", reply)
	}
}

func TestReadReply_NullArray(t *testing.T) {
	// XREAD signals a block timeout with a null array.
	reply := parse(t, "*-1\r\n")
	if reply.Kind != KindArray || !reply.Null || reply.Entries != nil {
		t.Errorf("got %+v, want null array", reply)
	}
}

func TestReadReply_NestedXreadShape(t *testing.T) {
	// XREAD reply: [[stream, [[id, [field, value]]]]]
	wire := "*1\r\n" +
		"*2\r\n" +
		"$10\r\ncmd:room:7\r\n" +
		"*1\r\n" +
		"*2\r\n" +
		"$15\r\n1700000000000-0\r\n" +
		"*2\r\n" +
		"$1\r\np\r\n" +
		"$24\r\n{\"mode\":\"on\",\"ver\":3}   \r\n"

	reply := parse(t, wire)
	if reply.Kind != KindArray || len(reply.Entries) != 1 {
		t.Fatalf("top level: got %+v", reply)
	}
	pair := reply.Entries[0]
	if len(pair.Entries) != 2 {
		t.Fatalf("stream pair: got %+v", pair)
	}
	if name, _ := pair.Entries[0].Bulk(); name != "cmd:room:7" {
		t.Errorf("stream name = %q", name)
	}
	entry := pair.Entries[1].Entries[0]
	if id, _ := entry.Entries[0].Bulk(); id != "1700000000000-0" {
		t.Errorf("entry id = %q", id)
	}
	fields := entry.Entries[1]
	if name, _ := fields.Entries[0].Bulk(); name != "p" {
		t.Errorf("field name = %q", name)
	}
}

func TestReadReply_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{name: "unknown_tag", wire: "?what\r\n"},
		{name: "bad_bulk_length", wire: "$abc\r\n"},
		{name: "truncated_bulk", wire: "$10\r\nshort\r\n"},
		{name: "bulk_missing_crlf", wire: "$5\r\nhelloXY"},
		{name: "header_missing_cr", wire: "+OK\n"},
		{name: "bad_integer", wire: ":12a\r\n"},
		{name: "bad_array_length", wire: "*x\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadReply(bufio.NewReader(strings.NewReader(tt.wire)))
			if err == nil {
				t.Fatalf("ReadReply(%q) succeeded, want error", tt.wire)
			}
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("ReadReply(%q) error = %v, want ErrProtocol", tt.wire, err)
			}
		})
	}
}

func TestReadReply_NoDataIsNotProtocolError(t *testing.T) {
	// An empty stream (nothing sent yet) must surface as plain I/O error,
	// distinct from a malformed frame.
	_, err := ReadReply(bufio.NewReader(strings.NewReader("")))
	if err == nil {
		t.Fatal("want error on empty stream")
	}
	if errors.Is(err, ErrProtocol) {
		t.Errorf("empty stream error = %v, must not be ErrProtocol", err)
	}
}
