package redis

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dokzlo13/roomsyncd/internal/redistest"
)

func dialServer(t *testing.T, srv *redistest.Server) *Client {
	t.Helper()
	session := NewSession(1500 * time.Millisecond)
	if err := session.Connect(srv.Addr(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(session.Stop)
	return NewClient(session)
}

func startServer(t *testing.T, password string) *redistest.Server {
	t.Helper()
	srv, err := redistest.Start(password)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthAndPing(t *testing.T) {
	srv := startServer(t, "hunter2")
	client := dialServer(t, srv)

	if err := client.Ping(); err == nil {
		t.Fatal("ping before auth should fail")
	}
	if err := client.Auth("wrong"); err == nil {
		t.Fatal("auth with wrong password should fail")
	}
	if err := client.Auth("hunter2"); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := client.Ping(); err != nil {
		t.Fatalf("ping after auth: %v", err)
	}
}

func TestAuthEmptyPasswordIsNoop(t *testing.T) {
	srv := startServer(t, "")
	client := dialServer(t, srv)

	if err := client.Auth(""); err != nil {
		t.Fatalf("empty auth: %v", err)
	}
	if err := client.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestGetSet(t *testing.T) {
	srv := startServer(t, "")
	client := dialServer(t, srv)

	_, isNull, err := client.Get("missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if !isNull {
		t.Error("missing key should report null")
	}

	if err := client.Set("room:7:desired", `{"mode":"off"}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, isNull, err := client.Get("room:7:desired")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if isNull || val != `{"mode":"off"}` {
		t.Errorf("get = %q null=%v", val, isNull)
	}
}

func TestExpire(t *testing.T) {
	srv := startServer(t, "")
	client := dialServer(t, srv)

	if err := client.Expire("missing", 10); err == nil {
		t.Error("expire on missing key must fail (reply != 1)")
	}

	srv.SetString("room:7:online", "1")
	if err := client.Expire("room:7:online", 10); err != nil {
		t.Errorf("expire on live key: %v", err)
	}
}

func TestSetEx(t *testing.T) {
	srv := startServer(t, "")
	client := dialServer(t, srv)

	if err := client.SetEx("room:7:online", "1", 10); err != nil {
		t.Fatalf("setex: %v", err)
	}
	if val, ok := srv.GetString("room:7:online"); !ok || val != "1" {
		t.Errorf("heartbeat key = %q ok=%v", val, ok)
	}
}

func TestEvalRoomScriptIsIdempotent(t *testing.T) {
	srv := startServer(t, "")
	client := dialServer(t, srv)

	first, err := client.EvalRoomScript(ProvisionScript, "aa:bb:cc:dd:ee:ff", 100)
	if err != nil {
		t.Fatalf("first provision: %v", err)
	}
	if first != "100" {
		t.Errorf("first room id = %q, want 100 (base floor)", first)
	}

	// Seeded default snapshot, exactly once.
	snapshot, ok := srv.GetString("room:100:desired")
	if !ok || snapshot != `{"mode":"off","brightness":0,"ver":0}` {
		t.Errorf("seeded snapshot = %q ok=%v", snapshot, ok)
	}

	// A later snapshot write must survive re-provisioning.
	srv.SetString("room:100:desired", `{"mode":"on","brightness":70,"ver":4}`)

	second, err := client.EvalRoomScript(ProvisionScript, "aa:bb:cc:dd:ee:ff", 100)
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if second != first {
		t.Errorf("re-provision returned %q, want %q", second, first)
	}
	if snapshot, _ := srv.GetString("room:100:desired"); snapshot != `{"mode":"on","brightness":70,"ver":4}` {
		t.Errorf("re-provision reset snapshot to %q", snapshot)
	}

	// A different device allocates the next id.
	other, err := client.EvalRoomScript(ProvisionScript, "11:22:33:44:55:66", 100)
	if err != nil {
		t.Fatalf("other provision: %v", err)
	}
	if other != "101" {
		t.Errorf("other room id = %q, want 101", other)
	}
}

func TestXAddTrimRead(t *testing.T) {
	srv := startServer(t, "")
	client := dialServer(t, srv)

	for i := 0; i < 5; i++ {
		if err := client.XAddJSON("cmd:room:7", `{"n":`+string(rune('0'+i))+`}`); err != nil {
			t.Fatalf("xadd: %v", err)
		}
	}
	client.XTrimApprox("cmd:room:7", 3)
	if got := srv.StreamLen("cmd:room:7"); got != 3 {
		t.Errorf("stream length after trim = %d, want 3", got)
	}

	tail, err := client.StreamTailID("cmd:room:7")
	if err != nil {
		t.Fatalf("tail id: %v", err)
	}
	if tail == "" {
		t.Fatal("tail id empty on non-empty stream")
	}

	// Nothing newer than the tail: the read must come back empty after the
	// server-side block elapses, with no error.
	entry, err := client.XReadLatest("cmd:room:7", 50, tail)
	if err != nil {
		t.Fatalf("xread at tail: %v", err)
	}
	if entry != nil {
		t.Errorf("xread at tail delivered %+v, want nothing", entry)
	}

	// An append wakes a blocked reader.
	go func() {
		time.Sleep(30 * time.Millisecond)
		srv.Append("cmd:room:7", `{"mode":"on","brightness":50,"ver":1}`)
	}()
	entry, err = client.XReadLatest("cmd:room:7", 1000, tail)
	if err != nil {
		t.Fatalf("xread: %v", err)
	}
	if entry == nil {
		t.Fatal("xread returned no entry")
	}
	if entry.Payload != `{"mode":"on","brightness":50,"ver":1}` {
		t.Errorf("payload = %q", entry.Payload)
	}
	if entry.ID == "" || entry.ID == tail {
		t.Errorf("entry id = %q, want id after %q", entry.ID, tail)
	}
}

func TestStreamTailIDEmptyStream(t *testing.T) {
	srv := startServer(t, "")
	client := dialServer(t, srv)

	tail, err := client.StreamTailID("cmd:room:404")
	if err != nil {
		t.Fatalf("tail id: %v", err)
	}
	if tail != "" {
		t.Errorf("tail id on empty stream = %q, want empty", tail)
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	session := NewSession(time.Second)
	client := NewClient(session)

	if err := client.Ping(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ping on fresh session = %v, want ErrNotConnected", err)
	}
	if session.LastError() == "" {
		t.Error("last error should be retained")
	}

	// Stop is idempotent even when never connected.
	session.Stop()
	session.Stop()
}

func TestReadTimeoutIsDistinctFromClose(t *testing.T) {
	// A listener that accepts and stays silent forces a read timeout.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	session := NewSession(100 * time.Millisecond)
	if err := session.Connect(ln.Addr().String(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Stop()

	client := NewClient(session)
	err = client.Ping()
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("silent server error = %v, want ErrTimeout", err)
	}
	if errors.Is(err, ErrClosed) {
		t.Error("timeout must not be classified as closed")
	}
	if session.LastError() == "" {
		t.Error("last error should be retained after timeout")
	}
}

func TestPeerCloseIsDistinctFromTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	session := NewSession(time.Second)
	if err := session.Connect(ln.Addr().String(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Stop()

	client := NewClient(session)
	err = client.Ping()
	if err == nil {
		t.Fatal("ping against closed peer should fail")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("peer close error = %v, must not be ErrTimeout", err)
	}
}
