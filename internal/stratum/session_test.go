package stratum

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/bardlex/poolportal/pkg/log"
)

type echoHandler struct{}

func (echoHandler) HandleMessage(_ context.Context, s *Session, msg *Message) error {
	return s.SendResponse(msg.ID, msg.Method)
}

func newPipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	logger := log.NewWithWriter(&bytes.Buffer{}, "test", "dev", "debug", "json")
	return NewSession("s1", server, 3001, logger, time.Second, time.Second), client
}

func TestSession_RequestResponse(t *testing.T) {
	session, client := newPipeSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Start(ctx, echoHandler{}) }()

	if _, err := client.Write([]byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := bufio.NewReader(client)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if want := `{"id":1,"result":"mining.subscribe","error":null}` + "\n"; line != want {
		t.Errorf("response = %q, want %q", line, want)
	}

	if _, err := client.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := ParseMessage([]byte(line))
	if err != nil || msg.Error == nil || msg.Error.Code != ErrorParseError {
		t.Errorf("parse error response = %q", line)
	}

	session.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after Close()")
	}
	if err := session.SendResponse(2, true); err == nil {
		t.Error("SendResponse() after Close() error = nil")
	}
}

func TestSession_State(t *testing.T) {
	session, _ := newPipeSession(t)

	if session.IsSubscribed() || session.IsAuthorized() {
		t.Fatal("new session should be neither subscribed nor authorized")
	}

	session.SetSubscribed("01000001")
	session.SetAuthorized("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa.rig1", true)

	if !session.IsSubscribed() || session.ExtraNonce1() != "01000001" {
		t.Errorf("subscribed = %v, extranonce1 = %q", session.IsSubscribed(), session.ExtraNonce1())
	}
	if !session.IsAuthorized() || session.Worker() != "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa.rig1" {
		t.Errorf("authorized = %v, worker = %q", session.IsAuthorized(), session.Worker())
	}
	if session.Port() != 3001 {
		t.Errorf("Port() = %d, want 3001", session.Port())
	}

	if !session.SetDifficulty(8) {
		t.Error("SetDifficulty(8) reported no change")
	}
	if session.SetDifficulty(8) {
		t.Error("SetDifficulty(8) twice reported a change")
	}
	if session.Difficulty() != 8 {
		t.Errorf("Difficulty() = %v, want 8", session.Difficulty())
	}
}

func TestSession_RecordShare(t *testing.T) {
	session, _ := newPipeSession(t)

	session.RecordShare(true)
	session.RecordShare(false)
	valid, invalid := session.RecordShare(false)
	if valid != 1 || invalid != 2 {
		t.Errorf("RecordShare() = %d/%d, want 1/2", valid, invalid)
	}

	session.ResetShareCounts()
	valid, invalid = session.RecordShare(true)
	if valid != 1 || invalid != 0 {
		t.Errorf("after reset RecordShare() = %d/%d, want 1/0", valid, invalid)
	}
}

func TestSession_RetargetWithoutVardiff(t *testing.T) {
	session, _ := newPipeSession(t)
	if _, ok := session.Retarget(time.Now()); ok {
		t.Error("Retarget() without vardiff reported a change")
	}
}
