package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"roland/internal/command"
	"roland/internal/journal"
	"roland/internal/model"
	"roland/internal/protocol"
	"roland/internal/supervisor"
	"roland/internal/telemetry"
)

type fixture struct {
	srv   *Server
	ts    *httptest.Server
	cmds  *command.Channel
	hub   *telemetry.Hub
	sup   *supervisor.Supervisor
	jrnl  *journal.Journal
	wsURL string
}

func idle(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cmds := command.NewChannel(16)
	hub := telemetry.NewHub(4, nil)
	j, err := journal.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	sup := supervisor.New(cmds, map[supervisor.Mode]supervisor.Task{
		supervisor.FollowLine:   idle,
		supervisor.KeepDistance: idle,
	}, j)

	srv := NewServer(":0", Deps{
		Commands:    cmds,
		Modes:       sup,
		Telemetry:   hub,
		Events:      j,
		Freshness:   time.Hour,
		LinkSession: func() string { return "link-1" },
	})
	ts := httptest.NewServer(srv.Handler())
	f := &fixture{
		srv: srv, ts: ts, cmds: cmds, hub: hub, sup: sup, jrnl: j,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
		sup.Stop()
		_ = j.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	// Snapshot of both topics.
	expectMsg(t, conn, `{"Ultra":null}`)
	expectMsg(t, conn, `{"Track":[false,false,false,false]}`)
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	return strings.TrimSpace(string(data))
}

func expectMsg(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	if got := readMsg(t, conn); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func (f *fixture) receive(t *testing.T) protocol.CommandFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd, err := f.cmds.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	return cmd
}

func TestCommandsReachChannel(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	tests := []struct {
		msg  string
		want protocol.CommandFrame
	}{
		{`{"Buzzer":440}`, protocol.Buzzer{Freq: 440}},
		{`{"LED":[1,2,3]}`, protocol.LED{R: 1, G: 2, B: 3}},
		{`{"Servo":100}`, protocol.Servo{Degrees: 90}},
		{`{"Motor":[0.5,-1]}`, protocol.Motor{Left: 32768, Right: -65535}},
	}
	for _, tt := range tests {
		send(t, conn, tt.msg)
		if got := f.receive(t); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s -> %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestInvalidInputKeepsConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, `{"Buzzer":`)
	if got := readMsg(t, conn); !strings.HasPrefix(got, `{"Text":"error: `) {
		t.Errorf("reply to bad json = %s", got)
	}
	send(t, conn, `{"Teleport":[1,2]}`)
	if got := readMsg(t, conn); !strings.Contains(got, "unknown kind") {
		t.Errorf("reply to unknown kind = %s", got)
	}

	send(t, conn, `{"Buzzer":1}`)
	if got := f.receive(t); got != (protocol.Buzzer{Freq: 1}) {
		t.Errorf("command after bad input = %v", got)
	}
}

func TestModeSwitch(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, `{"ControlState":"FollowLine"}`)
	expectMsg(t, conn, `{"Text":"mode: FollowLine"}`)
	if f.sup.Mode() != supervisor.FollowLine {
		t.Errorf("Mode() = %v", f.sup.Mode())
	}

	send(t, conn, `{"ControlState":"Fly"}`)
	if got := readMsg(t, conn); !strings.Contains(got, "unknown control mode") {
		t.Errorf("reply to unknown mode = %s", got)
	}
	if f.sup.Mode() != supervisor.FollowLine {
		t.Errorf("Mode() changed on bad request: %v", f.sup.Mode())
	}

	send(t, conn, `{"ControlState":"ManualControl"}`)
	expectMsg(t, conn, `{"Text":"mode: Manual"}`)
	for i, want := range command.Neutral() {
		if got := f.receive(t); got != want {
			t.Errorf("neutral[%d] = %v, want %v", i, got, want)
		}
	}
}

func TestModeSwitchAfterSupervisorStop(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	f.sup.Stop()

	send(t, conn, `{"ControlState":"KeepDistance"}`)
	if got := readMsg(t, conn); !strings.Contains(got, "supervisor stopped") {
		t.Errorf("reply after stop = %s", got)
	}
	if f.sup.Mode() != supervisor.Manual {
		t.Errorf("Mode() = %v, want Manual", f.sup.Mode())
	}
}

func TestTelemetryPushes(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	f.hub.Apply(protocol.Distance(30))
	expectMsg(t, conn, `{"Ultra":30}`)

	f.hub.Apply(protocol.TrackSensor{ID: protocol.R1, State: true})
	expectMsg(t, conn, `{"Track":[false,false,true,false]}`)

	f.hub.Apply(protocol.NoDistance())
	expectMsg(t, conn, `{"Ultra":null}`)
}

func TestSecondOperatorRejected(t *testing.T) {
	f := newFixture(t)
	f.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err == nil {
		t.Fatal("second connection accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("second connection response = %v, want 409", resp)
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.srv.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("operator slot not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.dial(t)
}

func TestTelemetryCloseEndsSession(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	f.hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after telemetry closed")
	}
}

func TestStatusAndEvents(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	f.hub.Apply(protocol.Distance(42))
	expectMsg(t, conn, `{"Ultra":42}`)

	resp, err := http.Get(f.ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st model.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Mode != "Manual" || st.DistanceCm == nil || *st.DistanceCm != 42 {
		t.Errorf("status = %+v", st)
	}
	if !st.OperatorConnected || st.LinkSession != "link-1" {
		t.Errorf("status = %+v", st)
	}

	resp2, err := http.Get(f.ts.URL + "/api/events?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var events []journal.Event
	if err := json.NewDecoder(resp2.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[0].Kind != journal.KindOperator {
		t.Errorf("events = %+v", events)
	}

	bad, err := http.Get(f.ts.URL + "/api/events?limit=x")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", bad.StatusCode)
	}
}

func TestPlainHTTPOnWebsocketRoute(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp, err = http.Get(f.ts.URL + "/nothing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
