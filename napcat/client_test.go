package napcat

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// request is what the fake bridge decodes from the client.
type request struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
	Echo   string          `json:"echo"`
}

// newTestBridge starts an in-process bridge that hands the upgraded
// connection to serve, and returns a connected client.
func newTestBridge(t *testing.T, serve func(conn *websocket.Conn)) *Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

// echoBridge answers every request with an ok reply carrying data.
func echoBridge(data string) func(conn *websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Echo == "" {
				continue
			}
			reply := map[string]any{
				"status":  "ok",
				"retcode": 0,
				"echo":    req.Echo,
				"data":    json.RawMessage(data),
			}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}

func TestCallResolvesMatchingReply(t *testing.T) {
	c := newTestBridge(t, echoBridge(`{"user_id":42,"nickname":"mutebot"}`))
	go c.Listen()

	info, err := c.GetLoginInfo()
	if err != nil {
		t.Fatalf("GetLoginInfo: %v", err)
	}
	if info.UserID != 42 || info.Nickname != "mutebot" {
		t.Errorf("info = %+v", info)
	}
}

func TestGetGroupMemberInfo(t *testing.T) {
	c := newTestBridge(t, echoBridge(`{"group_id":1,"user_id":100,"nickname":"spammer","role":"member"}`))
	go c.Listen()

	info, err := c.GetGroupMemberInfo(1, 100)
	if err != nil {
		t.Fatalf("GetGroupMemberInfo: %v", err)
	}
	if info.Role != "member" || info.Nickname != "spammer" {
		t.Errorf("info = %+v", info)
	}
}

func TestCallTimeoutAndLateReplyDropped(t *testing.T) {
	release := make(chan struct{})
	c := newTestBridge(t, func(conn *websocket.Conn) {
		var first request
		if err := conn.ReadJSON(&first); err != nil {
			return
		}
		// Hold the first reply until the client has timed out.
		<-release
		conn.WriteJSON(map[string]any{"status": "ok", "retcode": 0, "echo": first.Echo})

		// Then behave normally.
		echoBridge(`{"user_id":1,"nickname":"n"}`)(conn)
	})
	go c.Listen()

	_, err := c.Call("set_group_ban", map[string]any{"group_id": 1}, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// The stale reply must be dropped without breaking the session.
	close(release)
	info, err := c.GetLoginInfo()
	if err != nil {
		t.Fatalf("call after stale reply: %v", err)
	}
	if info.UserID != 1 {
		t.Errorf("user = %d, want 1", info.UserID)
	}
}

func TestMetaEventsDiscarded(t *testing.T) {
	frames := []string{
		`{"post_type":"meta_event","meta_event_type":"heartbeat"}`,
		`{"post_type":"meta_event","meta_event_type":"lifecycle"}`,
		`{"post_type":"message","message_type":"group","group_id":1,"user_id":100,"raw_message":"hi"}`,
	}
	c := newTestBridge(t, func(conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Keep the connection open.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	got := make(chan Event, 8)
	c.AddMessageHandler(func(ev Event) error {
		got <- ev
		return nil
	})
	go c.Listen()

	select {
	case ev := <-got:
		if ev.PostType != "message" || ev.GroupID != 1 || ev.UserID != 100 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("message event never dispatched")
	}

	select {
	case ev := <-got:
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRepliesNeverReachHandlers(t *testing.T) {
	c := newTestBridge(t, func(conn *websocket.Conn) {
		// A reply for an echo nobody is waiting on, then a real event.
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"status":"ok","retcode":0,"echo":"echo_999"}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"post_type":"notice","notice_type":"group_ban","group_id":1}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	got := make(chan Event, 8)
	c.AddMessageHandler(func(ev Event) error {
		got <- ev
		return nil
	})
	go c.Listen()

	select {
	case ev := <-got:
		if ev.PostType != "notice" {
			t.Errorf("handler saw %q frame, want only the notice", ev.PostType)
		}
	case <-time.After(time.Second):
		t.Fatal("notice never dispatched")
	}
}

func TestHandlerFailureIsolated(t *testing.T) {
	c := newTestBridge(t, func(conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"post_type":"message","message_type":"group","group_id":1,"user_id":100}`))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var survived atomic.Int64
	c.AddMessageHandler(func(ev Event) error {
		panic("boom")
	})
	c.AddMessageHandler(func(ev Event) error {
		return errors.New("handler error")
	})
	c.AddMessageHandler(func(ev Event) error {
		survived.Add(1)
		return nil
	})
	go c.Listen()

	deadline := time.Now().Add(time.Second)
	for survived.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("later handler ran %d times, want 2", survived.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDisconnectCancelsPendingCalls(t *testing.T) {
	c := newTestBridge(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	go c.Listen()

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call("get_login_info", nil, 10*time.Second)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Disconnect()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not cancelled by Disconnect")
	}
}

func TestCallNoWaitOmitsEcho(t *testing.T) {
	seen := make(chan request, 1)
	c := newTestBridge(t, func(conn *websocket.Conn) {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		seen <- req
	})

	if err := c.SendGroupMsgNoWait(1, "hello"); err != nil {
		t.Fatalf("SendGroupMsgNoWait: %v", err)
	}

	select {
	case req := <-seen:
		if req.Action != "send_group_msg" {
			t.Errorf("action = %q", req.Action)
		}
		if req.Echo != "" {
			t.Errorf("fire-and-forget request carried echo %q", req.Echo)
		}
	case <-time.After(time.Second):
		t.Fatal("request never arrived")
	}
}

func TestCallWithoutConnect(t *testing.T) {
	c := New(Config{WSURL: "ws://127.0.0.1:1"})
	if _, err := c.Call("get_login_info", nil, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if err := c.CallNoWait("send_group_msg", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	c := newTestBridge(t, echoBridge(`{"user_id":7,"nickname":"again"}`))
	go c.Listen()

	if _, err := c.GetLoginInfo(); err != nil {
		t.Fatalf("first session: %v", err)
	}

	c.Disconnect()
	if err := c.Connect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	go c.Listen()

	info, err := c.GetLoginInfo()
	if err != nil {
		t.Fatalf("call on second session: %v", err)
	}
	if info.UserID != 7 {
		t.Errorf("user = %d, want 7", info.UserID)
	}
}
