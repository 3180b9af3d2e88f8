package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{}

// signalingServer is a minimal test double for the signaling endpoint: it
// records the query parameters of the last dial and hands the upgraded
// connection to the test.
type signalingServer struct {
	t     *testing.T
	conns chan *websocket.Conn
	query chan map[string]string
}

func newSignalingServer(t *testing.T) (*signalingServer, *httptest.Server) {
	s := &signalingServer{
		t:     t,
		conns: make(chan *websocket.Conn, 1),
		query: make(chan map[string]string, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		s.query <- map[string]string{
			"session": r.URL.Query().Get("session"),
			"peer":    r.URL.Query().Get("peer"),
		}
		s.conns <- conn
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func openTestChannel(t *testing.T, h Handlers) (*Channel, *websocket.Conn) {
	s, srv := newSignalingServer(t)

	c := NewChannel(wsURL(srv), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Open(ctx, "sess-1", "self", h); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	q := <-s.query
	if q["session"] != "sess-1" || q["peer"] != "self" {
		t.Fatalf("Dial query = %v, want session=sess-1 peer=self", q)
	}
	return c, <-s.conns
}

func offerJSON(from, to string) []byte {
	env := Envelope{
		Type: TypeOffer,
		From: from,
		To:   to,
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	}
	data, _ := env.MarshalJSON()
	return data
}

func TestChannelDeliversInbound(t *testing.T) {
	got := make(chan Envelope, 1)
	_, server := openTestChannel(t, Handlers{
		OnMessage: func(env Envelope) { got <- env },
	})

	if err := server.WriteMessage(websocket.TextMessage, offerJSON("remote", "")); err != nil {
		t.Fatalf("Server write failed: %v", err)
	}

	select {
	case env := <-got:
		if env.Type != TypeOffer || env.From != "remote" {
			t.Fatalf("Delivered envelope = %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for inbound envelope")
	}
}

func TestChannelFiltersLoopbackAndForeign(t *testing.T) {
	got := make(chan Envelope, 4)
	_, server := openTestChannel(t, Handlers{
		OnMessage: func(env Envelope) { got <- env },
	})

	// Echoed-back own message and a message for another peer must be
	// dropped; the following message proves the loop kept reading.
	for _, msg := range [][]byte{
		offerJSON("self", ""),
		offerJSON("remote", "someone-else"),
		offerJSON("remote", "self"),
	} {
		if err := server.WriteMessage(websocket.TextMessage, msg); err != nil {
			t.Fatalf("Server write failed: %v", err)
		}
	}

	select {
	case env := <-got:
		if env.From != "remote" || env.To != "self" {
			t.Fatalf("Wrong envelope delivered: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for addressed envelope")
	}

	select {
	case env := <-got:
		t.Fatalf("Filtered envelope was delivered: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelSendAfterCloseIsSilent(t *testing.T) {
	c, _ := openTestChannel(t, Handlers{})
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err := c.Send(Envelope{
		Type: TypeOffer,
		From: "self",
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	})
	if err != nil {
		t.Fatalf("Send on closed channel should drop silently, got %v", err)
	}
}

func TestChannelRemoteCloseFiresOnClose(t *testing.T) {
	closed := make(chan struct{})
	errs := make(chan error, 1)
	_, server := openTestChannel(t, Handlers{
		OnClose: func() { close(closed) },
		OnError: func(err error) { errs <- err },
	})

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := server.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		t.Fatalf("Server close failed: %v", err)
	}
	server.Close()

	select {
	case <-closed:
	case err := <-errs:
		t.Fatalf("Orderly close reported as error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for OnClose")
	}
}

func TestChannelLocalCloseIsSilent(t *testing.T) {
	closed := make(chan struct{}, 1)
	errs := make(chan error, 1)
	c, _ := openTestChannel(t, Handlers{
		OnClose: func() { closed <- struct{}{} },
		OnError: func(err error) { errs <- err },
	})

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-closed:
		t.Fatal("OnClose fired for a locally initiated close")
	case err := <-errs:
		t.Fatalf("OnError fired for a locally initiated close: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelDiscardsMalformed(t *testing.T) {
	got := make(chan Envelope, 1)
	_, server := openTestChannel(t, Handlers{
		OnMessage: func(env Envelope) { got <- env },
	})

	if err := server.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("Server write failed: %v", err)
	}
	if err := server.WriteMessage(websocket.TextMessage, offerJSON("remote", "")); err != nil {
		t.Fatalf("Server write failed: %v", err)
	}

	select {
	case env := <-got:
		if env.From != "remote" {
			t.Fatalf("Wrong envelope after malformed input: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read loop did not survive malformed input")
	}
}
