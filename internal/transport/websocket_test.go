package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGorillaDialerAndUpgraderRoundTrip(t *testing.T) {
	upgrader := NewGorillaUpgrader()
	serverConnCh := make(chan Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, "ocpp1.6", nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		serverConnCh <- conn
	}))
	defer srv.Close()

	dialer := NewGorillaDialer(5 * time.Second)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ocpp/CP1"
	clientConn, proto, err := dialer.Dial(context.Background(), url, []string{"ocpp1.6"}, http.Header{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientConn.Close(1000, "done")
	if proto != "ocpp1.6" {
		t.Fatalf("expected negotiated subprotocol ocpp1.6, got %q", proto)
	}

	var serverConn Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(time.Second):
		t.Fatal("server never completed the upgrade")
	}
	defer serverConn.Close(1000, "done")

	if err := clientConn.WriteMessage(context.Background(), FrameText, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	ft, data, err := serverConn.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if ft != FrameText || string(data) != "hello" {
		t.Fatalf("unexpected message: %v %q", ft, data)
	}
}

func TestGorillaDialerSurfacesUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dialer := NewGorillaDialer(time.Second)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ocpp/CP1"
	_, _, err := dialer.Dial(context.Background(), url, nil, http.Header{})
	if err == nil {
		t.Fatal("expected an error for a non-101 response")
	}
}
