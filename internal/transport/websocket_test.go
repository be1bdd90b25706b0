package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWSConnStreamsAcrossMessages(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 11)
		if _, err := io.ReadFull(conn, buf); err != nil {
			got <- "err: " + err.Error()
			return
		}
		got <- string(buf)
		_, _ = conn.Write([]byte("ack"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := DialWebsocket(context.Background(), url, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for _, part := range []string{"hello", " ", "world"} {
		if _, err := conn.Write([]byte(part)); err != nil {
			t.Fatal(err)
		}
	}
	if s := <-got; s != "hello world" {
		t.Fatalf("server read %q", s)
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != "ack" {
		t.Fatalf("client read %q", reply)
	}
}

func TestDialWebsocketReportsHTTPStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := DialWebsocket(context.Background(), url, nil, nil)
	he, ok := err.(*HandshakeError)
	if !ok || he.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake error, got %v", err)
	}
}

func TestEndpointURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://relay.example.com":     "wss://relay.example.com/v1/agent/connect",
		"http://127.0.0.1:8080/":        "ws://127.0.0.1:8080/v1/agent/connect",
		"wss://relay.example.com/base/": "wss://relay.example.com/base/v1/agent/connect",
		"https://relay.example.com?x=1": "wss://relay.example.com/v1/agent/connect",
	}
	for in, want := range cases {
		got, err := EndpointURL(in, "/v1/agent/connect")
		if err != nil {
			t.Fatalf("EndpointURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("EndpointURL(%q) = %q, want %q", in, got, want)
		}
	}
	for _, bad := range []string{"ftp://relay", "relay.example.com", "https://"} {
		if _, err := EndpointURL(bad, "/x"); err == nil {
			t.Fatalf("EndpointURL(%q) should fail", bad)
		}
	}
}
