package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// startListener binds an ephemeral port on loopback and registers cleanup.
func startListener(t *testing.T, onMessage MessageHandler, opt ...Option) *Listener {
	t.Helper()

	l, err := Listen("127.0.0.1", 0, onMessage, opt...)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func dialListener(t *testing.T, l *Listener, opt ...Option) *Client {
	t.Helper()

	ep := l.Endpoint()
	client, err := Dial(ep.Host, ep.Port, opt...)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestListen_MissingHandler(t *testing.T) {
	_, err := Listen("127.0.0.1", 0, nil)
	if !errors.Is(err, ErrMissingOnMessage) {
		t.Errorf("expected ErrMissingOnMessage, got %v", err)
	}
}

func TestListen_InvalidPort(t *testing.T) {
	_, err := Listen("127.0.0.1", 70000, func(m *Message, peer Endpoint) error { return nil })
	if err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestListen_OccupiedPort(t *testing.T) {
	l := startListener(t, func(m *Message, peer Endpoint) error { return nil })

	_, err := Listen("127.0.0.1", l.Endpoint().Port, func(m *Message, peer Endpoint) error { return nil })
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Errorf("expected *TransportError for occupied port, got %v", err)
	}
}

func TestListener_StopIdempotent(t *testing.T) {
	l := startListener(t, func(m *Message, peer Endpoint) error { return nil })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Stop()
		}()
	}
	wg.Wait()
	l.Stop()
}

func TestListener_StopUnblocksAcceptPromptly(t *testing.T) {
	l := startListener(t, func(m *Message, peer Endpoint) error { return nil })

	start := time.Now()
	l.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v, want prompt return", elapsed)
	}

	ep := l.Endpoint()
	if _, err := Dial(ep.Host, ep.Port); err == nil {
		t.Error("Dial succeeded after Stop")
	}
}

func TestEndToEnd_KeyValue(t *testing.T) {
	received := make(chan *Message, 1)
	l := startListener(t, func(m *Message, peer Endpoint) error {
		received <- m
		return nil
	})
	client := dialListener(t, l)

	sent, err := NewKeyValueMessageFromMap(map[string]string{
		"user":   "alice",
		"action": "login",
	})
	if err != nil {
		t.Fatalf("NewKeyValueMessageFromMap failed: %v", err)
	}
	if err := client.Send(sent); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Kind() != KindKeyValue {
			t.Errorf("kind = %v, want key_value", got.Kind())
		}
		if !sent.Equal(got) {
			t.Errorf("received %+v, want %+v", got.Pairs(), sent.Pairs())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestEndToEnd_RawString(t *testing.T) {
	received := make(chan *Message, 1)
	l := startListener(t, func(m *Message, peer Endpoint) error {
		received <- m
		return nil
	})
	client := dialListener(t, l)

	sent, err := NewRawMessage("<xml>ok</xml>")
	if err != nil {
		t.Fatalf("NewRawMessage failed: %v", err)
	}
	if err := client.Send(sent); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Kind() != KindRawString {
			t.Errorf("kind = %v, want raw_string", got.Kind())
		}
		if got.Text() != "<xml>ok</xml>" {
			t.Errorf("payload = %q, want %q", got.Text(), "<xml>ok</xml>")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestEndToEnd_PerConnectionOrdering(t *testing.T) {
	const count = 50

	received := make(chan string, count)
	l := startListener(t, func(m *Message, peer Endpoint) error {
		received <- m.Text()
		return nil
	})
	client := dialListener(t, l)

	for i := 0; i < count; i++ {
		m, err := NewRawMessage(fmt.Sprintf("msg-%03d", i))
		if err != nil {
			t.Fatalf("NewRawMessage failed: %v", err)
		}
		if err := client.Send(m); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	for i := 0; i < count; i++ {
		select {
		case got := <-received:
			want := fmt.Sprintf("msg-%03d", i)
			if got != want {
				t.Fatalf("message %d = %q, want %q (order violated)", i, got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d messages arrived", i, count)
		}
	}
}

func TestListener_StopClosesConnections(t *testing.T) {
	l := startListener(t, func(m *Message, peer Endpoint) error { return nil })

	closed := make(chan struct{})
	client := dialListener(t, l, OnCloseOption(func(peer Endpoint, err error) {
		close(closed)
	}))
	_ = client

	// Wait for the server to track the connection before stopping.
	deadline := time.Now().Add(5 * time.Second)
	for l.connCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never tracked the connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	l.Stop()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("client connection not closed by Stop")
	}
}

func TestListener_AcceptRateStillServes(t *testing.T) {
	received := make(chan struct{}, 3)
	l := startListener(t, func(m *Message, peer Endpoint) error {
		received <- struct{}{}
		return nil
	}, AcceptRateOption(100, 1))

	for i := 0; i < 3; i++ {
		client := dialListener(t, l)
		m, _ := NewRawMessage("hello")
		if err := client.Send(m); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 3 messages arrived", i)
		}
	}
}

func TestListenExchange_RepliesOnArrivalConnection(t *testing.T) {
	l, err := ListenExchange("127.0.0.1", 0, func(m *Message, peer Endpoint) (*Message, error) {
		v, _ := m.Get("request")
		return NewKeyValueMessage(Pair{Key: "echo", Value: v})
	})
	if err != nil {
		t.Fatalf("ListenExchange failed: %v", err)
	}
	t.Cleanup(l.Stop)

	client := dialListener(t, l)

	req, _ := NewKeyValueMessage(Pair{Key: "request", Value: "ping"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := client.Exchange(ctx, req)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if v, _ := reply.Get("echo"); v != "ping" {
		t.Errorf("echo = %q, want %q", v, "ping")
	}
}

func TestListenExchange_MissingHandler(t *testing.T) {
	_, err := ListenExchange("127.0.0.1", 0, nil)
	if !errors.Is(err, ErrMissingOnMessage) {
		t.Errorf("expected ErrMissingOnMessage, got %v", err)
	}
}

func TestListenExchange_RejectsOnMessageOption(t *testing.T) {
	_, err := ListenExchange("127.0.0.1", 0,
		func(m *Message, peer Endpoint) (*Message, error) { return nil, nil },
		OnMessageOption(func(m *Message, peer Endpoint) error { return nil }),
	)
	if !errors.Is(err, ErrConflictingHandlers) {
		t.Errorf("expected ErrConflictingHandlers, got %v", err)
	}
}
