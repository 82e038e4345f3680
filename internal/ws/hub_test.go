package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/darkden-lab/marketplace-realtime/internal/changefeed"
	"github.com/darkden-lab/marketplace-realtime/internal/metrics"
)

// fakeConn is an in-memory Conn. Inbound frames are fed through in.
type fakeConn struct {
	mu     sync.Mutex
	in     chan []byte
	out    [][]byte
	closed bool
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.in:
		return 1, msg, nil
	case <-f.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("use of closed connection")
	}
	f.out = append(f.out, data)
	return nil
}

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// brokenConn accepts reads but fails every write, like a peer that went away.
type brokenConn struct {
	*fakeConn
}

func (b brokenConn) WriteMessage(int, []byte) error {
	return errors.New("write: broken pipe")
}

func newTestClient(h *Hub, buffer int) *Client {
	return NewClient(h, newFakeConn(), nil, buffer)
}

func listingEvent(id string) changefeed.Event {
	return changefeed.Event{
		Domain:     changefeed.DomainListing,
		Operation:  changefeed.OperationUpdate,
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SubjectID:  id,
		Snapshot:   json.RawMessage(fmt.Sprintf(`{"id":%q,"status":"active"}`, id)),
	}
}

// drain reads every message currently queued for c.
func drain(c *Client) []ChangeMessage {
	var msgs []ChangeMessage
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return msgs
			}
			var m ChangeMessage
			json.Unmarshal(data, &m) //nolint:errcheck
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestNewHub(t *testing.T) {
	h := NewHub(nil)
	if h == nil {
		t.Fatal("expected non-nil Hub")
	}
	if h.Size() != 0 {
		t.Fatalf("expected empty hub, got %d clients", h.Size())
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h, 4)

	if err := h.Register(c); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if h.Size() != 1 {
		t.Fatalf("expected 1 client, got %d", h.Size())
	}

	h.Unregister(c.ID)
	if h.Size() != 0 {
		t.Fatalf("expected 0 clients, got %d", h.Size())
	}
	if _, ok := <-c.send; ok {
		t.Fatal("send queue should be closed after unregister")
	}
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	h := NewHub(nil)
	a := newTestClient(h, 4)
	b := newTestClient(h, 4)
	h.Register(a) //nolint:errcheck
	h.Register(b) //nolint:errcheck

	h.Unregister(a.ID)
	h.Unregister(a.ID)
	h.Unregister("never-registered")

	if h.Size() != 1 {
		t.Fatalf("expected 1 client left, got %d", h.Size())
	}
}

func TestHub_PublishFansOutToAllClients(t *testing.T) {
	h := NewHub(nil)
	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = newTestClient(h, 4)
		h.Register(clients[i]) //nolint:errcheck
	}

	h.Publish(listingEvent("l-1"))

	for i, c := range clients {
		msgs := drain(c)
		if len(msgs) != 1 {
			t.Fatalf("client %d: expected 1 message, got %d", i, len(msgs))
		}
		m := msgs[0]
		if m.Type != TypeServicesChange {
			t.Errorf("client %d: expected %s, got %s", i, TypeServicesChange, m.Type)
		}
		if m.DocumentID != "l-1" || m.Operation != "update" || m.Domain != "listing" {
			t.Errorf("client %d: unexpected message %+v", i, m)
		}
		if len(m.FullDocument) == 0 {
			t.Errorf("client %d: expected fullDocument", i)
		}
	}
}

func TestHub_SlowConsumerDoesNotAffectOthers(t *testing.T) {
	h := NewHub(nil)
	slow := newTestClient(h, 1)
	fast := newTestClient(h, 8)
	h.Register(slow) //nolint:errcheck
	h.Register(fast) //nolint:errcheck

	// Fill the slow client's queue.
	if err := slow.enqueue([]byte(`{}`)); err != nil {
		t.Fatalf("prefill failed: %v", err)
	}

	h.Publish(listingEvent("l-1"))
	h.Publish(listingEvent("l-2"))

	if h.Size() != 1 {
		t.Fatalf("slow client should be dropped, %d clients left", h.Size())
	}
	got := drain(fast)
	if len(got) != 2 {
		t.Fatalf("fast client should get both events, got %d", len(got))
	}
	if err := slow.enqueue([]byte(`{}`)); !errors.Is(err, ErrClientClosed) {
		t.Errorf("expected ErrClientClosed for dropped client, got %v", err)
	}
}

func TestHub_ClosedClientIsDropped(t *testing.T) {
	h := NewHub(nil)
	gone := newTestClient(h, 4)
	ok := newTestClient(h, 4)
	h.Register(gone) //nolint:errcheck
	h.Register(ok)   //nolint:errcheck

	gone.closeSend()
	h.Publish(listingEvent("l-1"))

	if h.Size() != 1 {
		t.Fatalf("expected closed client to be removed, %d left", h.Size())
	}
	if len(drain(ok)) != 1 {
		t.Error("remaining client should still receive the event")
	}
}

func TestHub_PreservesPerDomainOrder(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h, 64)
	h.Register(c) //nolint:errcheck

	for i := 0; i < 50; i++ {
		h.Publish(listingEvent(fmt.Sprintf("l-%d", i)))
	}

	msgs := drain(c)
	if len(msgs) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("l-%d", i); m.DocumentID != want {
			t.Fatalf("message %d: expected %s, got %s", i, want, m.DocumentID)
		}
	}
}

func TestHub_ConcurrentPublishAndRegister(t *testing.T) {
	h := NewHub(nil)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			h.Publish(listingEvent(fmt.Sprintf("l-%d", i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			c := newTestClient(h, 256)
			h.Register(c) //nolint:errcheck
			if i%2 == 0 {
				h.Unregister(c.ID)
			}
		}
	}()
	wg.Wait()

	if h.Size() != 10 {
		t.Fatalf("expected 10 clients, got %d", h.Size())
	}
}

func TestHub_CloseAll(t *testing.T) {
	h := NewHub(nil)
	a := newTestClient(h, 4)
	b := newTestClient(h, 4)
	h.Register(a) //nolint:errcheck
	h.Register(b) //nolint:errcheck

	h.CloseAll()

	if h.Size() != 0 {
		t.Fatalf("expected no clients after CloseAll, got %d", h.Size())
	}
	for _, c := range []*Client{a, b} {
		if _, ok := <-c.send; ok {
			t.Error("send queue should be closed")
		}
	}
	if err := h.Register(newTestClient(h, 4)); !errors.Is(err, ErrHubClosed) {
		t.Errorf("expected ErrHubClosed, got %v", err)
	}
	h.CloseAll()
}

func TestHub_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	h := NewHub(m)

	slow := newTestClient(h, 1)
	fast := newTestClient(h, 4)
	h.Register(slow) //nolint:errcheck
	h.Register(fast) //nolint:errcheck
	slow.enqueue([]byte(`{}`)) //nolint:errcheck

	h.Publish(listingEvent("l-1"))

	n, err := testutil.GatherAndCount(reg,
		"marketplace_realtime_events_published_total",
		"marketplace_realtime_deliveries_dropped_total",
		"marketplace_realtime_clients_connected",
	)
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 series, got %d", n)
	}
}

func TestHub_WriteFailureDropsOnlyThatClient(t *testing.T) {
	h := NewHub(nil)
	bad := NewClient(h, brokenConn{newFakeConn()}, nil, 4)
	good := newTestClient(h, 8)
	h.Register(bad)  //nolint:errcheck
	h.Register(good) //nolint:errcheck

	go bad.WritePump()

	h.Publish(listingEvent("l-1"))
	h.Publish(listingEvent("l-2"))

	waitFor(t, func() bool { return bad.State() == StateClosed })
	waitFor(t, func() bool { return h.Size() == 1 })

	if good.State() == StateClosed {
		t.Error("healthy client should not be closed")
	}
	msgs := drain(good)
	if len(msgs) != 2 {
		t.Fatalf("healthy client should get both events, got %d", len(msgs))
	}
	if msgs[0].DocumentID != "l-1" || msgs[1].DocumentID != "l-2" {
		t.Errorf("unexpected order %s, %s", msgs[0].DocumentID, msgs[1].DocumentID)
	}
}

func TestHub_ClientGaugeMatchesSize(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHub(metrics.MustNew(reg))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				c := newTestClient(h, 1)
				h.Register(c) //nolint:errcheck
				if (i+j)%3 != 0 {
					h.Unregister(c.ID)
				}
			}
		}(i)
	}
	wg.Wait()

	want := fmt.Sprintf(`
# HELP marketplace_realtime_clients_connected Number of currently registered websocket clients.
# TYPE marketplace_realtime_clients_connected gauge
marketplace_realtime_clients_connected %d
`, h.Size())
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "marketplace_realtime_clients_connected"); err != nil {
		t.Errorf("gauge out of sync with hub: %v", err)
	}
}
