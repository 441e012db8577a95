package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/offsync/internal/bus"
	"github.com/matheus3301/offsync/internal/kv"
	"github.com/matheus3301/offsync/internal/model"
	"github.com/matheus3301/offsync/internal/netmon"
	"github.com/matheus3301/offsync/internal/retry"
)

func fastPolicy(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

// recordingSender captures every send attempt and answers from a script.
type recordingSender struct {
	mu    sync.Mutex
	calls []model.Message
	fail  func(attempt int) error
}

func (r *recordingSender) send(_ context.Context, msg model.Message) (model.Message, error) {
	r.mu.Lock()
	r.calls = append(r.calls, msg)
	n := len(r.calls)
	r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(n); err != nil {
			return model.Message{}, err
		}
	}
	out := msg
	out.Status = model.StatusSent
	return out, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingSender) sentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.calls))
	for _, m := range r.calls {
		ids = append(ids, m.ID)
	}
	return ids
}

func newTestManager(t *testing.T, store kv.Store, online bool, maxSize int, send SendFunc) (*Manager, *bus.Bus, *netmon.Monitor) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	b := bus.New()
	net := netmon.NewMonitor(b, online)
	m := NewManager(store, b, net, logger, fastPolicy(2), maxSize, send)
	return m, b, net
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestEnqueueOnlineDeliversImmediately(t *testing.T) {
	sender := &recordingSender{}
	m, _, _ := newTestManager(t, kv.NewMemory(0), true, 10, sender.send)

	got, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "hi"}, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got.Status != model.StatusSent {
		t.Errorf("status = %q, want sent", got.Status)
	}
	if got.Queued {
		t.Error("Queued = true for an immediately delivered message")
	}
	if st := m.Stats("c1"); st.Total != 0 {
		t.Errorf("queue total = %d, want 0", st.Total)
	}
	if sender.count() != 1 {
		t.Errorf("send attempts = %d, want 1", sender.count())
	}
}

func TestEnqueueOfflineQueuesWithoutError(t *testing.T) {
	sender := &recordingSender{}
	m, _, _ := newTestManager(t, kv.NewMemory(0), false, 10, sender.send)

	got, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "hi"}, nil)
	if err != nil {
		t.Fatalf("Enqueue offline: %v", err)
	}
	if !got.Queued || got.Status != model.StatusQueued {
		t.Errorf("got status=%q queued=%v, want queued/true", got.Status, got.Queued)
	}
	if got.ID == "" {
		t.Error("no id assigned to queued message")
	}
	if sender.count() != 0 {
		t.Errorf("send attempted while offline: %d calls", sender.count())
	}
	if st := m.Stats("c1"); st.Queued != 1 {
		t.Errorf("Stats.Queued = %d, want 1", st.Queued)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	const max = 3
	m, _, _ := newTestManager(t, kv.NewMemory(0), false, max, (&recordingSender{}).send)

	for i := 0; i < max; i++ {
		if _, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "x"}, nil); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	_, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "overflow"}, nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if st := m.Stats("c1"); st.Total != max {
		t.Errorf("queue total = %d, want exactly %d", st.Total, max)
	}
}

func TestEnqueueValidation(t *testing.T) {
	m, _, _ := newTestManager(t, kv.NewMemory(0), false, 10, nil)
	if _, err := m.Enqueue(context.Background(), "", model.Message{Body: "x"}, nil); !errors.Is(err, ErrMissingChatID) {
		t.Errorf("empty chat id: err = %v, want ErrMissingChatID", err)
	}
	if _, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "x"}, nil); !errors.Is(err, ErrMissingSender) {
		t.Errorf("no sender: err = %v, want ErrMissingSender", err)
	}
}

func TestProcessQueueFIFO(t *testing.T) {
	sender := &recordingSender{}
	m, _, _ := newTestManager(t, kv.NewMemory(0), false, 10, sender.send)

	var want []string
	for i := 0; i < 5; i++ {
		got, err := m.Enqueue(context.Background(), "c1", model.Message{Body: fmt.Sprintf("m%d", i)}, nil)
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, got.ID)
	}

	if err := m.ProcessQueue(context.Background(), "c1", nil); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	ids := sender.sentIDs()
	if len(ids) != len(want) {
		t.Fatalf("delivered %d messages, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", ids, want)
		}
	}
	if st := m.Stats("c1"); st.Total != 0 {
		t.Errorf("queue total after drain = %d, want 0", st.Total)
	}
}

func TestBoundedRetriesThenFailed(t *testing.T) {
	sendErr := errors.New("server rejects")
	sender := &recordingSender{fail: func(int) error { return sendErr }}
	m, _, _ := newTestManager(t, kv.NewMemory(0), false, 10, sender.send)

	queued, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "doomed"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ProcessQueue(context.Background(), "c1", nil); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	// Follow-up attempts are timer-driven; wait for the terminal state.
	waitFor(t, func() bool {
		return m.Stats("c1").Failed == 1
	}, "message to reach failed")

	// maxRetries=2 means 1 initial + 2 retries.
	if sender.count() != 3 {
		t.Errorf("send attempts = %d, want 3", sender.count())
	}
	pending := m.Pending("c1")
	if len(pending) != 1 {
		t.Fatalf("pending = %d entries, want 1", len(pending))
	}
	e := pending[0]
	if e.ID != queued.ID || e.Status != model.StatusFailed {
		t.Errorf("entry = %s/%s, want %s/failed", e.ID, e.Status, queued.ID)
	}
	if e.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", e.RetryCount)
	}
	if e.LastError == "" {
		t.Error("LastError empty after exhausted retries")
	}
}

func TestImmediateFailureSeedsRetryBudget(t *testing.T) {
	sendErr := errors.New("flaky")
	sender := &recordingSender{fail: func(int) error { return sendErr }}
	m, _, _ := newTestManager(t, kv.NewMemory(0), true, 10, sender.send)

	got, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "hi"}, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !got.Queued {
		t.Error("message not queued after failed inline send")
	}

	// Inline attempt counts as the initial one, so only 2 retries remain.
	waitFor(t, func() bool {
		return m.Stats("c1").Failed == 1
	}, "message to reach failed")
	if sender.count() != 3 {
		t.Errorf("send attempts = %d, want 3 (1 inline + 2 retries)", sender.count())
	}
}

func TestEnqueueAfterExhaustedEntryStillDelivers(t *testing.T) {
	sendErr := errors.New("down")
	failing := true
	var mu sync.Mutex
	sender := &recordingSender{fail: func(int) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return sendErr
		}
		return nil
	}}
	m, _, _ := newTestManager(t, kv.NewMemory(0), true, 10, sender.send)

	// First message burns through its whole retry budget.
	if _, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "doomed"}, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return m.Stats("c1").Failed == 1 }, "first message to fail")

	mu.Lock()
	failing = false
	mu.Unlock()

	// A failed entry awaits manual action only; it must not block a fresh
	// send while online.
	got, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "fresh"}, nil)
	if err != nil {
		t.Fatalf("Enqueue after failed entry: %v", err)
	}
	if got.Status != model.StatusSent {
		t.Errorf("status = %q, want sent", got.Status)
	}
	st := m.Stats("c1")
	if st.Total != 1 || st.Failed != 1 {
		t.Errorf("stats = %+v, want only the failed entry left", st)
	}
	ids := sender.sentIDs()
	if ids[len(ids)-1] != got.ID {
		t.Errorf("last attempt = %s, want %s", ids[len(ids)-1], got.ID)
	}
}

func TestEnqueueOnlineWithBacklogSchedulesSweep(t *testing.T) {
	sender := &recordingSender{}
	m, _, net := newTestManager(t, kv.NewMemory(0), false, 10, sender.send)

	first, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "older"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Flip the monitor directly: without Start there is no connectivity
	// subscription, so only the enqueue path can get the backlog moving.
	net.SetOnline(true)

	second, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "newer"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != model.StatusQueued {
		t.Errorf("status = %q, want queued behind the backlog", second.Status)
	}

	waitFor(t, func() bool { return m.Stats("c1").Total == 0 }, "enqueue-scheduled sweep to drain the chat")
	ids := sender.sentIDs()
	if len(ids) != 2 || ids[0] != first.ID || ids[1] != second.ID {
		t.Errorf("delivery order %v, want [%s %s]", ids, first.ID, second.ID)
	}
}

func TestOnlineTransitionSweepsQueues(t *testing.T) {
	sender := &recordingSender{}
	m, _, net := newTestManager(t, kv.NewMemory(0), false, 10, sender.send)
	m.Start(context.Background())
	defer m.Stop()

	for i := 0; i < 3; i++ {
		if _, err := m.Enqueue(context.Background(), "c1", model.Message{Body: fmt.Sprintf("m%d", i)}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Enqueue(context.Background(), "c2", model.Message{Body: "other"}, nil); err != nil {
		t.Fatal(err)
	}

	net.SetOnline(true)

	waitFor(t, func() bool {
		return m.Stats("c1").Total == 0 && m.Stats("c2").Total == 0
	}, "online sweep to drain all queues")
	if sender.count() != 4 {
		t.Errorf("send attempts = %d, want 4", sender.count())
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	store := kv.NewMemory(0)
	m1, _, _ := newTestManager(t, store, false, 10, (&recordingSender{}).send)
	queued, err := m1.Enqueue(context.Background(), "c1", model.Message{Body: "persist me"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	sender := &recordingSender{}
	m2, _, _ := newTestManager(t, store, false, 10, sender.send)
	pending := m2.Pending("c1")
	if len(pending) != 1 || pending[0].ID != queued.ID {
		t.Fatalf("restored pending = %v, want [%s]", pending, queued.ID)
	}

	if err := m2.ProcessQueue(context.Background(), "c1", nil); err != nil {
		t.Fatal(err)
	}
	if ids := sender.sentIDs(); len(ids) != 1 || ids[0] != queued.ID {
		t.Errorf("delivered %v, want [%s]", ids, queued.ID)
	}
}

func TestRestoreNormalizesInFlightEntries(t *testing.T) {
	store := kv.NewMemory(0)
	blob := `[{"id":"a","chat_id":"c1","body":"x","message_type":"text","status":"sending","timestamp":1000,"queued":true,"retry_count":0,"queued_at":1000,"seq":1}]`
	if err := store.Set("queue:c1", blob); err != nil {
		t.Fatal(err)
	}

	m, _, _ := newTestManager(t, store, false, 10, nil)
	pending := m.Pending("c1")
	if len(pending) != 1 {
		t.Fatalf("pending = %d entries, want 1", len(pending))
	}
	if pending[0].Status != model.StatusQueued {
		t.Errorf("restored status = %q, want queued", pending[0].Status)
	}
}

func TestCorruptQueueRestoresEmpty(t *testing.T) {
	store := kv.NewMemory(0)
	if err := store.Set("queue:c1", "not json at all"); err != nil {
		t.Fatal(err)
	}

	m, _, _ := newTestManager(t, store, false, 10, nil)
	if pending := m.Pending("c1"); len(pending) != 0 {
		t.Errorf("pending = %v, want empty after corrupt restore", pending)
	}
	if _, ok, _ := store.Get("queue:c1"); ok {
		t.Error("corrupt queue blob still present")
	}
}

func TestRetryMessageResetsBudget(t *testing.T) {
	sendErr := errors.New("down")
	failing := true
	var mu sync.Mutex
	sender := &recordingSender{fail: func(int) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return sendErr
		}
		return nil
	}}
	m, _, _ := newTestManager(t, kv.NewMemory(0), false, 10, sender.send)

	queued, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ProcessQueue(context.Background(), "c1", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return m.Stats("c1").Failed == 1 }, "failed state")

	mu.Lock()
	failing = false
	mu.Unlock()

	if err := m.RetryMessage(context.Background(), "c1", queued.ID, nil); err != nil {
		t.Fatalf("RetryMessage: %v", err)
	}
	if st := m.Stats("c1"); st.Total != 0 {
		t.Errorf("queue total after manual retry = %d, want 0", st.Total)
	}
}

func TestRetryMessageRejectsNonFailed(t *testing.T) {
	m, _, _ := newTestManager(t, kv.NewMemory(0), false, 10, (&recordingSender{}).send)
	queued, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RetryMessage(context.Background(), "c1", queued.ID, nil); err == nil {
		t.Error("RetryMessage on a queued entry succeeded, want error")
	}
	if err := m.RetryMessage(context.Background(), "c1", "missing", nil); err == nil {
		t.Error("RetryMessage on unknown id succeeded, want error")
	}
}

func TestClearFailedKeepsOthers(t *testing.T) {
	sender := &recordingSender{fail: func(int) error { return errors.New("nope") }}
	m, _, _ := newTestManager(t, kv.NewMemory(0), false, 10, sender.send)

	if _, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "will fail"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.ProcessQueue(context.Background(), "c1", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return m.Stats("c1").Failed == 1 }, "failed state")

	if _, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "still pending"}, nil); err != nil {
		t.Fatal(err)
	}

	if n := m.ClearFailed("c1"); n != 1 {
		t.Errorf("ClearFailed = %d, want 1", n)
	}
	st := m.Stats("c1")
	if st.Failed != 0 || st.Queued != 1 {
		t.Errorf("stats after clear = %+v, want failed=0 queued=1", st)
	}
}

func TestRemoveFromQueue(t *testing.T) {
	m, _, _ := newTestManager(t, kv.NewMemory(0), false, 10, (&recordingSender{}).send)
	queued, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !m.RemoveFromQueue("c1", queued.ID) {
		t.Error("RemoveFromQueue = false, want true")
	}
	if m.RemoveFromQueue("c1", queued.ID) {
		t.Error("second RemoveFromQueue = true, want false")
	}
	if st := m.Stats("c1"); st.Total != 0 {
		t.Errorf("queue total = %d, want 0", st.Total)
	}
}

func TestOverlappingProcessQueueIsDropped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	send := func(_ context.Context, msg model.Message) (model.Message, error) {
		mu.Lock()
		calls++
		if calls == 1 {
			close(started)
		}
		mu.Unlock()
		<-release
		msg.Status = model.StatusSent
		return msg, nil
	}
	m, _, _ := newTestManager(t, kv.NewMemory(0), false, 10, send)

	if _, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "x"}, nil); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- m.ProcessQueue(context.Background(), "c1", nil) }()
	<-started

	// Second call while the first pass is mid-send must return immediately
	// without attempting anything.
	if err := m.ProcessQueue(context.Background(), "c1", nil); err != nil {
		t.Fatalf("overlapping ProcessQueue: %v", err)
	}
	mu.Lock()
	if calls != 1 {
		t.Errorf("send calls = %d, want 1 while first pass holds the chat", calls)
	}
	mu.Unlock()

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first ProcessQueue: %v", err)
	}
}

func TestQueueSentEventPublished(t *testing.T) {
	sender := &recordingSender{}
	m, b, _ := newTestManager(t, kv.NewMemory(0), false, 10, sender.send)
	sub := b.Subscribe("queue.sent", 10)
	defer sub.Cancel()

	queued, err := m.Enqueue(context.Background(), "c1", model.Message{Body: "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ProcessQueue(context.Background(), "c1", nil); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-sub.C:
		sent, ok := evt.Payload.(model.Message)
		if !ok {
			t.Fatalf("payload type %T, want model.Message", evt.Payload)
		}
		if sent.ID != queued.ID || sent.Status != model.StatusSent {
			t.Errorf("sent event = %s/%s, want %s/sent", sent.ID, sent.Status, queued.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queue.sent event")
	}
}
