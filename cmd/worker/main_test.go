package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"returnflow/pkg/app"
	"returnflow/pkg/config"
	"returnflow/pkg/engine"
	"returnflow/pkg/metrics"
	"returnflow/pkg/models"
	"returnflow/pkg/statebus"
	"returnflow/pkg/store"
	"returnflow/pkg/telemetry"
)

type fakeBus struct {
	mu        sync.Mutex
	msgs      chan statebus.Message
	committed []int64
	closed    bool
}

func newFakeBus(msgs ...statebus.Message) *fakeBus {
	b := &fakeBus{msgs: make(chan statebus.Message, len(msgs)+1)}
	for _, m := range msgs {
		b.msgs <- m
	}
	return b
}

func (b *fakeBus) Fetch(ctx context.Context) (statebus.Message, error) {
	select {
	case m := <-b.msgs:
		return m, nil
	case <-ctx.Done():
		return statebus.Message{}, ctx.Err()
	}
}

func (b *fakeBus) Commit(ctx context.Context, msg statebus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed = append(b.committed, msg.Offset)
	return nil
}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

func (b *fakeBus) commits() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.committed...)
}

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fakeDecider struct {
	mu    sync.Mutex
	calls int
	last  engine.Request
	code  models.Kind
}

func (f *fakeDecider) Decide(ctx context.Context, in engine.Request) engine.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = in
	return engine.Result{DecisionID: in.DecisionID, BusinessID: in.BusinessID, Success: f.code == "", ErrorCode: f.code}
}

func newWorker(bus *fakeBus, pub *fakePublisher, d *fakeDecider) *Worker {
	return &Worker{
		Bus:             bus,
		Results:         pub,
		Engine:          d,
		Cache:           store.NewMemoryCache(),
		Metrics:         metrics.NewRegistry(),
		DedupTTL:        time.Minute,
		Backoff:         time.Millisecond,
		DefaultAgentID:  "decision-engine",
		DefaultUserRole: "system",
	}
}

const event = `{"eventId":"e1","businessId":"b1","callSessionId":"call-1","data":{"orderId":"o1","reason":"defective","orderValue":40}}`

func TestHandleDecidesPublishesAndCommits(t *testing.T) {
	bus, pub, d := newFakeBus(), &fakePublisher{}, &fakeDecider{}
	w := newWorker(bus, pub, d)
	if err := w.Handle(context.Background(), statebus.Message{Value: []byte(event), Offset: 7}); err != nil {
		t.Fatal(err)
	}
	if d.calls != 1 || d.last.DecisionID != "e1" || d.last.AgentID != "decision-engine" || d.last.UserRole != "system" {
		t.Fatalf("unexpected request %+v", d.last)
	}
	if !d.last.IsCallInteraction || d.last.CallSessionID != "call-1" || d.last.Data.OrderValue != 40 {
		t.Fatalf("call fields not mapped: %+v", d.last)
	}
	if len(pub.keys) != 1 || pub.keys[0] != "b1" {
		t.Fatalf("expected result keyed by business, got %v", pub.keys)
	}
	if got := bus.commits(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected commit of offset 7, got %v", got)
	}
}

func TestHandleRedecidesAfterRetryableFailure(t *testing.T) {
	bus, pub, d := newFakeBus(), &fakePublisher{}, &fakeDecider{code: models.KindServiceUnavailable}
	w := newWorker(bus, pub, d)
	if err := w.Handle(context.Background(), statebus.Message{Value: []byte(event), Offset: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Cache.Get(context.Background(), dedupKey("b1", "e1")); !errors.Is(err, store.ErrMiss) {
		t.Fatalf("retryable failure must release the key, got %v", err)
	}
	d.code = ""
	for i := int64(2); i <= 3; i++ {
		if err := w.Handle(context.Background(), statebus.Message{Value: []byte(event), Offset: i}); err != nil {
			t.Fatal(err)
		}
	}
	if d.calls != 2 {
		t.Fatalf("expected the resubmitted event to be decided once more, got %d decisions", d.calls)
	}
	if len(pub.keys) != 3 || len(bus.commits()) != 3 {
		t.Fatalf("every delivery is published and committed: %v %v", pub.keys, bus.commits())
	}
}

func TestHandleReplaysRedelivery(t *testing.T) {
	bus, pub, d := newFakeBus(), &fakePublisher{}, &fakeDecider{}
	w := newWorker(bus, pub, d)
	for i := int64(1); i <= 2; i++ {
		if err := w.Handle(context.Background(), statebus.Message{Value: []byte(event), Offset: i}); err != nil {
			t.Fatal(err)
		}
	}
	if d.calls != 1 {
		t.Fatalf("expected one decision, got %d", d.calls)
	}
	if len(pub.keys) != 2 || len(bus.commits()) != 2 {
		t.Fatalf("expected the stored result to be republished: pub=%v commits=%v", pub.keys, bus.commits())
	}
}

func TestHandleSkipsPendingEvent(t *testing.T) {
	bus, pub, d := newFakeBus(), &fakePublisher{}, &fakeDecider{}
	w := newWorker(bus, pub, d)
	_ = w.Cache.Set(context.Background(), dedupKey("b1", "e1"), pendingMarker, time.Minute)
	if err := w.Handle(context.Background(), statebus.Message{Value: []byte(event), Offset: 3}); err != nil {
		t.Fatal(err)
	}
	if d.calls != 0 || len(pub.keys) != 0 || len(bus.commits()) != 1 {
		t.Fatalf("expected commit only: calls=%d pub=%v", d.calls, pub.keys)
	}
}

func TestHandlePublishFailureLeavesUncommitted(t *testing.T) {
	bus, pub, d := newFakeBus(), &fakePublisher{err: errors.New("broker down")}, &fakeDecider{}
	w := newWorker(bus, pub, d)
	if err := w.Handle(context.Background(), statebus.Message{Value: []byte(event), Offset: 1}); err == nil {
		t.Fatal("expected publish error")
	}
	if len(bus.commits()) != 0 {
		t.Fatalf("message must stay uncommitted, got %v", bus.commits())
	}
	pub.err = nil
	if err := w.Handle(context.Background(), statebus.Message{Value: []byte(event), Offset: 1}); err != nil {
		t.Fatal(err)
	}
	if d.calls != 1 || len(pub.keys) != 1 {
		t.Fatalf("redelivery should publish the stored result: calls=%d pub=%v", d.calls, pub.keys)
	}
}

func TestHandleDropsBadEvents(t *testing.T) {
	bus, pub, d := newFakeBus(), &fakePublisher{}, &fakeDecider{}
	w := newWorker(bus, pub, d)
	for i, raw := range []string{`{not json`, `{"eventId":"e2"}`, `{"businessId":"b1","data":"nope"}`} {
		if err := w.Handle(context.Background(), statebus.Message{Value: []byte(raw), Offset: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if d.calls != 0 || len(bus.commits()) != 3 {
		t.Fatalf("bad events must be committed without deciding: calls=%d commits=%v", d.calls, bus.commits())
	}
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	bus := newFakeBus(statebus.Message{Value: []byte(event), Offset: 1})
	pub, d := &fakePublisher{}, &fakeDecider{}
	w := newWorker(bus, pub, d)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for len(bus.commits()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	if len(bus.commits()) != 1 {
		t.Fatalf("expected the queued event to be committed, got %v", bus.commits())
	}
}

func TestRunWorker(t *testing.T) {
	load := func(string) (*config.Config, error) {
		cfg := config.Default()
		cfg.Redis = store.RedisConfig{}
		return cfg, nil
	}
	tel := func(context.Context, telemetry.Config) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	build := func(ctx context.Context, cfg *config.Config) (*app.App, error) {
		return app.Build(ctx, cfg, app.Openers{})
	}

	t.Run("bus error", func(t *testing.T) {
		err := runWorker(context.Background(), "", load, tel, build, func(statebus.KafkaConfig) (statebus.Consumer, statebus.Publisher, error) {
			return nil, nil, errors.New("kafka brokers required")
		})
		if err == nil {
			t.Fatal("expected bus error")
		}
	})

	t.Run("stops with context", func(t *testing.T) {
		bus := newFakeBus()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := runWorker(ctx, "", load, tel, build, func(statebus.KafkaConfig) (statebus.Consumer, statebus.Publisher, error) {
			return bus, nil, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if !bus.closed {
			t.Fatal("expected bus to be closed")
		}
	})

	t.Run("default kafka opener validates config", func(t *testing.T) {
		if _, _, err := openKafka(statebus.KafkaConfig{Topic: "t", GroupID: "g"}); err == nil {
			t.Fatal("expected missing brokers error")
		}
	})
}
