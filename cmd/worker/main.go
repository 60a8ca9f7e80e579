package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"returnflow/pkg/app"
	"returnflow/pkg/config"
	"returnflow/pkg/engine"
	"returnflow/pkg/hardening"
	"returnflow/pkg/metrics"
	"returnflow/pkg/statebus"
	"returnflow/pkg/store"
	"returnflow/pkg/telemetry"
)

type decider interface {
	Decide(ctx context.Context, in engine.Request) engine.Result
}

// Worker turns return events from the bus into decisions. Each decision is
// published to the result topic before its event is committed.
type Worker struct {
	Bus             statebus.Consumer
	Results         statebus.Publisher
	Engine          decider
	Cache           store.Cache
	Metrics         *metrics.Registry
	DedupTTL        time.Duration
	Backoff         time.Duration
	DefaultAgentID  string
	DefaultUserRole string
}

type workerLoadConfigFunc func(path string) (*config.Config, error)
type workerInitTelemetryFunc func(ctx context.Context, cfg telemetry.Config) (func(context.Context) error, error)
type workerBuildFunc func(ctx context.Context, cfg *config.Config) (*app.App, error)
type workerOpenBusFunc func(cfg statebus.KafkaConfig) (statebus.Consumer, statebus.Publisher, error)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	loadConfigG    = config.Load
	initTelemetryG = telemetry.Init
	buildAppG      = func(ctx context.Context, cfg *config.Config) (*app.App, error) {
		return app.Build(ctx, cfg, app.DefaultOpeners())
	}
	openBusG = openKafka
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runWorker(ctx, os.Getenv("RETURNFLOW_CONFIG"), loadConfigG, initTelemetryG, buildAppG, openBusG); err != nil {
		logFatalf("worker: %v", err)
	}
}

func openKafka(cfg statebus.KafkaConfig) (statebus.Consumer, statebus.Publisher, error) {
	consumer, err := statebus.NewKafkaConsumer(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ResultTopic == "" {
		return consumer, nil, nil
	}
	publisher, err := statebus.NewKafkaPublisher(cfg.Brokers, cfg.ResultTopic)
	if err != nil {
		_ = consumer.Close()
		return nil, nil, err
	}
	return consumer, publisher, nil
}

func runWorker(
	ctx context.Context,
	configPath string,
	loadConfig workerLoadConfigFunc,
	initTelemetry workerInitTelemetryFunc,
	build workerBuildFunc,
	openBus workerOpenBusFunc,
) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := hardening.ValidateProduction("worker", cfg); err != nil {
		return err
	}
	cfg.Telemetry.ServiceName = "worker"
	shutdown, err := initTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	bus, results, err := openBus(cfg.Kafka)
	if err != nil {
		return fmt.Errorf("statebus: %w", err)
	}
	defer func() {
		_ = bus.Close()
		if results != nil {
			_ = results.Close()
		}
	}()

	w := &Worker{
		Bus:             bus,
		Results:         results,
		Engine:          a.Engine,
		Cache:           a.Cache,
		Metrics:         a.Metrics,
		DedupTTL:        cfg.Gateway.DecisionDedupTTL,
		Backoff:         500 * time.Millisecond,
		DefaultAgentID:  cfg.Engine.AgentID,
		DefaultUserRole: cfg.Engine.UserRole,
	}
	log.Printf("worker consuming %s (group=%s results=%s)", cfg.Kafka.Topic, cfg.Kafka.GroupID, cfg.Kafka.ResultTopic)
	w.Run(ctx)
	return nil
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		msg, err := w.Bus.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker bus read error: %v", err)
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		start := time.Now()
		err = w.Handle(ctx, msg)
		if w.Metrics != nil {
			kind := ""
			if err != nil {
				kind = "bus_error"
			}
			w.Metrics.ObserveAction("worker.event", kind, time.Since(start))
		}
		if err != nil {
			log.Printf("worker: event at %s/%d offset %d left uncommitted: %v", msg.Topic, msg.Partition, msg.Offset, err)
			if !w.sleep(ctx) {
				return
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

const pendingMarker = "pending"

func dedupKey(businessID, decisionID string) string {
	return "decision:" + businessID + ":" + decisionID
}

// Handle decides one message. Undecodable events are logged and committed so
// they do not block the partition. An error means the message stays
// uncommitted and will be redelivered.
func (w *Worker) Handle(ctx context.Context, msg statebus.Message) error {
	in, err := w.decode(msg.Value)
	if err != nil {
		log.Printf("worker: dropping event at offset %d: %v", msg.Offset, err)
		return w.Bus.Commit(ctx, msg)
	}
	key := ""
	if in.DecisionID != "" && w.Cache != nil {
		key = dedupKey(in.BusinessID, in.DecisionID)
		claimed, err := w.Cache.SetNX(ctx, key, pendingMarker, w.DedupTTL)
		if err != nil {
			log.Printf("worker: decision dedup unavailable: %v", err)
			key = ""
		} else if !claimed {
			return w.replay(ctx, msg, key)
		}
	}
	res := w.Engine.Decide(ctx, in)
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if key != "" {
		cctx := context.WithoutCancel(ctx)
		if res.ErrorCode.Retryable() {
			// The failure is still published, but a resubmitted event with the
			// same id is decided again rather than replayed.
			if err := w.Cache.Del(cctx, key); err != nil {
				log.Printf("worker: decision %s: release dedup key: %v", res.DecisionID, err)
			}
		} else if err := w.Cache.Set(cctx, key, string(raw), w.DedupTTL); err != nil {
			log.Printf("worker: decision %s: store result: %v", res.DecisionID, err)
		}
	}
	return w.publishAndCommit(ctx, msg, res.BusinessID, raw)
}

// replay re-publishes a stored result for a redelivered event. An event still
// marked pending belongs to another consumer and is committed as is.
func (w *Worker) replay(ctx context.Context, msg statebus.Message, key string) error {
	raw, err := w.Cache.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrMiss), err == nil && raw == pendingMarker:
		log.Printf("worker: event at offset %d already in progress elsewhere", msg.Offset)
		return w.Bus.Commit(ctx, msg)
	case err != nil:
		return err
	}
	var res engine.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return w.Bus.Commit(ctx, msg)
	}
	return w.publishAndCommit(ctx, msg, res.BusinessID, []byte(raw))
}

func (w *Worker) publishAndCommit(ctx context.Context, msg statebus.Message, businessID string, raw []byte) error {
	if w.Results != nil {
		if err := w.Results.Publish(ctx, businessID, raw); err != nil {
			return fmt.Errorf("publish result: %w", err)
		}
	}
	return w.Bus.Commit(ctx, msg)
}

func (w *Worker) decode(value []byte) (engine.Request, error) {
	var evt statebus.ReturnEvent
	if err := json.Unmarshal(value, &evt); err != nil {
		return engine.Request{}, fmt.Errorf("decode event: %w", err)
	}
	if evt.BusinessID == "" {
		return engine.Request{}, errors.New("event has no businessId")
	}
	in := engine.Request{
		DecisionID:        evt.EventID,
		BusinessID:        evt.BusinessID,
		AgentID:           evt.AgentID,
		UserRole:          evt.UserRole,
		SessionID:         evt.SessionID,
		CallSessionID:     evt.CallID,
		IsCallInteraction: evt.CallID != "",
	}
	if len(evt.Data) > 0 {
		if err := json.Unmarshal(evt.Data, &in.Data); err != nil {
			return engine.Request{}, fmt.Errorf("decode event data: %w", err)
		}
	}
	if in.AgentID == "" {
		in.AgentID = w.DefaultAgentID
	}
	if in.UserRole == "" {
		in.UserRole = w.DefaultUserRole
	}
	return in, nil
}
