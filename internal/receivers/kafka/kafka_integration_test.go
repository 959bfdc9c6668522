//go:build integration

package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/ingestctl/internal/receiver"
	"github.com/danmuck/ingestctl/internal/testutil/testlog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestKafkaReceiverAgainstRedpanda(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.DefaultProduceTopic("ingest"), kgo.AllowAutoTopicCreation())
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()
	for i := 0; i < 3; i++ {
		rec := &kgo.Record{Topic: "ingest", Value: []byte(fmt.Sprintf("record-%d", i))}
		if err := producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}

	store := receiver.NewMemoryStore()
	factory, err := Factory(Config{
		Brokers:       []string{broker},
		Topics:        []string{"ingest"},
		GroupID:       "ingestctl-it",
		BlockInterval: 50 * time.Millisecond,
	}, store)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	r := factory()
	r.SetStreamID(0)
	ep := &captureEndpoint{}

	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Start(runCtx, ep) }()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			t.Fatalf("timed out waiting for blocks")
		case <-ticker.C:
			total := 0
			ep.mu.Lock()
			for _, ref := range ep.refs {
				recs, _ := store.Get(ref)
				total += len(recs)
			}
			ep.mu.Unlock()
			if total >= 3 {
				r.Stop("integration done")
				<-done
				return
			}
		}
	}
}
