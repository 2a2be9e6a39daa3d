package pulse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentrt/planqueue/queue"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipRedisTests     bool
)

func setupRedis() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, pulse queue tests will be skipped: %v\n", containerErr)
		skipRedisTests = true
		return
	}

	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		skipRedisTests = true
		return
	}
	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		skipRedisTests = true
		return
	}

	testRedisClient = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	if err := testRedisClient.Ping(ctx).Err(); err != nil {
		skipRedisTests = true
		return
	}
}

func getPulseAdapter(t *testing.T) *Adapter {
	t.Helper()
	if testRedisClient == nil && !skipRedisTests {
		setupRedis()
	}
	if skipRedisTests {
		t.Skip("Docker not available, skipping pulse queue test")
	}
	a, err := New(Options{Redis: testRedisClient, SinkName: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestAdapter_EnqueueConsumeAcks(t *testing.T) {
	a := getPulseAdapter(t)
	qname := "planqueue-test." + t.Name()

	received := make(chan queue.Message, 1)
	_, err := a.Consume(context.Background(), qname, func(ctx context.Context, msg queue.Message) error {
		received <- msg
		return msg.Ack(ctx)
	})
	require.NoError(t, err)

	require.NoError(t, a.Enqueue(context.Background(), qname, []byte("hello"), queue.EnqueueOptions{}))

	select {
	case msg := <-received:
		require.Equal(t, []byte("hello"), msg.Payload())
		require.Equal(t, 1, msg.Attempts())
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestAdapter_IdempotencyKeyDeduplicatesLocally(t *testing.T) {
	a := getPulseAdapter(t)
	qname := "planqueue-test." + t.Name()

	opts := queue.EnqueueOptions{IdempotencyKey: "plan-1:step-1"}
	require.NoError(t, a.Enqueue(context.Background(), qname, []byte("a"), opts))
	require.NoError(t, a.Enqueue(context.Background(), qname, []byte("b"), opts))

	depth, err := a.GetQueueDepth(context.Background(), qname)
	require.NoError(t, err)
	require.Equal(t, 1, depth, "a duplicate idempotency key must not increment the depth counter")
}

func TestAdapter_DeadLetterRecordsReason(t *testing.T) {
	a := getPulseAdapter(t)
	qname := "planqueue-test." + t.Name()

	done := make(chan struct{})
	_, err := a.Consume(context.Background(), qname, func(ctx context.Context, msg queue.Message) error {
		defer close(done)
		return msg.DeadLetter(ctx, "Retries exhausted after 2 attempts: boom")
	})
	require.NoError(t, err)
	require.NoError(t, a.Enqueue(context.Background(), qname, []byte("x"), queue.EnqueueOptions{}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for dead-letter handling")
	}

	dead, err := a.ListDeadLettered(context.Background(), qname, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "Retries exhausted after 2 attempts: boom", dead[0].Reason)
}
