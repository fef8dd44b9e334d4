package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/config"
	"github.com/redis/go-redis/v9"
)

func TestSetNXAndReleaseIfOwner(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	ok, err := client.SetNX(ctx, client.LockKey("cron"), "owner-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first setnx to win, ok=%v err=%v", ok, err)
	}
	ok, err = client.SetNX(ctx, client.LockKey("cron"), "owner-2", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second setnx to lose, ok=%v err=%v", ok, err)
	}

	if value := mock.data[client.LockKey("cron")]; value != "owner-1" {
		t.Fatalf("unexpected owner %q", value)
	}

	released, err := client.ReleaseIfOwner(ctx, client.LockKey("cron"), "owner-2")
	if err != nil || released {
		t.Fatalf("non-owner release should be refused, released=%v err=%v", released, err)
	}
	released, err = client.ReleaseIfOwner(ctx, client.LockKey("cron"), "owner-1")
	if err != nil || !released {
		t.Fatalf("owner release failed, released=%v err=%v", released, err)
	}
	if _, held := mock.data[client.LockKey("cron")]; held {
		t.Fatal("lock still held after owner release")
	}
}

func TestUninitializedClient(t *testing.T) {
	client := &Client{}
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected error from uninitialized client")
	}
	if _, err := client.ReleaseIfOwner(context.Background(), "k", "o"); err == nil {
		t.Fatal("expected error from uninitialized release")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close of uninitialized client should be a no-op, got %v", err)
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.LockKey("cron-worker"); got != "vh:lock:cron-worker" {
		t.Fatalf("unexpected lock key %s", got)
	}
	if got := client.LockKey(""); got != "vh:lock" {
		t.Fatalf("empty parts should be skipped, got %s", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	if _, err := optionsFromConfig(config.RedisConfig{}); err == nil {
		t.Fatal("expected missing address error")
	}
	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://localhost:6379/2", PoolSize: 7, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.DB != 2 || opts.PoolSize != 7 || opts.DialTimeout != time.Second {
		t.Fatalf("unexpected options %+v", opts)
	}
}

type mockCmdable struct {
	data map[string]string
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{data: make(map[string]string)}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

// Eval only understands releaseScript.
func (m *mockCmdable) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	if script != releaseScript || len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, fmt.Errorf("unexpected script call"))
	}
	if v, ok := m.data[keys[0]]; ok && v == fmt.Sprint(args[0]) {
		delete(m.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}
