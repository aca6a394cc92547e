package redispub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bizcoin/bizcoin/internal/domain"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func walletEvent() domain.Event {
	tx := domain.Transaction{ID: 7, StudentID: "s1", ClassroomID: "c1", Amount: 25, Type: domain.TxAwarded,
		Category: "quiz", BalanceAfter: 25, Timestamp: time.Now().UTC()}
	return domain.NewWalletEvent(tx, domain.Wallet{StudentID: "s1", ClassroomID: "c1", CurrentBalance: 25, TotalEarned: 25})
}

func TestPublish_BothChannels(t *testing.T) {
	_, rdb := setup(t)
	ctx := context.Background()
	p := New(rdb, "test.events")

	sub := rdb.Subscribe(ctx, "test.events", "test.events:c1")
	defer sub.Close()
	for i := 0; i < 2; i++ {
		if _, err := sub.Receive(ctx); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	ev := walletEvent()
	if err := p.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case msg := <-sub.Channel():
			var got domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if got.ID != ev.ID || got.Wallet == nil || got.Wallet.Wallet.CurrentBalance != 25 {
				t.Errorf("event on %s = %+v", msg.Channel, got)
			}
			seen[msg.Channel] = true
		case <-timeout:
			t.Fatalf("received on %v, want both channels", seen)
		}
	}
}

func TestPublish_ServerDown(t *testing.T) {
	mr, rdb := setup(t)
	p := New(rdb, "")
	if p.Channel() != DefaultChannel {
		t.Errorf("Channel() = %q, want default", p.Channel())
	}

	mr.Close()
	if err := p.Publish(context.Background(), walletEvent()); err == nil {
		t.Error("Publish() against a stopped server should fail")
	}
}

func TestDial(t *testing.T) {
	mr, _ := setup(t)
	ctx := context.Background()

	p, err := Dial(ctx, Config{Addr: mr.Addr(), Channel: "x"})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if p.Name() != "redis" || p.ClassroomChannel("c9") != "x:c9" {
		t.Errorf("publisher = %s %s", p.Name(), p.ClassroomChannel("c9"))
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	if _, err := Dial(ctx, Config{Addr: "127.0.0.1:1"}); err == nil {
		t.Error("Dial() to a closed port should fail")
	}
}
