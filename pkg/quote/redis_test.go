package quote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisMirror_RoundTrip(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mirror := NewRedisMirror(rdb, time.Minute, nil)
	source := NewRedisSource(rdb)

	mirror.Handle(mkTick("BTCUSDT", 61000, t0, "binance"))
	mirror.Handle(mkTick("BTCUSDT", 61234.5, t0, "binance"))
	if mr.Exists("quote:BTCUSDT") {
		t.Fatal("Handle wrote synchronously")
	}
	mirror.Flush(context.Background())

	if !mr.Exists("quote:BTCUSDT") {
		t.Fatal("mirror key missing")
	}
	if ttl := mr.TTL("quote:BTCUSDT"); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}

	got, err := source.Latest(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("61234.5")) || !got.Timestamp.Equal(t0) {
		t.Errorf("got %+v", got)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := source.Latest(context.Background(), "BTCUSDT"); !errors.Is(err, ErrNoQuote) {
		t.Errorf("expired key err = %v, want ErrNoQuote", err)
	}
}

func TestRedisMirror_WriterDrainsOnStop(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mirror := NewRedisMirror(rdb, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	mirror.Start(ctx)
	mirror.Handle(mkTick("ETHUSDT", 3000, t0, "binance"))

	deadline := time.Now().Add(2 * time.Second)
	for !mr.Exists("quote:ETHUSDT") {
		if time.Now().After(deadline) {
			t.Fatal("writer never mirrored ETHUSDT")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mirror.Handle(mkTick("SOLUSDT", 150, t0, "binance"))
	cancel()
	mirror.Close()
	if !mr.Exists("quote:SOLUSDT") {
		t.Error("tick queued at shutdown was not written")
	}
}
