package broker

import (
	"context"
	"testing"
	"time"

	"angelone-bridge/internal/models"
	"angelone-bridge/pkg/utils"
)

func TestStreamTypesRoundTrip(t *testing.T) {
	want := map[models.Exchange]int{models.NSE: 1, models.NFO: 2, models.BSE: 3, models.BFO: 4, models.MCX: 5, models.CDS: 13}
	for ex, typ := range want {
		seg, ok := Segment(ex)
		if !ok || seg.StreamType != typ {
			t.Errorf("%s: stream type = %d, want %d", ex, seg.StreamType, typ)
		}
		if back, ok := ExchangeForStreamType(typ); !ok || back != ex {
			t.Errorf("type %d maps back to %s", typ, back)
		}
	}
	if _, ok := ExchangeForStreamType(99); ok {
		t.Error("unknown stream type resolved")
	}
}

func TestOnTick(t *testing.T) {
	cases := []struct {
		price, tick float64
		want        bool
	}{
		{100.05, 0.05, true},
		{100.10, 0.05, true},
		{100.03, 0.05, false},
		{2450.25, 0.25, true},
		{2450.3, 0.25, false},
		{7, 0, true},
	}
	for _, tc := range cases {
		if got := OnTick(tc.price, tc.tick); got != tc.want {
			t.Errorf("OnTick(%v, %v) = %v", tc.price, tc.tick, got)
		}
	}
}

func TestThrottleCooldown(t *testing.T) {
	clock := utils.NewManualClock(time.Date(2024, 12, 2, 10, 0, 0, 0, time.UTC))
	th := NewThrottle(0, 1, clock)

	th.Cooldown(3 * time.Second)
	th.Cooldown(time.Second)
	if r := th.Remaining(); r != 3*time.Second {
		t.Fatalf("remaining = %v, want the later end", r)
	}
	if err := th.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 1 || sleeps[0] != 3*time.Second {
		t.Errorf("sleeps = %v", sleeps)
	}
	if th.Remaining() > 0 {
		t.Error("cooldown not over after Wait")
	}
}

func TestThrottleWaitHonorsCancellation(t *testing.T) {
	th := NewThrottle(0, 1, nil)
	th.Cooldown(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := th.Wait(ctx); err == nil {
		t.Fatal("expected cancellation")
	}
}
