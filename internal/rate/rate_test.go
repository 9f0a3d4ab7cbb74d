package rate

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestParseTickerMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantAsk float64
		wantOK  bool
		wantErr bool
	}{
		{
			name:    "system status event",
			payload: `{"connectionID":14859574189081089471,"event":"systemStatus","status":"online","version":"1.8.1"}`,
		},
		{
			name:    "subscription status event",
			payload: `{"channelID":980,"channelName":"ticker","event":"subscriptionStatus","pair":"XMR/XBT","status":"subscribed","subscription":{"name":"ticker"}}`,
		},
		{
			name:    "heartbeat event",
			payload: `{"event":"heartbeat"}`,
		},
		{
			name:    "ticker update",
			payload: `[980,{"a":["0.00440700",7,"7.35318535"],"b":["0.00440200",7,"7.57416678"],"c":["0.00440700","0.22579000"],"v":["273.75489000","4049.91233351"],"p":["0.00446205","0.00441699"],"t":[123,1310],"l":["0.00439400","0.00433100"],"h":["0.00450000","0.00450000"],"o":["0.00449100","0.00433700"]},"ticker","XMR/XBT"]`,
			wantAsk: 0.004407,
			wantOK:  true,
		},
		{
			name:    "garbage",
			payload: `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ask, ok, err := parseTickerMessage([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTickerMessage: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && math.Abs(ask-tt.wantAsk) > 1e-12 {
				t.Fatalf("ask = %f, want %f", ask, tt.wantAsk)
			}
		})
	}
}

func TestRateFromAsk(t *testing.T) {
	// Ask of 0.005 BTC per XMR means 200 XMR per BTC.
	rate, err := rateFromAsk(0.005, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rate.Piconero(), uint64(200e12); got != want {
		t.Fatalf("rate = %d piconero, want %d", got, want)
	}

	// A 2% spread quotes fewer piconero per BTC.
	discounted, err := rateFromAsk(0.005, 0.02)
	if err != nil {
		t.Fatal(err)
	}
	if discounted >= rate {
		t.Fatalf("spread did not discount the rate: %d >= %d", discounted, rate)
	}

	if _, err := rateFromAsk(0, 0); err == nil {
		t.Fatal("expected error for zero ask")
	}
}

func TestLatestRate(t *testing.T) {
	k := NewKraken(&Config{StaleAfter: time.Minute})

	if _, err := k.LatestRate(); !errors.Is(err, ErrNoRateYet) {
		t.Fatalf("expected ErrNoRateYet, got %v", err)
	}

	k.mu.Lock()
	k.askBTC = 0.004
	k.updatedAt = time.Now()
	k.mu.Unlock()

	rate, err := k.LatestRate()
	if err != nil {
		t.Fatalf("LatestRate: %v", err)
	}
	if got, want := rate.Piconero(), uint64(250e12); got != want {
		t.Fatalf("rate = %d piconero, want %d", got, want)
	}

	k.mu.Lock()
	k.updatedAt = time.Now().Add(-2 * time.Minute)
	k.mu.Unlock()

	if _, err := k.LatestRate(); !errors.Is(err, ErrRateStale) {
		t.Fatalf("expected ErrRateStale, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	src := Static(123e12)
	rate, err := src.LatestRate()
	if err != nil || rate.Piconero() != uint64(123e12) {
		t.Fatalf("Static rate = %v, %v", rate, err)
	}
}
