package types

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "bare digits default to ms", input: "500", want: 500 * time.Millisecond},
		{name: "explicit ms", input: "250ms", want: 250 * time.Millisecond},
		{name: "seconds", input: "90s", want: 90 * time.Second},
		{name: "minutes", input: "5m", want: 5 * time.Minute},
		{name: "hours", input: "2h", want: 2 * time.Hour},
		{name: "days", input: "1d", want: 24 * time.Hour},
		{name: "case insensitive suffix", input: "3S", want: 3 * time.Second},
		{name: "leading/trailing whitespace", input: "  10s  ", want: 10 * time.Second},
		{name: "empty string", input: "", wantErr: true},
		{name: "unsupported suffix", input: "5w", wantErr: true},
		{name: "negative", input: "-5s", wantErr: true},
		{name: "garbage", input: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestTimerStatusTerminal(t *testing.T) {
	terminal := []TimerStatus{TimerFired, TimerCancelled, TimerFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}

	nonTerminal := []TimerStatus{TimerScheduled, TimerArmed}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}
