package commission

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"jobmarket/apperr"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name                   string
		final, rate            string
		commission, tax, total string
	}{
		{"default rate", "1000", "5", "50", "10", "60"},
		{"rounds to cents", "333.33", "5", "16.67", "3.33", "20"},
		{"zero rate", "500", "0", "0", "0", "0"},
		{"fractional rate", "1200", "7.5", "90", "18", "108"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Compute(decimal.RequireFromString(tt.final), decimal.RequireFromString(tt.rate))
			if err != nil {
				t.Fatalf("compute: %v", err)
			}
			for _, c := range []struct {
				label     string
				got, want string
			}{
				{"commission", b.CommissionAmount.String(), tt.commission},
				{"tax", b.TaxAmount.String(), tt.tax},
				{"total", b.TotalDue.String(), tt.total},
			} {
				if !decimal.RequireFromString(c.got).Equal(decimal.RequireFromString(c.want)) {
					t.Fatalf("%s: got %s want %s", c.label, c.got, c.want)
				}
			}
		})
	}
}

func TestCompute_RejectsBadInput(t *testing.T) {
	cases := map[string][2]string{
		"zero amount":     {"0", "5"},
		"negative amount": {"-10", "5"},
		"negative rate":   {"100", "-1"},
		"rate above 100":  {"100", "101"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compute(decimal.RequireFromString(c[0]), decimal.RequireFromString(c[1]))
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestRemindersDue(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      int
	}{
		{47 * time.Hour, 0},
		{36 * time.Hour, 1},
		{30 * time.Hour, 1},
		{23 * time.Hour, 2},
		{7 * time.Hour, 3},
		{5 * time.Hour, 4},
		{time.Hour, 5},
	}
	for _, tt := range tests {
		if got := remindersDue(tt.remaining); got != tt.want {
			t.Fatalf("remindersDue(%s) = %d, want %d", tt.remaining, got, tt.want)
		}
	}
}
