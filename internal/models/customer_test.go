package models

import (
	"testing"
	"time"
)

func TestOverrideActive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name     string
		override bool
		until    *time.Time
		want     bool
	}{
		{"no override", false, nil, false},
		{"no override with future until", false, &future, false},
		{"unbounded override", true, nil, true},
		{"bounded override still valid", true, &future, true},
		{"expired override", true, &past, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cust := Customer{PaymentOverride: c.override, OverrideUntil: c.until}
			if got := cust.OverrideActive(now); got != c.want {
				t.Fatalf("OverrideActive = %v, want %v", got, c.want)
			}
		})
	}
}

func TestInvoiceStatusValues(t *testing.T) {
	for _, s := range []InvoiceStatus{InvoiceUnpaid, InvoicePaid, InvoiceVoid} {
		if s == "" {
			t.Fatal("empty invoice status constant")
		}
	}
	if InvoiceUnpaid == InvoicePaid || InvoicePaid == InvoiceVoid {
		t.Fatal("invoice statuses must be distinct")
	}
}
