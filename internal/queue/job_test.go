package queue

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeTopic(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"order-create", "order-create"},
		{"orders/create", "order-create"},
		{"orders-create", "order-create"},
		{"ORDERS/UPDATED", "order-updated"},
		{"orders/cancelled", "order-cancelled"},
		{"products/update", "product-update"},
		{"products/delete", "product-delete"},
		{"inventory_levels/update", "inventory-update"},
		{"app/uninstalled", "app-uninstalled"},
		{" customer_data ", "customer_data"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeTopic(tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeTopic(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeTopic_Rejects(t *testing.T) {
	for _, raw := range []string{"", "   ", "-order", "order create", "orders/create?x=1", strings.Repeat("a", 200)} {
		if _, err := NormalizeTopic(raw); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", raw, err)
		}
	}
}

func TestNewJobValidate(t *testing.T) {
	valid := NewJob{TenantID: "t1", Topic: "order-create", Payload: []byte(`{"id":1}`), Signature: "sig"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid job, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*NewJob)
	}{
		{"missing tenant", func(j *NewJob) { j.TenantID = "" }},
		{"bad topic", func(j *NewJob) { j.Topic = "Order Create" }},
		{"missing signature", func(j *NewJob) { j.Signature = "" }},
		{"empty payload", func(j *NewJob) { j.Payload = nil }},
		{"array payload", func(j *NewJob) { j.Payload = []byte(`[1,2]`) }},
		{"broken json", func(j *NewJob) { j.Payload = []byte(`{"id":`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := valid
			tt.mutate(&job)
			if err := job.Validate(); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestPermanentWrapping(t *testing.T) {
	cause := errors.New("order payload has no id")
	err := Permanent(cause)
	if !errors.Is(err, ErrPermanent) || !errors.Is(err, cause) {
		t.Fatalf("expected both sentinels in chain, got %v", err)
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must be nil")
	}
	if !errors.Is(ErrDuplicateDelivery, ErrConflict) {
		t.Fatal("duplicate delivery must classify as conflict")
	}
}
