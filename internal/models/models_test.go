package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPurchaseKeyNormalizesBuyer(t *testing.T) {
	k := NewPurchaseKey("  Steve ", "42")
	if k.Buyer != "steve" || k.ItemID != "42" {
		t.Fatalf("unexpected key: %+v", k)
	}
	if k.String() != "steve_42" {
		t.Errorf("String() = %q, want %q", k.String(), "steve_42")
	}
	if NewPurchaseKey("STEVE", "42") != k {
		t.Error("keys for the same buyer in different case should be equal")
	}
}

func TestPurchaseRecordValidate(t *testing.T) {
	tests := []struct {
		name string
		rec  PurchaseRecord
		want error
	}{
		{"valid", PurchaseRecord{Buyer: "Steve", ItemID: "42"}, nil},
		{"empty buyer", PurchaseRecord{Buyer: " ", ItemID: "42"}, ErrEmptyBuyer},
		{"empty item", PurchaseRecord{Buyer: "Steve"}, ErrEmptyItemID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rec.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPendingItemFallsBackToID(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := PurchaseRecord{Buyer: "Steve", ItemID: "42", Commands: []string{"give %player% diamond"}}
	item := rec.PendingItem(now)
	if item.Name != "42" {
		t.Errorf("Name = %q, want item id fallback", item.Name)
	}
	if !item.QueuedAt.Equal(now) {
		t.Errorf("QueuedAt = %v, want %v", item.QueuedAt, now)
	}
	rec.Commands[0] = "mutated"
	if item.Commands[0] != "give %player% diamond" {
		t.Error("PendingItem should copy commands")
	}
}

func TestAPIResponseEnvelopes(t *testing.T) {
	b, err := json.Marshal(Success(map[string]int{"pending": 2}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"status":"ok","result":{"pending":2}}` {
		t.Errorf("unexpected success body: %s", b)
	}
	b, _ = json.Marshal(Error("boom"))
	if string(b) != `{"status":"error","message":"boom"}` {
		t.Errorf("unexpected error body: %s", b)
	}
	b, _ = json.Marshal(Accepted("queued"))
	if string(b) != `{"status":"accepted","message":"queued"}` {
		t.Errorf("unexpected accepted body: %s", b)
	}
}
