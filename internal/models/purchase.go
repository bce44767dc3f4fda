package models

import (
	"errors"
	"strings"
	"time"
)

// Source identifies the ingestion channel a purchase arrived through.
type Source string

const (
	// SourcePoll marks purchases returned by the marketplace "recent purchases" query.
	SourcePoll Source = "poll"
	// SourceCallback marks purchases pushed by the marketplace callback.
	SourceCallback Source = "callback"
)

// PurchaseRecord is a normalized purchase produced by either ingestion path.
type PurchaseRecord struct {
	Buyer     string   `json:"buyer"`
	ItemID    string   `json:"item_id"`
	ItemName  string   `json:"item_name"`
	Succeeded bool     `json:"succeeded"`
	Commands  []string `json:"commands,omitempty"`
	Source    Source   `json:"source"`
}

// Validation errors for purchase records.
var (
	ErrEmptyBuyer  = errors.New("purchase has no buyer")
	ErrEmptyItemID = errors.New("purchase has no item id")
)

// Validate reports whether the record carries enough data to be keyed.
func (r PurchaseRecord) Validate() error {
	if strings.TrimSpace(r.Buyer) == "" {
		return ErrEmptyBuyer
	}
	if strings.TrimSpace(r.ItemID) == "" {
		return ErrEmptyItemID
	}
	return nil
}

// Key returns the dedup identity of the record.
func (r PurchaseRecord) Key() PurchaseKey {
	return NewPurchaseKey(r.Buyer, r.ItemID)
}

// PendingItem returns the deferred-delivery descriptor for the record.
func (r PurchaseRecord) PendingItem(now time.Time) PendingItem {
	name := r.ItemName
	if name == "" {
		name = r.ItemID
	}
	return PendingItem{
		ID:       r.ItemID,
		Name:     name,
		Commands: append([]string(nil), r.Commands...),
		Source:   r.Source,
		QueuedAt: now.UTC(),
	}
}

// PurchaseKey is the (buyer, item id) identity that suppresses duplicate delivery.
// Buyer is always lower-cased.
type PurchaseKey struct {
	Buyer  string
	ItemID string
}

// NewPurchaseKey builds a key, normalizing the buyer name.
func NewPurchaseKey(buyer, itemID string) PurchaseKey {
	return PurchaseKey{Buyer: NormalizeBuyer(buyer), ItemID: strings.TrimSpace(itemID)}
}

// String serializes the key in its persisted "buyer_itemId" form.
func (k PurchaseKey) String() string {
	return k.Buyer + "_" + k.ItemID
}

// NormalizeBuyer returns the case-insensitive form of a player name.
func NormalizeBuyer(buyer string) string {
	return strings.ToLower(strings.TrimSpace(buyer))
}

// PendingItem is an accepted purchase waiting for its buyer to connect.
type PendingItem struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Commands []string  `json:"commands,omitempty" yaml:"commands,omitempty"`
	Source   Source    `json:"source,omitempty" yaml:"source,omitempty"`
	QueuedAt time.Time `json:"queued_at" yaml:"queued_at"`
}
