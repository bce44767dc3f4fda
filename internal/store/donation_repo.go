package store

import (
	"context"
	"time"
)

// DefaultRecentLimit bounds RecentDonations when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

// Donation is one delivered purchase as recorded in the audit database.
type Donation struct {
	ID          string    `json:"id"`
	Buyer       string    `json:"buyer"`
	ItemID      string    `json:"item_id"`
	ItemName    string    `json:"item_name"`
	Source      string    `json:"source"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// DonationRepo records delivered purchases for historical reporting.
type DonationRepo interface {
	// LogDonation inserts a donation. Inserting the same ID twice is a no-op.
	LogDonation(ctx context.Context, d Donation) error

	// RecentDonations returns the newest donations first.
	RecentDonations(ctx context.Context, limit int) ([]Donation, error)
}

// DonationRepoCloser is a DonationRepo backed by a closable connection.
type DonationRepoCloser interface {
	DonationRepo
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}
