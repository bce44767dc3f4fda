package store

import (
	"database/sql"
	"fmt"
)

// scanDonations reads every donation row. Callers close rows.
func scanDonations(rows *sql.Rows) ([]Donation, error) {
	var out []Donation
	for rows.Next() {
		var d Donation
		if err := rows.Scan(&d.ID, &d.Buyer, &d.ItemID, &d.ItemName, &d.Source, &d.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan donation failed: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate donation rows: %w", err)
	}
	return out, nil
}
