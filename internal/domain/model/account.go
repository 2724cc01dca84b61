package model

import "time"

// Account is a durable registry row for one view-key account. head_sequence
// is monotonically non-decreasing: all blocks up to and including it have
// been fully decrypted for this account.
type Account struct {
	Address         string    `db:"address"`
	Name            string    `db:"name"`
	IncomingViewKey string    `db:"incoming_view_key"`
	OutgoingViewKey string    `db:"outgoing_view_key"`
	FullViewKey     string    `db:"full_view_key"`
	HeadSequence    int64     `db:"head_sequence"`
	HeadHash        string    `db:"head_hash"`
	CreateSequence  int64     `db:"create_sequence"`
	CreateHash      string    `db:"create_hash"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// AddressToName derives the short display name oreowallet assigns on import.
func AddressToName(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:10]
}
