package models

// CardStatus is the lifecycle state of a card. Transitions are one-way:
// ACTIVE -> BLOCKED via a block request, ACTIVE -> EXPIRED when the expiry
// month passes. There is no way back out of BLOCKED or EXPIRED.
type CardStatus string

const (
	CardStatusActive  CardStatus = "ACTIVE"
	CardStatusBlocked CardStatus = "BLOCKED"
	CardStatusExpired CardStatus = "EXPIRED"
)

// ValidStatus reports whether s is one of the known card statuses.
func ValidStatus(s CardStatus) bool {
	switch s {
	case CardStatusActive, CardStatusBlocked, CardStatusExpired:
		return true
	}
	return false
}

// Card is the stored form of a card. NumberEnc holds the encrypted card
// number and is never serialized; NumberHash is an HMAC fingerprint of the
// plain number used for uniqueness checks without touching plaintext.
type Card struct {
	ID         string
	NumberEnc  string
	NumberHash []byte
	Owner      string
	ExpiryYYMM string
	Status     CardStatus
	Balance    int64 // minor units, never negative
	UserID     string
}

// CardView is the caller-facing representation. The number appears only in
// masked form.
type CardView struct {
	ID           string     `json:"id"`
	MaskedNumber string     `json:"masked_number"`
	Owner        string     `json:"owner"`
	Expiration   string     `json:"expiration"` // MM/YY
	Status       CardStatus `json:"status"`
	Balance      int64      `json:"balance"`
	UserID       string     `json:"user_id"`
}
