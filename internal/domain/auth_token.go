package domain

import "time"

// AuthToken Model. One row holds both the live and the test credential.
type AuthToken struct {
	ID         uint       `gorm:"primaryKey" json:"id"`                                       // Primary key
	UserID     uint       `gorm:"index;not null" json:"user_id"`                              // Owner
	User       *User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`     // Tokens go with their user
	AccountID  uint       `gorm:"index;not null" json:"account_id"`                           // Account the token is scoped to
	Account    *Account   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`    // Blocks account deletion
	LiveKey    string     `gorm:"size:8;index;not null" json:"-"`                             // Indexed partial key of the live secret
	LiveDigest string     `gorm:"size:128;uniqueIndex;not null" json:"-"`                     // Digest (or plain secret) of the live secret
	LiveSalt   string     `gorm:"size:16" json:"-"`                                           // Salt of the live digest
	TestKey    string     `gorm:"size:8;index;not null" json:"-"`                             // Indexed partial key of the test secret
	TestDigest string     `gorm:"size:128;uniqueIndex;not null" json:"-"`                     // Digest (or plain secret) of the test secret
	TestSalt   string     `gorm:"size:16" json:"-"`                                           // Salt of the test digest
	Scheme     string     `gorm:"size:8;not null" json:"-"`                                   // Storage scheme the row was written with
	TTL        int64      `gorm:"not null;default:0" json:"ttl_seconds"`                      // Lifetime used on renewal, 0 = never expires
	Created    time.Time  `gorm:"autoCreateTime" json:"created"`                              // Issuance time
	Expiry     *time.Time `json:"expiry"`                                                     // Absolute expiry, nil = never
}

// Expired reports whether the token's expiry is at or before now
func (t AuthToken) Expired(now time.Time) bool {
	return t.Expiry != nil && !t.Expiry.After(now)
}
