package models

import "time"

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshStatus is the lifecycle state of a persisted refresh token.
type RefreshStatus string

const (
	RefreshActive  RefreshStatus = "active"
	RefreshRotated RefreshStatus = "rotated"
	RefreshRevoked RefreshStatus = "revoked"
)

// RefreshToken is the ledger row for one issued refresh token. Only the
// SHA-256 of the token string is persisted.
type RefreshToken struct {
	ID         string        `json:"id" dynamodbav:"id"`
	SubjectID  string        `json:"subject_id" dynamodbav:"subject_id"`
	SessionID  string        `json:"session_id,omitempty" dynamodbav:"session_id,omitempty"`
	FamilyID   string        `json:"family_id" dynamodbav:"family_id"`
	TokenHash  string        `json:"-" dynamodbav:"token_hash"`
	Status     RefreshStatus `json:"status" dynamodbav:"status"`
	ReplacedBy string        `json:"replaced_by,omitempty" dynamodbav:"replaced_by,omitempty"`
	CreatedAt  time.Time     `json:"created_at" dynamodbav:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at" dynamodbav:"expires_at"`
}

// Revoked reports whether the record can no longer be exchanged because of
// rotation or explicit revocation.
func (t *RefreshToken) Revoked() bool {
	return t.Status != RefreshActive
}

func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
