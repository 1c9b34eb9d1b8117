package models

import (
	"time"
)

type User struct {
	ID               string    `json:"id" dynamodbav:"id"`
	Email            string    `json:"email" dynamodbav:"email"`
	FullName         string    `json:"full_name,omitempty" dynamodbav:"full_name,omitempty"`
	Role             Role      `json:"role" dynamodbav:"role"`
	IsActive         bool      `json:"is_active" dynamodbav:"is_active"`
	EmailVerified    bool      `json:"email_verified" dynamodbav:"email_verified"`
	PasswordHash     string    `json:"-" dynamodbav:"password_hash"`
	TwoFactorEnabled bool      `json:"two_factor_enabled" dynamodbav:"two_factor_enabled"`
	TwoFactorSecret  string    `json:"-" dynamodbav:"two_factor_secret,omitempty"`
	BackupCodes      []string  `json:"-" dynamodbav:"backup_codes,stringset,omitempty"`
	TwoFactorVersion int64     `json:"-" dynamodbav:"two_factor_version"`
	CreatedAt        time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

func (u *User) GetPK() string {
	return "USER#" + u.ID
}

func (u *User) GetSK() string {
	return "METADATA"
}

// Subject returns the claim set minted into tokens for this user.
func (u *User) Subject(sessionID string) SubjectClaims {
	return SubjectClaims{
		ID:        u.ID,
		Email:     u.Email,
		Role:      u.Role,
		SessionID: sessionID,
	}
}

// Clone returns a deep copy so stores never hand out shared slices.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.BackupCodes != nil {
		c.BackupCodes = append([]string(nil), u.BackupCodes...)
	}
	return &c
}

// SubjectClaims is the identity a token is issued for.
type SubjectClaims struct {
	ID        string
	Email     string
	Role      Role
	SessionID string
}
