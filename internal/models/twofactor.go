package models

import "time"

// TwoFactorEnrollment is a pending TOTP setup awaiting proof of possession.
type TwoFactorEnrollment struct {
	SubjectID string    `json:"subject_id"`
	Secret    string    `json:"secret"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TwoFactorSetup is returned to the user when enrollment starts.
type TwoFactorSetup struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"otpauth_url"`
}

type TwoFactorStatus struct {
	Enabled              bool `json:"enabled"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}
