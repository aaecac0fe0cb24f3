package core

import "time"

// Credential is a stored token for a remote destination.
type Credential struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// CredentialStore holds per-destination credentials outside the config
// file. Credential returns nil without error when no credential is stored,
// which is how an uploader learns it is not linked.
type CredentialStore interface {
	Credential(id string) (*Credential, error)
	Store(id string, c *Credential) error
}
