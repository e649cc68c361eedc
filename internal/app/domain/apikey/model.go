// Package apikey defines server-issued API keys for credit consumption.
package apikey

import "time"

// Key is one issued API key. The client presents "id.secret"; only the
// bcrypt hash of the secret is stored.
type Key struct {
	ID         string
	UserID     string
	SecretHash []byte
	CreatedAt  time.Time
}
