// Package invite defines the referral relation between users.
package invite

import "time"

// Relation records that InviteeID signed up through InviterID. A user has
// at most one inviter; the first recorded relation wins.
type Relation struct {
	InviteeID string
	InviterID string
	CreatedAt time.Time
}
