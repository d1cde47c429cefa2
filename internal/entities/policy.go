package entities

import "time"

// PolicyVersion is one stored revision of the policy document. The
// generation is minted when the revision is activated and doubles as the
// cache-invalidation token for decisions made against it.
type PolicyVersion struct {
	Generation string
	Source     string
	CreatedAt  time.Time
}
