package credentials

import (
	"strings"
	"time"
)

// AppActorID identifies the machine-wide application actor. Its credential is
// a client-credentials grant with no user attached; read-only external calls
// are made with it.
const AppActorID int64 = 0

// ScopeForumWrite is required on an actor's credential before the engine will
// post topics or replies as that actor.
const ScopeForumWrite = "forum.write"

// ActorCredential holds the access/refresh token pair for one actor.
// Rows are created by the external authorization-code exchange, refreshed in
// place, and deleted on revoke or irrecoverable refresh failure.
type ActorCredential struct {
	ActorID      int64     `gorm:"column:actor_id;primaryKey"`
	AccessToken  string    `gorm:"column:access_token;type:text;not null"`
	RefreshToken string    `gorm:"column:refresh_token;type:text;not null"`
	ExpiresAt    time.Time `gorm:"column:expires_at;not null"`
	Scopes       string    `gorm:"column:scopes;size:512;not null;default:''"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ActorCredential) TableName() string {
	return "actor_credentials"
}

// HasScope reports whether the granted scope set contains the given scope.
func (c ActorCredential) HasScope(scope string) bool {
	for _, granted := range strings.Fields(c.Scopes) {
		if granted == scope {
			return true
		}
	}
	return false
}

// ExpiresWithin reports whether the access token expires inside the window.
func (c ActorCredential) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(window))
}
