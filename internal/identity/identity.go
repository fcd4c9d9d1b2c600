// Package identity supplies the current actor for event and presence
// stamping. Identity never authorizes anything; authorization belongs to
// the storage layer.
package identity

import "github.com/google/uuid"

// Info identifies the current actor.
type Info struct {
	UserID      string
	DisplayName string
}

// Identity is the collaborator interface: a stable identity for the
// lifetime of the client session.
type Identity interface {
	Current() Info
}

// Static is a fixed identity, the common case for an embedded client
// runtime that resolved its user once at startup.
type Static struct {
	info Info
}

// NewStatic creates a fixed identity. An empty user id gets a generated
// one, covering anonymous/guest sessions.
func NewStatic(userID, displayName string) *Static {
	if userID == "" {
		userID = uuid.NewString()
	}
	return &Static{info: Info{UserID: userID, DisplayName: displayName}}
}

// Current implements Identity.
func (s *Static) Current() Info { return s.info }
