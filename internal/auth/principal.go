// Package auth models the already-authenticated principal handed to every
// core operation. Authentication itself and project membership resolution are
// external collaborators; the core only trusts the resolved capability set
// and enforces ownership and state guards on top of it.
package auth

import "github.com/google/uuid"

type Capability string

const (
	CapMember    Capability = "member"
	CapAnnotator Capability = "annotator"
	CapReviewer  Capability = "reviewer"
	CapAdmin     Capability = "admin"
)

type Principal struct {
	UserId       uuid.UUID
	Capabilities map[Capability]bool
}

func NewPrincipal(userId uuid.UUID, caps ...Capability) Principal {
	p := Principal{UserId: userId, Capabilities: make(map[Capability]bool, len(caps))}
	for _, c := range caps {
		p.Capabilities[c] = true
	}
	return p
}

// Can reports whether the principal holds the capability. Admin implies every
// capability.
func (p Principal) Can(c Capability) bool {
	return p.Capabilities[CapAdmin] || p.Capabilities[c]
}
