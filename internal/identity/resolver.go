// Package identity resolves raw event attribution into canonical user
// identities. Signed-in events carry a user id; anonymous events carry only a
// device-scoped anonymous id, which may later be linked to a user account.
package identity

import "strings"

// AnonPrefix marks canonical identities that could not be tied to an
// account. The prefix is reserved: real user ids never start with it, but
// the event tables store anonymous events with the sentinel form in
// user_id itself, so a prefixed user_id is an anonymous identity, not an
// account.
const AnonPrefix = "anon:"

// LinkSet maps anonymous ids to the user account each was later linked to.
// It is loaded once per run so every day in a backfill sees the same link
// state.
type LinkSet map[string]string

// Capabilities describes which optional source tables the store exposes.
// Resolved once at startup; resolution behavior is fixed for the lifetime of
// a Resolver rather than re-checked per query.
type Capabilities struct {
	// HasIdentityLinks is false when the identity_links table does not
	// exist. Resolution then degrades to the sentinel path and results
	// should be flagged as degraded.
	HasIdentityLinks bool
}

// Resolver turns (userID, anonymousID) pairs into canonical identities.
type Resolver struct {
	caps  Capabilities
	links LinkSet
}

// NewResolver builds a resolver over a preloaded link set. links may be nil
// when the store lacks the link table; caps must say so.
func NewResolver(caps Capabilities, links LinkSet) *Resolver {
	if links == nil {
		links = LinkSet{}
	}
	return &Resolver{caps: caps, links: links}
}

// Capabilities reports the capabilities the resolver was built with.
func (r *Resolver) Capabilities() Capabilities {
	return r.caps
}

// Resolve maps an event's attribution pair to a canonical identity.
//
// Precedence:
//  1. a real user id wins outright; a sentinel-formed user id is treated
//     as absent, since it is an anonymous id in disguise;
//  2. an anonymous id that was linked to an account resolves to that account;
//  3. an unlinked anonymous id resolves to the anon: sentinel form;
//  4. a pair with neither id is unattributable.
//
// The second return value reports whether the identity is a real account.
func (r *Resolver) Resolve(userID, anonymousID string) (string, bool) {
	if userID != "" && !IsAnonymous(userID) {
		return userID, true
	}
	if anonymousID == "" {
		// A sentinel user_id embeds the anonymous id it was minted from.
		anonymousID = strings.TrimPrefix(userID, AnonPrefix)
	}
	if anonymousID != "" {
		if r.caps.HasIdentityLinks {
			if linked, ok := r.links[anonymousID]; ok && linked != "" {
				return linked, true
			}
		}
		return AnonPrefix + anonymousID, false
	}
	return "", false
}

// ResolveSignedIn is Resolve restricted to real accounts: anonymous ids that
// cannot be linked resolve to nothing instead of the sentinel form.
func (r *Resolver) ResolveSignedIn(userID, anonymousID string) (string, bool) {
	id, signedIn := r.Resolve(userID, anonymousID)
	if !signedIn {
		return "", false
	}
	return id, true
}

// IsAnonymous reports whether a canonical identity is a sentinel identity
// rather than a real account.
func IsAnonymous(id string) bool {
	return strings.HasPrefix(id, AnonPrefix)
}
