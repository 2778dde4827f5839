// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/bureau-foundation/warden/lib/peercred"
)

// Identity is a resolved OS principal.
type Identity struct {
	Name string
	UID  uint32
	GID  uint32
}

// PrincipalResolver maps a principal name to an OS identity.
type PrincipalResolver interface {
	LookupPrincipal(name string) (Identity, error)
}

// PrincipalError reports a principal that could not be resolved.
// Resolution failure is always an error: there is no open-access
// fallback.
type PrincipalError struct {
	Principal string
	Err       error
}

func (e *PrincipalError) Error() string {
	return fmt.Sprintf("resolving principal %q: %v", e.Principal, e.Err)
}

func (e *PrincipalError) Unwrap() error { return e.Err }

// OSResolver resolves principals against the local user database.
type OSResolver struct{}

// LookupPrincipal looks name up as a user name, or as a numeric uid
// if no user has that name.
func (OSResolver) LookupPrincipal(name string) (Identity, error) {
	account, err := user.Lookup(name)
	if err != nil {
		if _, parseErr := strconv.ParseUint(name, 10, 32); parseErr == nil {
			account, err = user.LookupId(name)
		}
	}
	if err != nil {
		return Identity{}, &PrincipalError{Principal: name, Err: err}
	}
	return identityFromUser(name, account)
}

func identityFromUser(name string, account *user.User) (Identity, error) {
	uid, err := strconv.ParseUint(account.Uid, 10, 32)
	if err != nil {
		return Identity{}, &PrincipalError{Principal: name, Err: fmt.Errorf("non-numeric uid %q", account.Uid)}
	}
	gid, err := strconv.ParseUint(account.Gid, 10, 32)
	if err != nil {
		return Identity{}, &PrincipalError{Principal: name, Err: fmt.Errorf("non-numeric gid %q", account.Gid)}
	}
	return Identity{Name: account.Username, UID: uint32(uid), GID: uint32(gid)}, nil
}

// CurrentIdentity returns the identity the agent runs as. The name
// falls back to the numeric uid when the user database has no entry,
// which happens in minimal containers.
func CurrentIdentity() Identity {
	self := peercred.Self()
	identity := Identity{Name: strconv.FormatUint(uint64(self.UID), 10), UID: self.UID, GID: self.GID}
	if account, err := user.Current(); err == nil {
		identity.Name = account.Username
	}
	return identity
}

// AccessPolicy is the permission set for one channel: full control
// for the agent, read/write for the expected principal, read/write for
// the administrative principal, nothing for anyone else.
//
// It is enforced in two layers. Apply sets the socket file's owner and
// mode so the filesystem refuses other users; Authorize checks the
// kernel-reported uid of every accepted peer, which also covers the
// window between bind and Apply.
type AccessPolicy struct {
	Agent     Identity
	Principal Identity
	Admin     Identity

	// privileged is set when the agent runs as root and can hand
	// socket ownership to the principal.
	privileged bool
}

// NewAccessPolicy builds the policy for a channel. An unprivileged
// agent cannot give another user access to a socket it owns, so it
// refuses a principal other than itself rather than widening the
// socket mode.
func NewAccessPolicy(agent, principal, admin Identity) (*AccessPolicy, error) {
	policy := &AccessPolicy{
		Agent:      agent,
		Principal:  principal,
		Admin:      admin,
		privileged: agent.UID == 0,
	}
	if !policy.privileged && principal.UID != agent.UID {
		return nil, fmt.Errorf("agent runs as uid %d and cannot grant principal %s (uid %d) access to its sockets; run the agent as root or the worker as uid %d",
			agent.UID, principal.Name, principal.UID, agent.UID)
	}
	return policy, nil
}

// Apply sets ownership and mode on a bound socket. Privileged: owner
// is the principal, group is the admin principal's primary group, mode
// 0660 (root keeps control regardless). Unprivileged: the agent owns
// the socket with mode 0600.
func (p *AccessPolicy) Apply(socketPath string) error {
	if p.privileged {
		if err := os.Chown(socketPath, int(p.Principal.UID), int(p.Admin.GID)); err != nil {
			return fmt.Errorf("setting owner of %s to %s: %w", socketPath, p.Principal.Name, err)
		}
		if err := os.Chmod(socketPath, 0o660); err != nil {
			return fmt.Errorf("setting mode of %s: %w", socketPath, err)
		}
		return nil
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		return fmt.Errorf("setting mode of %s: %w", socketPath, err)
	}
	return nil
}

// Authorize admits a peer whose uid is the agent's, the principal's,
// or the admin principal's. Errors wrap ErrAccessDenied.
func (p *AccessPolicy) Authorize(peer peercred.Credentials) error {
	if p.Role(peer.UID) == "" {
		return fmt.Errorf("%w: peer uid %d (pid %d) is not %s, %s, or %s",
			ErrAccessDenied, peer.UID, peer.PID, p.Principal.Name, p.Admin.Name, p.Agent.Name)
	}
	return nil
}

// Role names the policy entry that matches uid, or "" for none. When
// identities share a uid the principal wins, then admin, then agent.
func (p *AccessPolicy) Role(uid uint32) string {
	switch uid {
	case p.Principal.UID:
		return "principal"
	case p.Admin.UID:
		return "admin"
	case p.Agent.UID:
		return "agent"
	}
	return ""
}
