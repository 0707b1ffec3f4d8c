package auth

import (
	"errors"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

const (
	// RoleAgent is the privilege role assigned when a credential names none.
	RoleAgent = "agent"
	// RoleSupervisor is the default override role: it may take over or
	// close conversations held by other agents.
	RoleSupervisor = "supervisor"
)

// Identity is the verified agent behind a credential.
type Identity struct {
	AgentID string
	Name    string
	Role    string
}

// Verifier resolves a presented credential to an agent identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Chain tries each verifier in order and returns the first success. An
// expired token is reported as expired even when a later verifier also
// rejects it.
type Chain []Verifier

func (c Chain) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	err := ErrInvalidToken
	for _, v := range c {
		if v == nil {
			continue
		}
		id, verr := v.Verify(token)
		if verr == nil {
			return id, nil
		}
		if errors.Is(verr, ErrExpiredToken) {
			err = verr
		}
	}
	return Identity{}, err
}
