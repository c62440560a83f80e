package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes the two identities a person can act under. A user and a
// business owned by the same person are distinct participants.
type Kind string

const (
	KindUser     Kind = "user"
	KindBusiness Kind = "business"
)

var ErrNoIdentity = errors.New("participant has no identity")

// Participant is the tagged identity carried by every mutable trade entity.
type Participant struct {
	Kind Kind
	ID   string
}

func User(id string) Participant {
	return Participant{Kind: KindUser, ID: id}
}

func Business(id string) Participant {
	return Participant{Kind: KindBusiness, ID: id}
}

func (p Participant) IsZero() bool {
	return p.ID == ""
}

func (p Participant) Equal(other Participant) bool {
	return p.Kind == other.Kind && p.ID == other.ID
}

func (p Participant) String() string {
	return fmt.Sprintf("%s:%s", p.Kind, p.ID)
}

// Parse inverts String.
func Parse(value string) (Participant, error) {
	kind, id, found := strings.Cut(value, ":")
	if !found || id == "" {
		return Participant{}, ErrNoIdentity
	}
	switch Kind(kind) {
	case KindUser:
		return User(id), nil
	case KindBusiness:
		return Business(id), nil
	}
	return Participant{}, ErrNoIdentity
}

// Columns splits a participant into the paired nullable user/business columns
// used by the schema. Exactly one of the two is non-nil.
func (p Participant) Columns() (userID, businessID *string) {
	switch p.Kind {
	case KindBusiness:
		id := p.ID
		return nil, &id
	default:
		id := p.ID
		return &id, nil
	}
}

// FromColumns rebuilds a participant from the paired columns.
func FromColumns(userID, businessID *string) (Participant, error) {
	switch {
	case userID != nil && businessID != nil:
		return Participant{}, errors.New("participant has both identities")
	case userID != nil:
		return User(*userID), nil
	case businessID != nil:
		return Business(*businessID), nil
	default:
		return Participant{}, ErrNoIdentity
	}
}
