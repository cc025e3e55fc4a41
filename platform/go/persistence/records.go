package persistence

import (
	"fmt"
	"time"
)

// Kind identifies one of the three roster entity types. The set is closed;
// stores and services dispatch on it rather than on dynamic schema lookups.
type Kind string

const (
	KindAcademicSession Kind = "academicSessions"
	KindOrg             Kind = "orgs"
	KindUser            Kind = "users"
)

// Kinds lists every supported entity kind in profile order.
func Kinds() []Kind {
	return []Kind{KindAcademicSession, KindOrg, KindUser}
}

// ParseKind validates a caller-supplied entity type name.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindAcademicSession, KindOrg, KindUser:
		return Kind(raw), nil
	}
	return "", fmt.Errorf("unknown entity type %q", raw)
}

// Envelope carries the fields shared by every roster record.
//
// FirstSeenAt is set once when a sourcedId is first persisted and never
// touched again; LastSeenAt is restamped on every successful
// reconciliation and is the sole delta cursor. DateLastModified is the
// source system's own claim and plays no part in reconciliation.
type Envelope struct {
	SourcedID        string
	Status           *string
	DateLastModified *time.Time
	FirstSeenAt      time.Time
	LastSeenAt       time.Time
}

// Env returns the envelope itself; embedding types inherit it to satisfy Record.
func (e *Envelope) Env() *Envelope { return e }

// Record is the store-facing view of a roster entity: its kind plus the
// shared envelope. Kind-specific attributes stay on the concrete structs.
type Record interface {
	Kind() Kind
	Env() *Envelope
}

// AcademicSession is a term, semester or school-year period.
type AcademicSession struct {
	Envelope
	Title      string
	Type       string
	StartDate  time.Time
	EndDate    time.Time
	Parent     *string
	SchoolYear string
}

func (*AcademicSession) Kind() Kind { return KindAcademicSession }

// Org is a school, district or other institution.
type Org struct {
	Envelope
	Name       string
	Type       string
	Identifier string
	Parent     *string
}

func (*Org) Kind() Kind { return KindOrg }

// RosterUser is a student, teacher or staff account.
type RosterUser struct {
	Envelope
	EnabledUser bool
	Username    string
	GivenName   string
	FamilyName  string
	Email       *string
	SMS         *string
	Phone       *string
}

func (*RosterUser) Kind() Kind { return KindUser }
