package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/edconnect-jp/roster-bridge/domains/roster/be/schema"
	"github.com/edconnect-jp/roster-bridge/platform/go/persistence"
)

// buildRecord maps a coerced row onto the explicit per-kind struct,
// enforcing entity shape: required fields must be non-nil and typed
// fields must carry the expected coerced type. Unknown fields were
// already dropped by the coercion engine.
func buildRecord(kind persistence.Kind, row schema.Row) (persistence.Record, error) {
	env, err := buildEnvelope(row)
	if err != nil {
		return nil, err
	}

	switch kind {
	case persistence.KindAcademicSession:
		return buildAcademicSession(env, row)
	case persistence.KindOrg:
		return buildOrg(env, row)
	case persistence.KindUser:
		return buildUser(env, row)
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

func buildEnvelope(row schema.Row) (persistence.Envelope, error) {
	sourcedID, err := requiredString(row, "sourcedId")
	if err != nil {
		return persistence.Envelope{}, missingFieldsError([]string{"sourcedId"})
	}

	env := persistence.Envelope{
		SourcedID: sourcedID,
		Status:    optionalString(row, "status"),
	}

	if t, ok := row["dateLastModified"].(time.Time); ok {
		env.DateLastModified = &t
	}

	return env, nil
}

func buildAcademicSession(env persistence.Envelope, row schema.Row) (persistence.Record, error) {
	var missing []string

	title, err := requiredString(row, "title")
	collect(&missing, err)
	sessionType, err := requiredString(row, "type")
	collect(&missing, err)
	schoolYear, err := requiredString(row, "schoolYear")
	collect(&missing, err)
	startDate, err := requiredTime(row, "startDate")
	collect(&missing, err)
	endDate, err := requiredTime(row, "endDate")
	collect(&missing, err)

	if len(missing) > 0 {
		return nil, missingFieldsError(missing)
	}

	return &persistence.AcademicSession{
		Envelope:   env,
		Title:      title,
		Type:       sessionType,
		StartDate:  startDate,
		EndDate:    endDate,
		Parent:     optionalString(row, "parent"),
		SchoolYear: schoolYear,
	}, nil
}

func buildOrg(env persistence.Envelope, row schema.Row) (persistence.Record, error) {
	var missing []string

	name, err := requiredString(row, "name")
	collect(&missing, err)
	orgType, err := requiredString(row, "type")
	collect(&missing, err)
	identifier, err := requiredString(row, "identifier")
	collect(&missing, err)

	if len(missing) > 0 {
		return nil, missingFieldsError(missing)
	}

	return &persistence.Org{
		Envelope:   env,
		Name:       name,
		Type:       orgType,
		Identifier: identifier,
		Parent:     optionalString(row, "parent"),
	}, nil
}

func buildUser(env persistence.Envelope, row schema.Row) (persistence.Record, error) {
	var missing []string

	username, err := requiredString(row, "username")
	collect(&missing, err)
	givenName, err := requiredString(row, "givenName")
	collect(&missing, err)
	familyName, err := requiredString(row, "familyName")
	collect(&missing, err)

	enabled, ok := row["enabledUser"].(bool)
	if !ok {
		missing = append(missing, "enabledUser")
	}

	if len(missing) > 0 {
		return nil, missingFieldsError(missing)
	}

	return &persistence.RosterUser{
		Envelope:    env,
		EnabledUser: enabled,
		Username:    username,
		GivenName:   givenName,
		FamilyName:  familyName,
		Email:       optionalString(row, "email"),
		SMS:         optionalString(row, "sms"),
		Phone:       optionalString(row, "phone"),
	}, nil
}

func requiredString(row schema.Row, name string) (string, error) {
	value, ok := row[name].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s", name)
	}
	return value, nil
}

func requiredTime(row schema.Row, name string) (time.Time, error) {
	value, ok := row[name].(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("%s", name)
	}
	return value, nil
}

func optionalString(row schema.Row, name string) *string {
	if value, ok := row[name].(string); ok && value != "" {
		return &value
	}
	return nil
}

func collect(missing *[]string, err error) {
	if err != nil {
		*missing = append(*missing, err.Error())
	}
}

func missingFieldsError(fields []string) error {
	return fmt.Errorf("missing required fields: %s", strings.Join(fields, ", "))
}
