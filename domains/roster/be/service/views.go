package service

import (
	"time"

	"github.com/edconnect-jp/roster-bridge/platform/go/persistence"
)

// Views are the wire shape of persisted records: OneRoster field names,
// dates as YYYY-MM-DD strings, timestamps as RFC 3339. The provenance pair
// keeps its upstream capitalization.

type academicSessionView struct {
	SourcedID        string  `json:"sourcedId"`
	Status           *string `json:"status"`
	DateLastModified *string `json:"dateLastModified"`
	Title            string  `json:"title"`
	Type             string  `json:"type"`
	StartDate        string  `json:"startDate"`
	EndDate          string  `json:"endDate"`
	Parent           *string `json:"parent"`
	SchoolYear       string  `json:"schoolYear"`
	FirstSeen        string  `json:"FirstSeenDateTime"`
	LastSeen         string  `json:"LastSeenDateTime"`
}

type orgView struct {
	SourcedID        string  `json:"sourcedId"`
	Status           *string `json:"status"`
	DateLastModified *string `json:"dateLastModified"`
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	Identifier       string  `json:"identifier"`
	Parent           *string `json:"parent"`
	FirstSeen        string  `json:"FirstSeenDateTime"`
	LastSeen         string  `json:"LastSeenDateTime"`
}

type userView struct {
	SourcedID        string  `json:"sourcedId"`
	Status           *string `json:"status"`
	DateLastModified *string `json:"dateLastModified"`
	EnabledUser      bool    `json:"enabledUser"`
	Username         string  `json:"username"`
	GivenName        string  `json:"givenName"`
	FamilyName       string  `json:"familyName"`
	Email            *string `json:"email"`
	SMS              *string `json:"sms"`
	Phone            *string `json:"phone"`
	FirstSeen        string  `json:"FirstSeenDateTime"`
	LastSeen         string  `json:"LastSeenDateTime"`
}

func viewsOf(records []persistence.Record) []any {
	views := make([]any, 0, len(records))
	for _, record := range records {
		views = append(views, viewOf(record))
	}
	return views
}

func viewOf(record persistence.Record) any {
	env := record.Env()

	switch rec := record.(type) {
	case *persistence.AcademicSession:
		return academicSessionView{
			SourcedID:        env.SourcedID,
			Status:           env.Status,
			DateLastModified: formatOptionalTime(env.DateLastModified),
			Title:            rec.Title,
			Type:             rec.Type,
			StartDate:        rec.StartDate.Format("2006-01-02"),
			EndDate:          rec.EndDate.Format("2006-01-02"),
			Parent:           rec.Parent,
			SchoolYear:       rec.SchoolYear,
			FirstSeen:        env.FirstSeenAt.Format(time.RFC3339),
			LastSeen:         env.LastSeenAt.Format(time.RFC3339),
		}
	case *persistence.Org:
		return orgView{
			SourcedID:        env.SourcedID,
			Status:           env.Status,
			DateLastModified: formatOptionalTime(env.DateLastModified),
			Name:             rec.Name,
			Type:             rec.Type,
			Identifier:       rec.Identifier,
			Parent:           rec.Parent,
			FirstSeen:        env.FirstSeenAt.Format(time.RFC3339),
			LastSeen:         env.LastSeenAt.Format(time.RFC3339),
		}
	case *persistence.RosterUser:
		return userView{
			SourcedID:        env.SourcedID,
			Status:           env.Status,
			DateLastModified: formatOptionalTime(env.DateLastModified),
			EnabledUser:      rec.EnabledUser,
			Username:         rec.Username,
			GivenName:        rec.GivenName,
			FamilyName:       rec.FamilyName,
			Email:            rec.Email,
			SMS:              rec.SMS,
			Phone:            rec.Phone,
			FirstSeen:        env.FirstSeenAt.Format(time.RFC3339),
			LastSeen:         env.LastSeenAt.Format(time.RFC3339),
		}
	}
	return nil
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.Format(time.RFC3339)
	return &formatted
}
