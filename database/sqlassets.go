package sqlassets

import _ "embed"

//go:embed schema/roster/academic_sessions.sql
var AcademicSessionsSQL string

//go:embed schema/roster/orgs.sql
var OrgsSQL string

//go:embed schema/roster/roster_users.sql
var RosterUsersSQL string
