package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edconnect-jp/roster-bridge/domains/roster/be/repo"
	"github.com/edconnect-jp/roster-bridge/domains/roster/be/schema"
	"github.com/edconnect-jp/roster-bridge/platform/go/persistence"
)

func newTestService(t *testing.T, r repo.Repository) *service {
	t.Helper()

	profile, err := schema.DefaultProfile()
	require.NoError(t, err)

	return New(r, profile, zap.NewNop()).(*service)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

const usersCSV = "sourcedId,status,dateLastModified,enabledUser,username,givenName,familyName,email,sms,phone\n" +
	"usr-1,active,2024-04-01T00:00:00Z,true,yamada.t,太郎,山田,taro@example.jp,,\n" +
	"usr-2,active,,false,suzuki.h,花子,鈴木,,,\n"

func TestProcessFileCreatesThenUpdates(t *testing.T) {
	t.Parallel()

	memory := repo.NewMemoryRepository()
	svc := newTestService(t, memory)

	t1 := time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC)
	svc.now = fixedClock(t1)

	result, err := svc.ProcessFile(context.Background(), persistence.KindUser, []byte(usersCSV))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 2, result.Created)
	require.Equal(t, 0, result.Updated)
	require.Empty(t, result.Errors)

	t2 := t1.Add(time.Hour)
	svc.now = fixedClock(t2)

	result, err = svc.ProcessFile(context.Background(), persistence.KindUser, []byte(usersCSV))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 0, result.Created)
	require.Equal(t, 2, result.Updated)

	record, err := memory.Get(context.Background(), persistence.KindUser, "usr-1")
	require.NoError(t, err)
	require.Equal(t, t1, record.Env().FirstSeenAt)
	require.Equal(t, t2, record.Env().LastSeenAt)
}

func TestProcessFileStampsWholeBatchWithOneTimestamp(t *testing.T) {
	t.Parallel()

	memory := repo.NewMemoryRepository()
	svc := newTestService(t, memory)

	// A ticking clock would spread timestamps across rows if the service
	// consulted it per row.
	base := time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	result, err := svc.ProcessFile(context.Background(), persistence.KindUser, []byte(usersCSV))
	require.NoError(t, err)
	require.True(t, result.Success)

	first, err := memory.Get(context.Background(), persistence.KindUser, "usr-1")
	require.NoError(t, err)
	second, err := memory.Get(context.Background(), persistence.KindUser, "usr-2")
	require.NoError(t, err)
	require.Equal(t, first.Env().LastSeenAt, second.Env().LastSeenAt)
}

func TestProcessFileRejectsBadRowsAndKeepsTheRest(t *testing.T) {
	t.Parallel()

	memory := repo.NewMemoryRepository()
	svc := newTestService(t, memory)

	csv := "sourcedId,status,dateLastModified,title,type,startDate,endDate,parent,schoolYear\n" +
		"sess-1,active,,2024年度,schoolYear,2024-04-01,2025-03-31,,2024\n" +
		"sess-2,active,,前期,term,not-a-date,2024-09-30,sess-1,2024\n" +
		"sess-3,active,,後期,term,2024-10-01,2025-03-31,sess-1,2024\n" +
		",active,,孤立,term,2024-10-01,2025-03-31,,2024\n"

	result, err := svc.ProcessFile(context.Background(), persistence.KindAcademicSession, []byte(csv))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 2, result.Created)
	require.Equal(t, 0, result.Updated)
	require.Len(t, result.Errors, 2)
	require.Equal(t, 2, result.Errors[0].Row)
	require.Contains(t, result.Errors[0].Message, "startDate")
	require.Equal(t, 4, result.Errors[1].Row)
	require.Contains(t, result.Errors[1].Message, "sourcedId")

	_, err = memory.Get(context.Background(), persistence.KindAcademicSession, "sess-1")
	require.NoError(t, err)
	_, err = memory.Get(context.Background(), persistence.KindAcademicSession, "sess-2")
	require.ErrorIs(t, err, persistence.ErrRecordNotFound)
	_, err = memory.Get(context.Background(), persistence.KindAcademicSession, "sess-3")
	require.NoError(t, err)
}

func TestProcessFileRejectsFileMissingRequiredColumns(t *testing.T) {
	t.Parallel()

	memory := repo.NewMemoryRepository()
	svc := newTestService(t, memory)

	csv := "sourcedId,name\norg-1,第一小学校\n"

	_, err := svc.ProcessFile(context.Background(), persistence.KindOrg, []byte(csv))

	var structural *StructuralError
	require.ErrorAs(t, err, &structural)
	require.Equal(t, persistence.KindOrg, structural.Kind)
	require.Contains(t, structural.MissingColumns, "type")
	require.Contains(t, structural.MissingColumns, "identifier")

	total, countErr := memory.Count(context.Background(), persistence.KindOrg, nil)
	require.NoError(t, countErr)
	require.Zero(t, total)
}

func TestProcessFileStorageFaultRollsBackWholeBatch(t *testing.T) {
	t.Parallel()

	memory := repo.NewMemoryRepository()
	memory.CommitErr = errors.New("connection reset by peer")
	svc := newTestService(t, memory)

	result, err := svc.ProcessFile(context.Background(), persistence.KindUser, []byte(usersCSV))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Zero(t, result.Created)
	require.Zero(t, result.Updated)
	require.Contains(t, result.Fault, "connection reset")

	total, countErr := memory.Count(context.Background(), persistence.KindUser, nil)
	require.NoError(t, countErr)
	require.Zero(t, total)
}

func TestProcessFileOverwritesOptionalFieldsOnUpdate(t *testing.T) {
	t.Parallel()

	memory := repo.NewMemoryRepository()
	svc := newTestService(t, memory)
	svc.now = fixedClock(time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC))

	withEmail := "sourcedId,status,dateLastModified,enabledUser,username,givenName,familyName,email,sms,phone\n" +
		"usr-1,active,,true,yamada.t,太郎,山田,taro@example.jp,,\n"
	withoutEmail := "sourcedId,status,dateLastModified,enabledUser,username,givenName,familyName,email,sms,phone\n" +
		"usr-1,active,,true,yamada.t,太郎,山田,,,\n"

	_, err := svc.ProcessFile(context.Background(), persistence.KindUser, []byte(withEmail))
	require.NoError(t, err)

	record, err := memory.Get(context.Background(), persistence.KindUser, "usr-1")
	require.NoError(t, err)
	require.NotNil(t, record.(*persistence.RosterUser).Email)

	_, err = svc.ProcessFile(context.Background(), persistence.KindUser, []byte(withoutEmail))
	require.NoError(t, err)

	record, err = memory.Get(context.Background(), persistence.KindUser, "usr-1")
	require.NoError(t, err)
	require.Nil(t, record.(*persistence.RosterUser).Email)
}

func TestDeltaSinceBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	memory := repo.NewMemoryRepository()
	svc := newTestService(t, memory)

	stamp := time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC)
	svc.now = fixedClock(stamp)

	_, err := svc.ProcessFile(context.Background(), persistence.KindUser, []byte(usersCSV))
	require.NoError(t, err)

	page, err := svc.Delta(context.Background(), persistence.KindUser, DeltaOptions{Since: &stamp})
	require.NoError(t, err)
	require.EqualValues(t, 2, page.Total)
	require.Len(t, page.Data, 2)

	after := stamp.Add(time.Second)
	page, err = svc.Delta(context.Background(), persistence.KindUser, DeltaOptions{Since: &after})
	require.NoError(t, err)
	require.EqualValues(t, 0, page.Total)
	require.Empty(t, page.Data)
}

func TestDeltaOrdersNewestFirstAndCountsBeforePagination(t *testing.T) {
	t.Parallel()

	memory := repo.NewMemoryRepository()
	svc := newTestService(t, memory)

	header := "sourcedId,status,dateLastModified,name,type,identifier,parent\n"

	t1 := time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC)
	svc.now = fixedClock(t1)
	_, err := svc.ProcessFile(context.Background(), persistence.KindOrg,
		[]byte(header+"org-1,active,,第一小学校,school,S001,\n"))
	require.NoError(t, err)

	t2 := t1.Add(time.Hour)
	svc.now = fixedClock(t2)
	_, err = svc.ProcessFile(context.Background(), persistence.KindOrg,
		[]byte(header+"org-2,active,,第二小学校,school,S002,\n"))
	require.NoError(t, err)

	limit := 1
	page, err := svc.Delta(context.Background(), persistence.KindOrg, DeltaOptions{Since: &t1, Limit: &limit})
	require.NoError(t, err)
	require.EqualValues(t, 2, page.Total)
	require.Len(t, page.Data, 1)

	view, ok := page.Data[0].(orgView)
	require.True(t, ok)
	require.Equal(t, "org-2", view.SourcedID)
	require.Equal(t, t2.Format(time.RFC3339), view.LastSeen)
}

func TestConcurrentBatchesOnSameSourcedID(t *testing.T) {
	t.Parallel()

	memory := repo.NewMemoryRepository()
	svc := newTestService(t, memory)

	// Last committer wins on non-timestamp fields; the only guarantees are
	// no error and an intact record. Outcomes are funnelled back to the test
	// goroutine before asserting.
	type outcome struct {
		result BatchResult
		err    error
	}
	const workers = 8
	outcomes := make(chan outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.ProcessFile(context.Background(), persistence.KindUser, []byte(usersCSV))
			outcomes <- outcome{result: result, err: err}
		}()
	}
	wg.Wait()
	close(outcomes)

	for got := range outcomes {
		require.NoError(t, got.err)
		require.True(t, got.result.Success)
	}

	record, err := memory.Get(context.Background(), persistence.KindUser, "usr-1")
	require.NoError(t, err)
	user := record.(*persistence.RosterUser)
	require.Equal(t, "yamada.t", user.Username)
	require.False(t, user.Env().FirstSeenAt.After(user.Env().LastSeenAt))

	total, err := memory.Count(context.Background(), persistence.KindUser, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
}

func TestGetReturnsNotFoundForUnknownSourcedID(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, repo.NewMemoryRepository())

	_, err := svc.Get(context.Background(), persistence.KindUser, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetReturnsViewWithProvenance(t *testing.T) {
	t.Parallel()

	memory := repo.NewMemoryRepository()
	svc := newTestService(t, memory)

	stamp := time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC)
	svc.now = fixedClock(stamp)

	_, err := svc.ProcessFile(context.Background(), persistence.KindUser, []byte(usersCSV))
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), persistence.KindUser, "usr-1")
	require.NoError(t, err)

	view, ok := got.(userView)
	require.True(t, ok)
	require.Equal(t, "usr-1", view.SourcedID)
	require.Equal(t, "yamada.t", view.Username)
	require.True(t, view.EnabledUser)
	require.Equal(t, stamp.Format(time.RFC3339), view.FirstSeen)
	require.Equal(t, stamp.Format(time.RFC3339), view.LastSeen)
	require.NotNil(t, view.DateLastModified)
	require.Equal(t, "2024-04-01T00:00:00Z", *view.DateLastModified)
}
