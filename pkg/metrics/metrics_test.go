package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionsActiveTracksOpenAndClose(t *testing.T) {
	c := NewCollector()

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()

	if got := testutil.ToFloat64(c.sessionsActive); got != 1 {
		t.Fatalf("sessions_active = %v, want 1", got)
	}
}

func TestRecordHousekeepingSetsGauges(t *testing.T) {
	c := NewCollector()

	c.RecordHousekeeping(HousekeepingStats{
		LastRunAtUnix:       1000,
		LastRunDurationSecs: 2.5,
		AccountsScanned:     3,
		BlocksFreed:         42,
		Errors:              1,
	})

	if got := testutil.ToFloat64(c.housekeepingBlocksFreed); got != 42 {
		t.Fatalf("blocks_freed = %v, want 42", got)
	}
	if got := testutil.ToFloat64(c.housekeepingAccountsScanned); got != 3 {
		t.Fatalf("accounts_scanned = %v, want 3", got)
	}
}

func TestSetAccountQuotaLabelsByAccount(t *testing.T) {
	c := NewCollector()

	c.SetAccountQuota(7, 100, 800, 1000)

	got := testutil.ToFloat64(c.quotaBlocksUsed.WithLabelValues("7"))
	if got != 100 {
		t.Fatalf("blocks_used{account_id=7} = %v, want 100", got)
	}
}
