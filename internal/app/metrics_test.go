package app

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zbackup/internal/backup"
)

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	if m.Observed() {
		t.Fatal("Observed() = true before any backup")
	}

	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	m.ObserveBackup("web", start, end, &backup.BackupResult{
		Holds: []string{"hourly/2024-01-15T10", "daily/2024-01-15"},
		Purge: &backup.PurgeResult{
			Released:  []backup.Hold{{Tag: "hourly/2024-01-14T10"}},
			Destroyed: []*backup.Snapshot{{Filesystem: "backup/web", Name: "20240114-103000"}},
		},
	}, nil)
	m.ObserveBackup("db", start, end, nil, errors.New("send failed"))

	if !m.Observed() {
		t.Fatal("Observed() = false after ObserveBackup")
	}

	path := filepath.Join(t.TempDir(), "zbackup.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading textfile: %v", err)
	}
	got := string(data)

	for _, want := range []string{
		`zbackup_success{target="web"} 1`,
		`zbackup_success{target="db"} 0`,
		`zbackup_duration_seconds{target="web"} 90`,
		`zbackup_holds_placed{target="web"} 2`,
		`zbackup_holds_released{target="web"} 1`,
		`zbackup_snapshots_destroyed{target="web"} 1`,
		`zbackup_last_success_timestamp_seconds{target="web"} 1.70531469e+09`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("textfile missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, `zbackup_last_success_timestamp_seconds{target="db"}`) {
		t.Errorf("failed target has a last success timestamp:\n%s", got)
	}
}
