package app

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"zbackup/internal/backup"
)

const tableTimeFormat = "2006-01-02 15:04:05"

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeader(header)
	return table
}

// WriteSnapshots renders snapshots with their hold tags.
func WriteSnapshots(w io.Writer, snapshots []*backup.Snapshot, holds []backup.Hold) {
	tags := make(map[string][]string)
	for _, hold := range holds {
		tags[hold.Snapshot.Name] = append(tags[hold.Snapshot.Name], hold.Tag)
	}

	table := newTable(w, "Snapshot", "Managed", "Source", "Refs", "Holds")
	for _, snapshot := range snapshots {
		managed := ""
		if snapshot.Managed() {
			managed = "yes"
		}
		held := tags[snapshot.Name]
		sort.Strings(held)
		table.Append([]string{
			snapshot.String(),
			managed,
			snapshot.Get(backup.PropertySource),
			strconv.Itoa(snapshot.Refs),
			strings.Join(held, " "),
		})
	}
	table.Render()
}

// WriteHolds renders one row per hold tag.
func WriteHolds(w io.Writer, holds []backup.Hold) {
	table := newTable(w, "Snapshot", "Interval", "Period")
	for _, hold := range holds {
		interval, period, _ := strings.Cut(hold.Tag, "/")
		table.Append([]string{hold.Snapshot.String(), interval, period})
	}
	table.Render()
}

// WriteOperations renders the run history.
func WriteOperations(w io.Writer, ops []*backup.Operation) {
	table := newTable(w, "ID", "Operation", "Started", "Status", "Duration", "Error")
	for _, op := range ops {
		duration := ""
		if op.FinishedAt != nil {
			duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
		}
		table.Append([]string{
			fmt.Sprintf("#%d", op.ID),
			op.Operation,
			op.StartedAt.Local().Format(tableTimeFormat),
			op.Status,
			duration,
			op.Error,
		})
	}
	table.Render()
}

// WriteTransfers renders recorded replications.
func WriteTransfers(w io.Writer, transfers []*backup.TransferRecord) {
	table := newTable(w, "Target", "Source", "Snapshot", "Base", "Bytes", "Time")
	for _, t := range transfers {
		base := t.Base
		if base == "" {
			base = "(full)"
		}
		snapshot := t.Destination + "@" + t.Snapshot
		if t.Noop {
			snapshot += " (noop)"
		}
		table.Append([]string{
			t.Target,
			t.Source,
			snapshot,
			base,
			strconv.FormatInt(t.Bytes, 10),
			t.CreatedAt.Local().Format(tableTimeFormat),
		})
	}
	table.Render()
}

// WriteArchives renders archived streams.
func WriteArchives(w io.Writer, archives []*backup.Archive) {
	table := newTable(w, "ID", "Snapshot", "Base", "Size", "Encrypted", "Time")
	for _, a := range archives {
		base := a.Base
		if base == "" {
			base = "(full)"
		}
		encrypted := "no"
		if a.Encrypted {
			encrypted = "yes"
		}
		table.Append([]string{
			a.ID,
			a.Filesystem + "@" + a.Snapshot,
			base,
			strconv.FormatInt(a.Size, 10),
			encrypted,
			a.CreatedAt.Local().Format(tableTimeFormat),
		})
	}
	table.Render()
}
