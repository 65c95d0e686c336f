package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/stocktracker/mailqueue/pkg/queue"
)

const maxErrorWidth = 60

func WriteJobTable(w io.Writer, jobs []queue.Job) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTO\tSUBJECT\tSTATUS\tATTEMPTS\tCREATED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", j.ID, j.To, j.Subject, j.Status, j.Attempts, formatTime(j.CreatedAt))
	}
	_ = tw.Flush()
}

func WriteJobTableWide(w io.Writer, jobs []queue.Job) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTO\tSUBJECT\tSTATUS\tATTEMPTS\tLAST_ATTEMPT\tCREATED\tERROR")
	for _, j := range jobs {
		last := "-"
		if j.LastAttempt != nil {
			last = formatTime(*j.LastAttempt)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			j.ID, j.To, j.Subject, j.Status, j.Attempts, last, formatTime(j.CreatedAt), truncate(j.Error, maxErrorWidth))
	}
	_ = tw.Flush()
}

// WriteStatsTable prints one row per status followed by the totals.
func WriteStatsTable(w io.Writer, stats *queue.Stats) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STATUS\tCOUNT\tAVG_ATTEMPTS")
	for _, st := range queue.AllStatuses {
		avg := 0.0
		for _, c := range stats.ByStatus {
			if c.Status == st {
				avg = c.AvgAttempts
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%.2f\n", st, stats.Count(st), avg)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "\nTotal: %d  Last 24h: %d\n", stats.Total, stats.Last24Hours)
}

// WriteJob prints a single job as key/value lines, followed by its HTML body when
// withBody is set.
func WriteJob(w io.Writer, job *queue.Job, withBody bool) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	last := "-"
	if job.LastAttempt != nil {
		last = formatTime(*job.LastAttempt)
	}
	rows := [][2]string{
		{"ID", job.ID},
		{"To", job.To},
		{"Subject", job.Subject},
		{"Status", string(job.Status)},
		{"Attempts", fmt.Sprint(job.Attempts)},
		{"Last attempt", last},
		{"Created", formatTime(job.CreatedAt)},
		{"Updated", formatTime(job.UpdatedAt)},
		{"Error", orDash(job.Error)},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	_ = tw.Flush()
	if withBody {
		_, _ = fmt.Fprintf(w, "\n%s\n", job.HTML)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return orDash(s)
	}
	return s[:n-3] + "..."
}
