package sync

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Abort reasons recorded in Summary.Aborted besides the target reasons
const (
	AbortFeed      = "feed_unreadable"
	AbortCancelled = "cancelled"
)

// Summary is the user-visible report of one run
type Summary struct {
	RunID               string         `json:"run_id"`
	StartedAt           time.Time      `json:"started_at"`
	FinishedAt          time.Time      `json:"finished_at"`
	DurationSeconds     float64        `json:"duration_seconds"`
	Documents           int            `json:"documents"`
	Created             int            `json:"created"`
	Updated             int            `json:"updated"`
	Skipped             int            `json:"skipped"`
	Failed              int            `json:"failed"`
	Changed             int            `json:"changed"`
	Pending             int            `json:"pending"`
	CommitFailures      int            `json:"commit_failures,omitempty"`
	TargetFailures      map[string]int `json:"target_failures,omitempty"`
	Retries             int64          `json:"retries"`
	CircuitBreakerTrips int64          `json:"circuit_breaker_trips"`
	Aborted             string         `json:"aborted,omitempty"`
	Error               string         `json:"error,omitempty"`
}

func (s *Summary) add(res *DocumentResult) {
	if res == nil {
		return
	}
	switch res.Outcome() {
	case OutcomeCreated:
		s.Created++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
	if res.Changed {
		s.Changed++
	}
	for _, t := range res.Targets {
		if t.Outcome == OutcomeFailed {
			if s.TargetFailures == nil {
				s.TargetFailures = make(map[string]int)
			}
			s.TargetFailures[t.TargetID]++
		}
	}
}

// Success reports whether the run completed with every document synced
func (s *Summary) Success() bool {
	return s.Aborted == "" && s.Failed == 0 && s.CommitFailures == 0
}

// WriteJSON writes the summary as indented JSON
func (s *Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteTable writes the summary as a human-readable table
func (s *Summary) WriteTable(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")

	rows := [][]string{
		{"Run", s.RunID},
		{"Duration", (time.Duration(s.DurationSeconds * float64(time.Second))).Round(time.Millisecond).String()},
		{"Documents", strconv.Itoa(s.Documents)},
		{"Created", strconv.Itoa(s.Created)},
		{"Updated", strconv.Itoa(s.Updated)},
		{"Skipped", strconv.Itoa(s.Skipped)},
		{"Failed", strconv.Itoa(s.Failed)},
		{"Changed locally", strconv.Itoa(s.Changed)},
		{"Retries", strconv.FormatInt(s.Retries, 10)},
		{"Circuit breaker trips", strconv.FormatInt(s.CircuitBreakerTrips, 10)},
	}
	if s.Pending > 0 {
		rows = append(rows, []string{"Pending", strconv.Itoa(s.Pending)})
	}
	if s.CommitFailures > 0 {
		rows = append(rows, []string{"Commit failures", strconv.Itoa(s.CommitFailures)})
	}

	ids := make([]string, 0, len(s.TargetFailures))
	for id := range s.TargetFailures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rows = append(rows, []string{fmt.Sprintf("Failures on %s", id), strconv.Itoa(s.TargetFailures[id])})
	}
	if s.Aborted != "" {
		rows = append(rows, []string{"Aborted", s.Aborted})
	}

	if err := table.Bulk(rows); err != nil {
		return fmt.Errorf("failed to build summary table: %w", err)
	}
	return table.Render()
}
