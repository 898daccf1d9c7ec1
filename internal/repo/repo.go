package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Repo queries the event index. All writes go through audit.Log; this
// side is read-only.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type Event struct {
	ID        string         `json:"id"`
	TS        string         `json:"ts"`
	Component string         `json:"component"`
	Action    string         `json:"action"`
	TaskID    string         `json:"task_id,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Error     string         `json:"error,omitempty"`
	Evidence  string         `json:"evidence,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type EventFilters struct {
	Component string
	Action    string
	TaskID    string
	Platform  string
	Outcome   string
}

// LatestEvents returns up to n most recent events matching the filters,
// newest first.
func (r Repo) LatestEvents(ctx context.Context, n int, f EventFilters) ([]Event, error) {
	if n <= 0 {
		n = 20
	}
	var where []string
	var args []any
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+"=?")
			args = append(args, val)
		}
	}
	add("component", f.Component)
	add("action", f.Action)
	add("task_id", f.TaskID)
	add("platform", f.Platform)
	add("outcome", f.Outcome)

	q := `SELECT id,ts,component,action,COALESCE(task_id,''),COALESCE(platform,''),attempt,COALESCE(outcome,''),COALESCE(error,''),COALESCE(evidence,''),details_json FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, n)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var details string
		if err := rows.Scan(&e.ID, &e.TS, &e.Component, &e.Action, &e.TaskID, &e.Platform, &e.Attempt, &e.Outcome, &e.Error, &e.Evidence, &details); err != nil {
			return nil, err
		}
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("event %s details: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountByOutcome aggregates event outcomes for one component.
func (r Repo) CountByOutcome(ctx context.Context, component string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT COALESCE(outcome,''), COUNT(*) FROM events WHERE component=? GROUP BY outcome`, component)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var outcome string
		var c int
		if err := rows.Scan(&outcome, &c); err != nil {
			return nil, err
		}
		counts[outcome] = c
	}
	return counts, rows.Err()
}
