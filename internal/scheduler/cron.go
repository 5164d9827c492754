// Foundry is a self-hosted continuous-integration and deployment system.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// sevenFieldParser parses Foundry's 7-field cron grammar (spec §4.C):
// "second minute hour day-of-month month day-of-week year". robfig/cron
// natively understands the first six fields (with OR day-of-month/
// day-of-week semantics already matching the spec); the year field has no
// native support in any cron library in the retrieval pack, so it is
// peeled off and applied as a post-filter over robfig/cron's candidate
// next-fire times.
type sevenFieldParser struct {
	inner    cron.Schedule
	yearSpec string
}

// maxYearLookahead bounds the search for a year-matching fire time so a
// schedule like "* * * * * * 2019" (a year that will never recur) fails
// fast instead of looping forever.
const maxYearLookahead = 50

func parseSevenField(expr string) (*sevenFieldParser, error) {
	fields := strings.Fields(expr)
	if len(fields) != 7 {
		return nil, fmt.Errorf("cron: expected 7 fields (sec min hour dom month dow year), got %d", len(fields))
	}
	sixField := strings.Join(fields[:6], " ")
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	inner, err := parser.Parse(sixField)
	if err != nil {
		return nil, fmt.Errorf("cron: parse first six fields: %w", err)
	}
	return &sevenFieldParser{inner: inner, yearSpec: fields[6]}, nil
}

// Next returns the first instant after t matching both the six-field
// schedule and the year field.
func (p *sevenFieldParser) Next(t time.Time) (time.Time, error) {
	limitYear := t.Year() + maxYearLookahead
	candidate := t
	for {
		candidate = p.inner.Next(candidate)
		if candidate.IsZero() {
			return time.Time{}, fmt.Errorf("cron: no next fire time found")
		}
		if candidate.Year() > limitYear {
			break
		}
		if yearMatches(p.yearSpec, candidate.Year()) {
			return candidate, nil
		}
		// Skip the rest of a non-matching year.
		candidate = time.Date(candidate.Year()+1, 1, 1, 0, 0, 0, 0, candidate.Location()).Add(-time.Nanosecond)
	}
	return time.Time{}, fmt.Errorf("cron: no fire time matching year %q within %d years", p.yearSpec, maxYearLookahead)
}

// yearMatches implements the year field's grammar: "*", comma lists,
// "a-b" ranges, and "*/n" steps, same as the other six fields.
func yearMatches(spec string, year int) bool {
	if spec == "*" {
		return true
	}
	for _, part := range strings.Split(spec, ",") {
		if yearPartMatches(part, year) {
			return true
		}
	}
	return false
}

func yearPartMatches(part string, year int) bool {
	step := 1
	base := part
	if idx := strings.Index(part, "/"); idx >= 0 {
		base = part[:idx]
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return false
		}
		step = n
	}

	var lo, hi int
	if base == "*" {
		lo, hi = 0, year // unbounded range; sevenFieldParser.Next's lookahead bound keeps the search finite
	} else if strings.Contains(base, "-") {
		bounds := strings.SplitN(base, "-", 2)
		a, errA := strconv.Atoi(bounds[0])
		b, errB := strconv.Atoi(bounds[1])
		if errA != nil || errB != nil {
			return false
		}
		lo, hi = a, b
	} else {
		n, err := strconv.Atoi(base)
		if err != nil {
			return false
		}
		lo, hi = n, n
	}

	if year < lo || year > hi {
		return false
	}
	return (year-lo)%step == 0
}

// NextFireTime computes the first instant after now matching the 7-field
// cron expression, interpreted in the given IANA timezone.
func NextFireTime(expr, timezone string, now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: load timezone %q: %w", timezone, err)
	}
	parser, err := parseSevenField(expr)
	if err != nil {
		return time.Time{}, err
	}
	localNow := now.In(loc)
	next, err := parser.Next(localNow)
	if err != nil {
		return time.Time{}, err
	}
	return next.UTC(), nil
}
