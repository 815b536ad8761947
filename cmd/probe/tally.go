package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/olekukonko/tablewriter"
)

type typeStats struct {
	count int
	last  time.Time
}

// tally counts received envelopes per type.
type tally struct {
	byType map[event.Type]*typeStats
	total  int
}

func newTally() *tally {
	return &tally{byType: make(map[event.Type]*typeStats)}
}

func (t *tally) add(raw event.Raw) {
	s, ok := t.byType[raw.Type]
	if !ok {
		s = &typeStats{}
		t.byType[raw.Type] = s
	}
	s.count++
	if raw.Timestamp.After(s.last) {
		s.last = raw.Timestamp
	}
	t.total++
}

// rows returns one row per type, busiest first.
func (t *tally) rows() [][]string {
	types := make([]event.Type, 0, len(t.byType))
	for typ := range t.byType {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool {
		a, b := t.byType[types[i]], t.byType[types[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		return types[i] < types[j]
	})

	out := make([][]string, 0, len(types))
	for _, typ := range types {
		s := t.byType[typ]
		out = append(out, []string{string(typ), strconv.Itoa(s.count), s.last.UTC().Format(time.RFC3339)})
	}
	return out
}

func (t *tally) render(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.Header("Type", "Count", "Last")
	for _, row := range t.rows() {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := table.Append([]string{"total", strconv.Itoa(t.total), ""}); err != nil {
		return fmt.Errorf("append row: %w", err)
	}
	return table.Render()
}
