// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/jllopis/contractnet/pkg/core"
)

// renderer writes command output as a coloured table, YAML or JSON.
type renderer struct {
	out    io.Writer
	format string
	color  bool
}

// newRenderer picks the format from the global flags. Without an explicit
// choice a terminal gets a table and anything else gets YAML.
func newRenderer(out io.Writer, global globalFlags) *renderer {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	format := global.Output
	switch {
	case global.JSON:
		format = "json"
	case format == "" && tty:
		format = "table"
	case format == "":
		format = "yaml"
	}
	return &renderer{out: out, format: format, color: tty && !color.NoColor}
}

type responderView struct {
	Responder string         `json:"responder" yaml:"responder"`
	Status    core.Status    `json:"status" yaml:"status"`
	Bid       map[string]any `json:"bid,omitempty" yaml:"bid,omitempty"`
	Detail    string         `json:"detail,omitempty" yaml:"detail,omitempty"`
}

type roundView struct {
	RoundID    string          `json:"round_id" yaml:"round_id"`
	TaskID     string          `json:"task_id" yaml:"task_id"`
	TaskKind   string          `json:"task_kind,omitempty" yaml:"task_kind,omitempty"`
	Initiator  string          `json:"initiator,omitempty" yaml:"initiator,omitempty"`
	Cancelled  bool            `json:"cancelled" yaml:"cancelled"`
	StartedAt  string          `json:"started_at" yaml:"started_at"`
	Duration   string          `json:"duration" yaml:"duration"`
	Completed  int             `json:"completed" yaml:"completed"`
	Responders []responderView `json:"responders" yaml:"responders"`
}

func viewOf(result core.RoundResult) roundView {
	v := roundView{
		RoundID:   result.RoundID,
		TaskID:    result.Task.ID,
		TaskKind:  result.Task.Kind,
		Initiator: result.Initiator,
		Cancelled: result.Cancelled,
		StartedAt: formatTime(result.StartedAt),
		Duration:  result.Duration().Round(time.Millisecond).String(),
		Completed: result.Count(core.StatusAcceptedCompleted),
	}
	for _, id := range result.Responders() {
		entry := result.Entries[id]
		rv := responderView{Responder: id, Status: entry.Status, Detail: entry.Detail}
		if entry.Proposal != nil {
			rv.Bid = entry.Proposal.Bid
		}
		v.Responders = append(v.Responders, rv)
	}
	return v
}

// round prints one result with a row per responder.
func (r *renderer) round(result core.RoundResult) error {
	view := viewOf(result)
	switch r.format {
	case "json":
		return r.json(view)
	case "yaml":
		return r.yaml(view)
	}
	fmt.Fprintf(r.out, "Round %s  task %s  %s  %s\n", view.RoundID, view.TaskID, view.Duration, r.summary(result))
	w := newTabWriter(r)
	writeRow(w, "RESPONDER", "STATUS", "BID", "DETAIL")
	for _, rv := range view.Responders {
		writeRow(w, rv.Responder, r.status(rv.Status), formatBid(rv.Bid), rv.Detail)
	}
	return w.Flush()
}

// rounds prints one row per result.
func (r *renderer) rounds(results []core.RoundResult) error {
	views := make([]roundView, len(results))
	for i, result := range results {
		views[i] = viewOf(result)
	}
	switch r.format {
	case "json":
		return r.json(views)
	case "yaml":
		return r.yaml(views)
	}
	w := newTabWriter(r)
	writeRow(w, "ROUND", "TASK", "KIND", "STARTED", "DURATION", "OUTCOME")
	for i, v := range views {
		writeRow(w, v.RoundID, v.TaskID, v.TaskKind, v.StartedAt, v.Duration, r.summary(results[i]))
	}
	return w.Flush()
}

// summary counts responders per status, e.g. "accepted_completed=2 refused=1".
func (r *renderer) summary(result core.RoundResult) string {
	counts := map[core.Status]int{}
	for _, entry := range result.Entries {
		counts[entry.Status]++
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses)+1)
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", r.status(core.Status(s)), counts[core.Status(s)]))
	}
	if result.Cancelled {
		parts = append(parts, r.paint(color.FgMagenta, "cancelled"))
	}
	return strings.Join(parts, " ")
}

func (r *renderer) status(s core.Status) string {
	switch s {
	case core.StatusAcceptedCompleted:
		return r.paint(color.FgGreen, string(s))
	case core.StatusAcceptedFailed, core.StatusFailedToRespond:
		return r.paint(color.FgRed, string(s))
	case core.StatusRefused, core.StatusRejected:
		return r.paint(color.FgYellow, string(s))
	default:
		return r.paint(color.FgHiBlack, string(s))
	}
}

func (r *renderer) paint(attr color.Attribute, s string) string {
	if !r.color {
		return s
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}

func (r *renderer) json(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *renderer) yaml(v any) error {
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newTabWriter(r *renderer) *tabwriter.Writer {
	return tabwriter.NewWriter(r.out, 0, 8, 2, ' ', 0)
}

func writeRow(w *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(w, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func formatBid(bid map[string]any) string {
	if len(bid) == 0 {
		return ""
	}
	keys := make([]string, 0, len(bid))
	for k := range bid {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, bid[k])
	}
	return strings.Join(parts, ",")
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}
