// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/store"
)

func sampleResult(roundID string) core.RoundResult {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return core.RoundResult{
		RoundID:   roundID,
		Task:      core.Task{ID: "task-" + roundID, Kind: "transport"},
		Initiator: "initiator",
		Entries: map[string]core.ResponderResult{
			"w1": {Responder: "w1", Status: core.StatusAcceptedCompleted, Detail: "delivered",
				Proposal: &core.Proposal{Responder: "w1", Bid: map[string]any{"cost": 4}}},
			"w2": {Responder: "w2", Status: core.StatusRefused},
			"w3": {Responder: "w3", Status: core.StatusAcceptedFailed, Detail: "truck broke down",
				Proposal: &core.Proposal{Responder: "w3", Bid: map[string]any{"cost": 7}}},
		},
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
	}
}

func TestRendererTable(t *testing.T) {
	var out bytes.Buffer
	r := &renderer{out: &out, format: "table"}
	if err := r.round(sampleResult("r1")); err != nil {
		t.Fatalf("round: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"Round r1",
		"accepted_completed=1 accepted_failed=1 refused=1",
		"RESPONDER",
		"cost=4",
		"truck broke down",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("table missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "\x1b[") {
		t.Errorf("table should not be coloured when colour is off")
	}
}

func TestRendererColoursStatuses(t *testing.T) {
	r := &renderer{format: "table", color: true}
	got := r.status(core.StatusAcceptedCompleted)
	if !strings.Contains(got, "\x1b[32m") || !strings.Contains(got, "accepted_completed") {
		t.Errorf("expected green status, got %q", got)
	}
}

func TestRendererYAMLAndJSON(t *testing.T) {
	var out bytes.Buffer
	r := &renderer{out: &out, format: "yaml"}
	if err := r.round(sampleResult("r1")); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var view roundView
	if err := yaml.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode yaml: %v\n%s", err, out.String())
	}
	if view.RoundID != "r1" || view.Completed != 1 || len(view.Responders) != 3 || view.Duration != "1.5s" {
		t.Errorf("unexpected yaml view %+v", view)
	}
	if view.Responders[0].Responder != "w1" || view.Responders[2].Detail != "truck broke down" {
		t.Errorf("responders out of order: %+v", view.Responders)
	}

	out.Reset()
	r.format = "json"
	if err := r.rounds([]core.RoundResult{sampleResult("r1"), sampleResult("r2")}); err != nil {
		t.Fatalf("json: %v", err)
	}
	var views []roundView
	if err := json.Unmarshal(out.Bytes(), &views); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(views) != 2 || views[1].TaskID != "task-r2" {
		t.Errorf("unexpected json views %+v", views)
	}
}

func TestNewRendererFormat(t *testing.T) {
	var out bytes.Buffer
	if got := newRenderer(&out, globalFlags{}).format; got != "yaml" {
		t.Errorf("non-terminal default = %q", got)
	}
	if got := newRenderer(&out, globalFlags{JSON: true, Output: "table"}).format; got != "json" {
		t.Errorf("--json should win, got %q", got)
	}
	if got := newRenderer(&out, globalFlags{Output: "table"}).format; got != "table" {
		t.Errorf("explicit table = %q", got)
	}
}

func TestResultsCommand(t *testing.T) {
	ctx := context.Background()
	results := store.NewMemoryStore()
	for _, id := range []string{"r1", "r2"} {
		if err := results.Record(ctx, sampleResult(id)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	var out bytes.Buffer
	r := &renderer{out: &out, format: "json"}
	if err := resultsCommand(ctx, r, results, []string{"--task", "task-r2"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	var views []roundView
	if err := json.Unmarshal(out.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].RoundID != "r2" {
		t.Errorf("filtered list = %+v", views)
	}

	out.Reset()
	if err := resultsCommand(ctx, r, results, []string{"get", "r1"}); err != nil {
		t.Fatalf("get: %v", err)
	}
	var view roundView
	if err := json.Unmarshal(out.Bytes(), &view); err != nil || view.RoundID != "r1" {
		t.Errorf("get = %+v, %v", view, err)
	}

	if err := resultsCommand(ctx, r, results, []string{"get"}); err == nil {
		t.Errorf("get without id should fail")
	}
	if err := resultsCommand(ctx, r, results, []string{"get", "missing"}); err == nil {
		t.Errorf("get of unknown round should fail")
	}
}
