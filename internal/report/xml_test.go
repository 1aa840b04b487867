package report

import (
	"context"
	"encoding/xml"
	"testing"

	"github.com/vulncore/scanmgr/internal/domain"
)

func exampleTask() *domain.Task {
	return &domain.Task{RID: 1, UUID: "343435d6-91b0-11de-9478-001d606f5da5", Name: "Example task"}
}

func exampleReport() *domain.Report {
	return &domain.Report{RID: 1, UUID: "report-uuid-1", StartTime: 1700000000, EndTime: 1700000100, ScanRunStatus: domain.RunStatusDone}
}

func exampleResults() []*domain.Result {
	return []*domain.Result{
		{RID: 1, Host: "10.0.0.1", Port: "80/tcp", NVTOID: "OID-A", Type: domain.TypeSecurityHole, Description: "critical finding"},
		{RID: 2, Host: "10.0.0.2", Port: "22/tcp", NVTOID: "OID-B", Type: domain.TypeSecurityWarning, Description: "medium finding"},
		{RID: 3, Host: "10.0.0.1", Port: "443/tcp", NVTOID: "OID-C", Type: domain.TypeLogMessage, Description: "informational"},
	}
}

func TestBuildXMLNoOverridesIncludesAllLevels(t *testing.T) {
	f := DefaultFilters()
	f.ApplyOverrides = false

	out, err := buildXML(context.Background(), exampleTask(), exampleReport(), nil, exampleResults(), f, nil, nil, 1, true)
	if err != nil {
		t.Fatalf("buildXML: %v", err)
	}

	var doc reportXML
	if err := xml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.ResultCount.Total != 3 {
		t.Errorf("Total = %d, want 3", doc.ResultCount.Total)
	}
	if doc.ResultCount.Filtered != 3 {
		t.Errorf("Filtered = %d, want 3", doc.ResultCount.Filtered)
	}
	if doc.ResultCount.Hole != 1 || doc.ResultCount.Warning != 1 || doc.ResultCount.Log != 1 {
		t.Errorf("category counts = %+v", doc.ResultCount)
	}
	if len(doc.Results.Result) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(doc.Results.Result))
	}
	if doc.Task.ID != exampleTask().UUID || doc.Task.Name != "Example task" {
		t.Errorf("task element = %+v", doc.Task)
	}
}

func TestBuildXMLLevelFilterExcludesLog(t *testing.T) {
	f := DefaultFilters()
	f.ApplyOverrides = false
	f.Levels = "hm"

	out, err := buildXML(context.Background(), exampleTask(), exampleReport(), nil, exampleResults(), f, nil, nil, 1, true)
	if err != nil {
		t.Fatalf("buildXML: %v", err)
	}
	var doc reportXML
	if err := xml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.ResultCount.Filtered != 2 {
		t.Errorf("Filtered = %d, want 2", doc.ResultCount.Filtered)
	}
	for _, r := range doc.Results.Result {
		if r.Threat == string(domain.ThreatLog) {
			t.Errorf("log-level result leaked through levels=%q filter", f.Levels)
		}
	}
}

func TestBuildXMLSearchPhraseFilter(t *testing.T) {
	f := DefaultFilters()
	f.ApplyOverrides = false
	f.SearchPhrase = "critical"

	out, err := buildXML(context.Background(), exampleTask(), exampleReport(), nil, exampleResults(), f, nil, nil, 1, true)
	if err != nil {
		t.Fatalf("buildXML: %v", err)
	}
	var doc reportXML
	if err := xml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(doc.Results.Result) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(doc.Results.Result))
	}
	if doc.Results.Result[0].Description != "critical finding" {
		t.Errorf("result = %+v", doc.Results.Result[0])
	}
}

func TestBuildXMLPaging(t *testing.T) {
	f := DefaultFilters()
	f.ApplyOverrides = false
	f.SortField = "host"
	f.FirstResult = 2
	f.MaxResults = 1

	out, err := buildXML(context.Background(), exampleTask(), exampleReport(), nil, exampleResults(), f, nil, nil, 1, true)
	if err != nil {
		t.Fatalf("buildXML: %v", err)
	}
	var doc reportXML
	if err := xml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(doc.Results.Result) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(doc.Results.Result))
	}
	if doc.ResultCount.Filtered != 3 {
		t.Errorf("Filtered should reflect the pre-paging count, got %d", doc.ResultCount.Filtered)
	}
}

func TestBuildXMLHostTimesSynthesizedFromReportWindow(t *testing.T) {
	f := DefaultFilters()
	f.ApplyOverrides = false
	rep := exampleReport()

	out, err := buildXML(context.Background(), exampleTask(), rep, nil, exampleResults(), f, nil, nil, 1, true)
	if err != nil {
		t.Fatalf("buildXML: %v", err)
	}
	var doc reportXML
	if err := xml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(doc.HostStart) != 2 || len(doc.HostEnd) != 2 {
		t.Fatalf("host_start/host_end = %d/%d, want 2/2 (two distinct hosts)", len(doc.HostStart), len(doc.HostEnd))
	}
	for _, hs := range doc.HostStart {
		if hs.Time != rep.StartTime {
			t.Errorf("host_start time = %d, want %d", hs.Time, rep.StartTime)
		}
	}
}

func TestFilterTermRendersApplyOverridesAndLevels(t *testing.T) {
	f := DefaultFilters()
	term := filterTerm(f)
	if !contains(term, "apply_overrides=1") || !contains(term, "levels=hmlgdf") {
		t.Errorf("filterTerm = %q", term)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
