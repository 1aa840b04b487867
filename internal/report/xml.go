package report

import (
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/severity"
)

type reportXML struct {
	XMLName       xml.Name        `xml:"report"`
	ID            string          `xml:"id,attr"`
	ReportFormat  reportFormatXML `xml:"report_format"`
	Sort          sortXML         `xml:"sort"`
	Filters       string         `xml:"filters"`
	ScanRunStatus string         `xml:"scan_run_status"`
	Task          taskXML        `xml:"task"`
	ScanStart     int64          `xml:"scan_start"`
	Ports         portsXML       `xml:"ports"`
	ResultCount   resultCountXML `xml:"result_count"`
	Results       resultsXML     `xml:"results"`
	HostStart     []hostTimeXML  `xml:"host_start"`
	HostEnd       []hostTimeXML  `xml:"host_end"`
	ScanEnd       int64          `xml:"scan_end"`
}

type reportFormatXML struct {
	Params []paramXML `xml:"param"`
}

type paramXML struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type sortXML struct {
	Field string `xml:"field"`
	Order string `xml:"order"`
}

type taskXML struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name"`
}

type portsXML struct {
	Start int `xml:"start,attr"`
	Max   int `xml:"max,attr"`
	Count int `xml:",chardata"`
}

type resultCountXML struct {
	Total         int `xml:",chardata"`
	Filtered      int `xml:"filtered"`
	Debug         int `xml:"debug"`
	Hole          int `xml:"hole"`
	Info          int `xml:"info"`
	Log           int `xml:"log"`
	Warning       int `xml:"warning"`
	FalsePositive int `xml:"false_positive"`
}

type resultsXML struct {
	Start  int         `xml:"start,attr"`
	Max    int         `xml:"max,attr"`
	Result []resultXML `xml:"result"`
}

type resultXML struct {
	Subnet      string    `xml:"subnet"`
	Host        string    `xml:"host"`
	Port        string    `xml:"port"`
	NVT         nvtRefXML `xml:"nvt"`
	Threat      string    `xml:"threat"`
	Description string    `xml:"description"`
}

type nvtRefXML struct {
	OID string `xml:"oid,attr"`
}

type hostTimeXML struct {
	Host string `xml:"host,attr"`
	Time int64  `xml:",chardata"`
}

// resolvedResult pairs a raw result with its effective severity.
type resolvedResult struct {
	result *domain.Result
	threat domain.Threat
}

// buildXML assembles the canonical report XML. minCVSS filtering
// consults the nvts cache via nvts; nvts may be nil when no
// min_cvss_base filter is set.
func buildXML(
	ctx context.Context,
	task *domain.Task,
	rep *domain.Report,
	formatParams []*domain.ReportFormatParam,
	allResults []*domain.Result,
	filters Filters,
	resolver *severity.Resolver,
	nvts *repository.NVTRepository,
	userRID int64,
	privileged bool,
) ([]byte, error) {
	resolved := make([]resolvedResult, 0, len(allResults))
	for _, r := range allResults {
		threat := r.Type.Threat()
		if filters.ApplyOverrides {
			t, err := resolver.EffectiveSeverity(ctx, r, task.RID, userRID, privileged)
			if err != nil {
				return nil, fmt.Errorf("resolve effective severity: %w", err)
			}
			threat = t
		}
		resolved = append(resolved, resolvedResult{result: r, threat: threat})
	}

	filtered := make([]resolvedResult, 0, len(resolved))
	for _, rr := range resolved {
		if !filters.allowsLevel(rr.threat) {
			continue
		}
		if !filters.matchesSearchPhrase(rr.result) {
			continue
		}
		if filters.ResultHostsOnly && rr.result.Host == "" {
			continue
		}
		if filters.MinCVSSBase > 0 && nvts != nil {
			nvt, ok, err := nvts.FindByOID(ctx, rr.result.NVTOID)
			if err != nil {
				return nil, fmt.Errorf("lookup nvt %s: %w", rr.result.NVTOID, err)
			}
			if !ok || nvt.CVSSBase < filters.MinCVSSBase {
				continue
			}
		}
		filtered = append(filtered, rr)
	}

	sortResolvedResults(filtered, filters)

	counts := resultCountXML{Total: len(allResults), Filtered: len(filtered)}
	for _, rr := range filtered {
		switch categoryTag(rr.threat) {
		case "hole":
			counts.Hole++
		case "warning":
			counts.Warning++
		case "info":
			counts.Info++
		case "log":
			counts.Log++
		case "debug":
			counts.Debug++
		case "false_positive":
			counts.FalsePositive++
		}
	}

	first := filters.FirstResult
	if first < 1 {
		first = 1
	}
	page := pageWindow(filtered, first, filters.MaxResults)

	results := make([]resultXML, 0, len(page))
	hosts := map[string]bool{}
	ports := map[string]bool{}
	for _, rr := range page {
		r := rr.result
		hosts[r.Host] = true
		ports[r.Host+":"+r.Port] = true
		results = append(results, resultXML{
			Subnet:      r.Subnet,
			Host:        r.Host,
			Port:        r.Port,
			NVT:         nvtRefXML{OID: r.NVTOID},
			Threat:      string(rr.threat),
			Description: r.Description,
		})
	}

	var hostStarts, hostEnds []hostTimeXML
	hostNames := make([]string, 0, len(hosts))
	for h := range hosts {
		hostNames = append(hostNames, h)
	}
	sort.Strings(hostNames)
	for _, h := range hostNames {
		hostStarts = append(hostStarts, hostTimeXML{Host: h, Time: rep.StartTime})
		hostEnds = append(hostEnds, hostTimeXML{Host: h, Time: rep.EndTime})
	}

	params := make([]paramXML, 0, len(formatParams))
	for _, p := range formatParams {
		params = append(params, paramXML{Name: p.Name, Value: p.Value})
	}

	doc := reportXML{
		ID:            rep.UUID,
		ReportFormat:  reportFormatXML{Params: params},
		Sort:          sortXML{Field: filters.SortField, Order: filters.SortOrder},
		Filters:       filterTerm(filters),
		ScanRunStatus: string(rep.ScanRunStatus),
		Task:          taskXML{ID: task.UUID, Name: task.Name},
		ScanStart:     rep.StartTime,
		Ports:         portsXML{Start: first, Max: filters.MaxResults, Count: len(ports)},
		ResultCount:   counts,
		Results:       resultsXML{Start: first, Max: filters.MaxResults, Result: results},
		HostStart:     hostStarts,
		HostEnd:       hostEnds,
		ScanEnd:       rep.EndTime,
	}

	out, err := xml.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report xml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// filterTerm renders filters in gvmd's flat "key=value ..." filter
// term syntax, the compact form the <filters> element carries.
func filterTerm(f Filters) string {
	var parts []string
	parts = append(parts, "apply_overrides="+boolFlag(f.ApplyOverrides))
	parts = append(parts, "levels="+f.Levels)
	if f.SearchPhrase != "" {
		parts = append(parts, f.SearchPhrase)
	}
	if f.MinCVSSBase > 0 {
		parts = append(parts, fmt.Sprintf("min_cvss_base=%g", f.MinCVSSBase))
	}
	parts = append(parts, fmt.Sprintf("first=%d", f.FirstResult))
	if f.MaxResults > 0 {
		parts = append(parts, fmt.Sprintf("rows=%d", f.MaxResults))
	}
	if f.SortField != "" {
		order := "sort"
		if f.SortOrder == "descending" {
			order = "sort-reverse"
		}
		parts = append(parts, order+"="+f.SortField)
	}
	return strings.Join(parts, " ")
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func sortResolvedResults(rs []resolvedResult, f Filters) {
	less := func(i, j int) bool {
		a, b := rs[i].result, rs[j].result
		switch f.SortField {
		case "host":
			return a.Host < b.Host
		case "port":
			return a.Port < b.Port
		case "nvt":
			return a.NVTOID < b.NVTOID
		case "type":
			return rs[i].threat < rs[j].threat
		default:
			return a.RID < b.RID
		}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if f.SortOrder == "descending" {
			return less(j, i)
		}
		return less(i, j)
	})
}

func pageWindow(rs []resolvedResult, first, max int) []resolvedResult {
	if first < 1 {
		first = 1
	}
	start := first - 1
	if start >= len(rs) {
		return nil
	}
	end := len(rs)
	if max > 0 && start+max < end {
		end = start + max
	}
	return rs[start:end]
}
