package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Prometheus-style text counters, in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	completionsTotal      = make(map[completionKey]int64)
	completionLatencySum  = make(map[string]int64)
	completionLatencyCnt  = make(map[string]int64)
	extractionsTotal      = make(map[extractionKey]int64)
	droppedFieldsTotal    = make(map[string]int64)
	rateLimitedTotal      int64
	auditWriteFailedTotal int64
	auditEventsExpired    int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type completionKey struct {
	Model   string
	Outcome string
}

type extractionKey struct {
	Operation string
	Outcome   string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordCompletion counts one call to the completion service. outcome is
// "success", "cancelled" or "failed".
func RecordCompletion(model, outcome string, latencyMs int64) {
	mu.Lock()
	completionsTotal[completionKey{Model: model, Outcome: outcome}]++
	completionLatencySum[model] += latencyMs
	completionLatencyCnt[model]++
	mu.Unlock()

	otelCompletion(model, outcome, latencyMs)
}

// RecordExtraction counts one extraction operation by its final outcome.
func RecordExtraction(operation, outcome string) {
	mu.Lock()
	extractionsTotal[extractionKey{Operation: operation, Outcome: outcome}]++
	mu.Unlock()

	otelExtraction(operation, outcome)
}

// RecordDroppedFields adds the number of model-supplied values removed by
// schema validation.
func RecordDroppedFields(operation string, n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	droppedFieldsTotal[operation] += int64(n)
	mu.Unlock()

	otelDroppedFields(operation, n)
}

func RecordRateLimited() {
	mu.Lock()
	defer mu.Unlock()
	rateLimitedTotal++
}

func RecordAuditWriteFailed() {
	mu.Lock()
	defer mu.Unlock()
	auditWriteFailedTotal++
}

// RecordAuditRetention adds n to the number of audit events removed by
// retention cleanup.
func RecordAuditRetention(n int64) {
	mu.Lock()
	defer mu.Unlock()
	auditEventsExpired += n
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP clinicalai_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE clinicalai_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		fmt.Fprintf(&b, "clinicalai_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP clinicalai_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE clinicalai_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP clinicalai_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE clinicalai_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "clinicalai_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "clinicalai_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP clinicalai_llm_completions_total Completion service calls by model and outcome\n")
	b.WriteString("# TYPE clinicalai_llm_completions_total counter\n")

	var compKeys []completionKey
	for k := range completionsTotal {
		compKeys = append(compKeys, k)
	}
	sort.Slice(compKeys, func(i, j int) bool {
		if compKeys[i].Model != compKeys[j].Model {
			return compKeys[i].Model < compKeys[j].Model
		}
		return compKeys[i].Outcome < compKeys[j].Outcome
	})
	for _, k := range compKeys {
		fmt.Fprintf(&b, "clinicalai_llm_completions_total{model=\"%s\",outcome=\"%s\"} %d\n",
			k.Model, k.Outcome, completionsTotal[k])
	}

	b.WriteString("# HELP clinicalai_llm_completion_duration_ms_sum Total completion latency in milliseconds\n")
	b.WriteString("# TYPE clinicalai_llm_completion_duration_ms_sum counter\n")
	b.WriteString("# HELP clinicalai_llm_completion_duration_ms_count Completion count for latency metric\n")
	b.WriteString("# TYPE clinicalai_llm_completion_duration_ms_count counter\n")

	models := sortedKeys(completionLatencySum)
	for _, m := range models {
		fmt.Fprintf(&b, "clinicalai_llm_completion_duration_ms_sum{model=\"%s\"} %d\n", m, completionLatencySum[m])
		fmt.Fprintf(&b, "clinicalai_llm_completion_duration_ms_count{model=\"%s\"} %d\n", m, completionLatencyCnt[m])
	}

	b.WriteString("# HELP clinicalai_extractions_total Extraction operations by final outcome\n")
	b.WriteString("# TYPE clinicalai_extractions_total counter\n")

	var extKeys []extractionKey
	for k := range extractionsTotal {
		extKeys = append(extKeys, k)
	}
	sort.Slice(extKeys, func(i, j int) bool {
		if extKeys[i].Operation != extKeys[j].Operation {
			return extKeys[i].Operation < extKeys[j].Operation
		}
		return extKeys[i].Outcome < extKeys[j].Outcome
	})
	for _, k := range extKeys {
		fmt.Fprintf(&b, "clinicalai_extractions_total{operation=\"%s\",outcome=\"%s\"} %d\n",
			k.Operation, k.Outcome, extractionsTotal[k])
	}

	b.WriteString("# HELP clinicalai_dropped_fields_total Model values removed by schema validation\n")
	b.WriteString("# TYPE clinicalai_dropped_fields_total counter\n")
	for _, op := range sortedKeys(droppedFieldsTotal) {
		fmt.Fprintf(&b, "clinicalai_dropped_fields_total{operation=\"%s\"} %d\n", op, droppedFieldsTotal[op])
	}

	b.WriteString("# HELP clinicalai_rate_limited_total Requests rejected by the rate limiter\n")
	b.WriteString("# TYPE clinicalai_rate_limited_total counter\n")
	fmt.Fprintf(&b, "clinicalai_rate_limited_total %d\n", rateLimitedTotal)

	b.WriteString("# HELP clinicalai_audit_write_failed_total Audit events that could not be stored\n")
	b.WriteString("# TYPE clinicalai_audit_write_failed_total counter\n")
	fmt.Fprintf(&b, "clinicalai_audit_write_failed_total %d\n", auditWriteFailedTotal)

	b.WriteString("# HELP clinicalai_audit_events_expired_total Audit events deleted by retention cleanup\n")
	b.WriteString("# TYPE clinicalai_audit_events_expired_total counter\n")
	fmt.Fprintf(&b, "clinicalai_audit_events_expired_total %d\n", auditEventsExpired)

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
