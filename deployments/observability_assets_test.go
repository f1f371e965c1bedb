package deployments

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

var sloRecords = []string{
	"ada:slo_task_duration_seconds_p95",
	"ada:slo_task_failure_ratio_15m",
	"ada:slo_queue_length_max",
	"ada:slo_cache_hit_ratio_1h",
	"ada:slo_sql_corrections_15m",
	"ada:slo_llm_error_rate_5m",
	"ada:slo_node_failures_15m",
	"ada:slo_http_error_rate_5m",
}

type ruleFile struct {
	Groups []struct {
		Name  string `yaml:"name"`
		Rules []struct {
			Record string            `yaml:"record"`
			Alert  string            `yaml:"alert"`
			Expr   string            `yaml:"expr"`
			Labels map[string]string `yaml:"labels"`
		} `yaml:"rules"`
	} `yaml:"groups"`
}

func readAsset(t *testing.T, parts ...string) []byte {
	t.Helper()
	path := filepath.Join(append([]string{repoRoot(t), "deployments", "observability"}, parts...)...)
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

func readRules(t *testing.T, name string) ruleFile {
	t.Helper()
	var rules ruleFile
	if err := yaml.Unmarshal(readAsset(t, "prometheus", name), &rules); err != nil {
		t.Fatalf("parse %s: %v", name, err)
	}
	if len(rules.Groups) == 0 {
		t.Fatalf("%s has no rule groups", name)
	}
	return rules
}

func TestGrafanaDashboardUsesRecordedSeries(t *testing.T) {
	var decoded struct {
		Title  string `json:"title"`
		Panels []struct {
			Targets []struct {
				Expr string `json:"expr"`
			} `json:"targets"`
		} `json:"panels"`
	}
	if err := json.Unmarshal(readAsset(t, "grafana", "ada_slo_dashboard.json"), &decoded); err != nil {
		t.Fatalf("dashboard JSON parse error: %v", err)
	}
	if strings.TrimSpace(decoded.Title) == "" {
		t.Fatal("dashboard title is required")
	}
	if len(decoded.Panels) == 0 {
		t.Fatal("dashboard must include at least one panel")
	}
	for _, panel := range decoded.Panels {
		for _, target := range panel.Targets {
			if !strings.HasPrefix(target.Expr, "ada:") {
				t.Fatalf("panel expression %q does not use a recorded series", target.Expr)
			}
		}
	}
}

func TestPrometheusRecordingRulesContainExpectedRecords(t *testing.T) {
	recorded := map[string]bool{}
	for _, group := range readRules(t, "ada_recording_rules.yaml").Groups {
		for _, rule := range group.Rules {
			if rule.Expr == "" {
				t.Fatalf("record %q has no expression", rule.Record)
			}
			recorded[rule.Record] = true
		}
	}
	for _, record := range sloRecords {
		if !recorded[record] {
			t.Fatalf("recording rules missing record %q", record)
		}
	}
}

func TestPrometheusAlertsCarrySeverityAndService(t *testing.T) {
	required := map[string]bool{
		"AdaTaskLatencyP95High":   false,
		"AdaTaskFailureRatioHigh": false,
		"AdaQueueBacklogHigh":     false,
		"AdaLLMErrorRateHigh":     false,
		"AdaCacheHitRatioLow":     false,
		"AdaHTTPErrorRateHigh":    false,
	}
	for _, group := range readRules(t, "ada_rules.yaml").Groups {
		for _, rule := range group.Rules {
			if rule.Labels["severity"] == "" || rule.Labels["service"] == "" {
				t.Fatalf("alert %q must set severity and service labels", rule.Alert)
			}
			if !strings.Contains(rule.Expr, "ada:slo_") {
				t.Fatalf("alert %q does not use a recorded series", rule.Alert)
			}
			required[rule.Alert] = true
		}
	}
	for alert, seen := range required {
		if !seen {
			t.Fatalf("rules missing alert %q", alert)
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	text := string(readAsset(t, "prometheus", "prometheus-scrape.example.yaml"))
	for _, token := range []string{
		"metrics_path: /v1/metrics",
		"ada_rules.yaml",
		"ada_recording_rules.yaml",
		"job_name: ada-api",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

func TestAlertmanagerExampleContainsSeverityRouting(t *testing.T) {
	text := string(readAsset(t, "alertmanager", "alertmanager.example.yaml"))
	for _, token := range []string{
		"receiver: ada-default",
		"severity=\"critical\"",
		"severity=\"warning\"",
		"name: ada-critical",
		"name: ada-warning",
		"inhibit_rules:",
		"group_by: [alertname, service, severity]",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("alertmanager example missing token %q", token)
		}
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
