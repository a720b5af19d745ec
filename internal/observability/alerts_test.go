package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

type alertSpec struct {
	Groups []alertGroup `yaml:"groups"`
}

func TestAlertRules(t *testing.T) {
	path := filepath.Join("..", "..", "deploy", "prometheus", "alerts", "acadledger.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read alert file: %v", err)
	}

	var spec alertSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		t.Fatalf("failed to unmarshal alert file: %v", err)
	}

	var group *alertGroup
	for i := range spec.Groups {
		if spec.Groups[i].Name == "acadledger" {
			group = &spec.Groups[i]
			break
		}
	}
	if group == nil {
		t.Fatal("acadledger alert group missing")
	}

	expected := map[string]struct {
		severity string
		metric   string
	}{
		"HighErrorRate":     {severity: "critical", metric: "acadledger_http_requests_total"},
		"HighLatency":       {severity: "warning", metric: "acadledger_http_request_duration_seconds_bucket"},
		"PendingOperations": {severity: "warning", metric: "acadledger_operations_total"},
		"BundleFailures":    {severity: "critical", metric: "acadledger_bundler_inclusions_total"},
	}

	if len(group.Rules) != len(expected) {
		t.Fatalf("expected %d rules, got %d", len(expected), len(group.Rules))
	}

	runbook, err := os.ReadFile(filepath.Join("..", "..", "docs", "runbook-ops.md"))
	if err != nil {
		t.Fatalf("failed to read runbook: %v", err)
	}

	for _, rule := range group.Rules {
		want, ok := expected[rule.Alert]
		if !ok {
			t.Fatalf("unexpected rule %q", rule.Alert)
		}
		if rule.Labels["severity"] != want.severity {
			t.Fatalf("rule %s severity mismatch: %s", rule.Alert, rule.Labels["severity"])
		}
		if !strings.Contains(rule.Expr, want.metric) {
			t.Fatalf("rule %s must query %s", rule.Alert, want.metric)
		}
		if rule.Annotations["summary"] == "" || rule.Annotations["description"] == "" {
			t.Fatalf("rule %s must include summary and description annotations", rule.Alert)
		}
		if rule.For == "" {
			t.Fatalf("rule %s must define a hold duration", rule.Alert)
		}
		ref := rule.Annotations["runbook"]
		anchor := ref[strings.Index(ref, "#")+1:]
		heading := "## " + strings.ReplaceAll(anchor, "-", " ")
		if !strings.Contains(strings.ToLower(string(runbook)), heading) {
			t.Fatalf("rule %s runbook anchor %q has no matching section", rule.Alert, anchor)
		}
	}
}
