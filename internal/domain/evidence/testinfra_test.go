package evidence_test

import (
	"testing"
	"testing/fstest"

	"github.com/Strob0t/AgentPR/internal/domain/evidence"
)

func TestScanTestInfraFS(t *testing.T) {
	m := evidence.MustDefault()
	fsys := fstest.MapFS{
		"tests/unit/test_app.py":      {Data: []byte("def test_x(): pass")},
		"pyproject.toml":              {Data: []byte("[tool.pytest.ini_options]\n")},
		"package.json":                {Data: []byte(`{"name":"x"}`)},
		".github/workflows/ci.yml":    {Data: []byte("run: make test")},
		".github/workflows/lint.yaml": {Data: []byte("run: ruff check")},
	}
	got, err := m.ScanTestInfraFS(fsys)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !got.HasTestDirectory || !got.HasTestFiles || !got.HasTestDependencies || !got.HasTestCIWorkflow {
		t.Errorf("expected every signal: %+v", got)
	}
	if len(got.ScannedManifests) != 2 || len(got.TestDependencyMatches) != 1 {
		t.Errorf("manifests = %v matches = %v", got.ScannedManifests, got.TestDependencyMatches)
	}
	if len(got.CIWorkflows) != 2 || len(got.CITestWorkflows) != 1 {
		t.Errorf("workflows = %v test workflows = %v", got.CIWorkflows, got.CITestWorkflows)
	}
}

func TestScanTestInfraFS_Empty(t *testing.T) {
	got, err := evidence.MustDefault().ScanTestInfraFS(fstest.MapFS{"main.go": {Data: []byte("package main")}})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got.Present() {
		t.Errorf("expected no test infra: %+v", got)
	}
}
