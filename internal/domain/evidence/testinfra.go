package evidence

import (
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/bmatcuk/doublestar/v4"
)

const maxScanBytes = 200_000

var (
	testDirs      = []string{"tests", "test", "spec", "__tests__"}
	testFileGlobs = []string{"test_*.py", "*_test.py", "*.spec.ts", "*.test.ts", "*.spec.js", "*.test.js"}
	manifestFiles = []string{
		"pyproject.toml", "requirements.txt", "requirements-dev.txt", "setup.cfg", "setup.py",
		"Pipfile", "package.json", "pnpm-lock.yaml", "bun.lockb",
	}
)

// TestInfra describes the test tooling detected in a workspace.
type TestInfra struct {
	HasTestDirectory      bool     `json:"has_test_directory"`
	HasTestFiles          bool     `json:"has_test_files"`
	HasTestDependencies   bool     `json:"has_test_dependencies"`
	HasTestCIWorkflow     bool     `json:"has_test_ci_workflow"`
	ScannedManifests      []string `json:"scanned_dependency_files,omitempty"`
	TestDependencyMatches []string `json:"test_dependency_matches,omitempty"`
	CIWorkflows           []string `json:"ci_workflows,omitempty"`
	CITestWorkflows       []string `json:"ci_test_workflows,omitempty"`
}

// Present reports whether any test signal was found.
func (t TestInfra) Present() bool {
	return t.HasTestDirectory || t.HasTestFiles || t.HasTestDependencies || t.HasTestCIWorkflow
}

// ScanTestInfra inspects the workspace rooted at dir.
func (m *Matcher) ScanTestInfra(dir string) (TestInfra, error) {
	return m.ScanTestInfraFS(os.DirFS(dir))
}

// ScanTestInfraFS inspects fsys. Missing files are not errors.
func (m *Matcher) ScanTestInfraFS(fsys fs.FS) (TestInfra, error) {
	var t TestInfra
	for _, d := range testDirs {
		if st, err := fs.Stat(fsys, d); err == nil && st.IsDir() {
			t.HasTestDirectory = true
			break
		}
	}
	for _, g := range testFileGlobs {
		matches, err := doublestar.Glob(fsys, g)
		if err != nil {
			return TestInfra{}, err
		}
		if len(matches) == 0 {
			matches, err = doublestar.Glob(fsys, path.Join("tests", "**", g))
			if err != nil {
				return TestInfra{}, err
			}
		}
		if len(matches) > 0 {
			t.HasTestFiles = true
			break
		}
	}
	for _, name := range manifestFiles {
		text := readCapped(fsys, name)
		if text == "" {
			continue
		}
		t.ScannedManifests = append(t.ScannedManifests, name)
		if anyMatch(m.infraDeps, text) {
			t.TestDependencyMatches = append(t.TestDependencyMatches, name)
		}
	}
	t.HasTestDependencies = len(t.TestDependencyMatches) > 0

	flows, err := doublestar.Glob(fsys, ".github/workflows/*.{yml,yaml}")
	if err != nil {
		return TestInfra{}, err
	}
	for _, f := range flows {
		t.CIWorkflows = append(t.CIWorkflows, f)
		if text := readCapped(fsys, f); text != "" && anyMatch(m.infraFlows, text) {
			t.CITestWorkflows = append(t.CITestWorkflows, f)
		}
	}
	t.HasTestCIWorkflow = len(t.CITestWorkflows) > 0
	return t, nil
}

func readCapped(fsys fs.FS, name string) string {
	f, err := fsys.Open(name)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxScanBytes))
	if err != nil {
		return ""
	}
	return string(data)
}
