package policy

import (
	"fmt"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
)

// Validate checks that a RunPolicy is well-formed.
func (p *RunPolicy) Validate() error {
	switch p.RuntimeGradingMode {
	case GradingRules, GradingHybrid, GradingHybridLLM:
	default:
		return fmt.Errorf("policy: invalid runtime_grading_mode %q", p.RuntimeGradingMode)
	}
	for i, pat := range p.KnownTestFailureAllowlist {
		if pat == "" {
			return fmt.Errorf("policy: known_test_failure_allowlist[%d] is empty", i)
		}
		if _, err := regexp.Compile("(?i)" + pat); err != nil {
			return fmt.Errorf("policy: known_test_failure_allowlist[%d]: %w", i, err)
		}
	}
	for i, g := range p.AllowedWriteRoots {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("policy: allowed_write_roots[%d]: invalid glob %q", i, g)
		}
	}
	return nil
}
