package verdict

import (
	"context"
	"crypto/sha1" //nolint:gosec // sampling bucket, not a security boundary
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Strob0t/AgentPR/internal/domain/evidence"
	"github.com/Strob0t/AgentPR/internal/domain/policy"
)

// Input is everything a Grader may look at.
type Input struct {
	Evidence *evidence.Evidence
	// RequiresValidation is true when the attempt ran in a state whose
	// output must carry test evidence.
	RequiresValidation bool
	// PriorRetryable is the number of consecutive RETRYABLE verdicts
	// already recorded for the run.
	PriorRetryable int
	Policy         policy.Effective
}

// Grader produces a verdict for an attempt.
type Grader interface {
	Grade(ctx context.Context, in Input) (Verdict, error)
}

// Rules is the deterministic grader. Its verdicts are authoritative.
type Rules struct{}

// Grade implements Grader.
func (Rules) Grade(_ context.Context, in Input) (Verdict, error) {
	return Classify(in), nil
}

// Classify applies the decision order. Earlier rules take precedence and
// later rules never see a case an earlier rule decided.
func Classify(in Input) Verdict {
	e, p := in.Evidence, in.Policy
	if e == nil {
		return Verdict{Grade: GradeHumanReview, ReasonCode: ReasonTranscriptMissing, Confidence: ConfidenceHigh}
	}

	if len(e.Safety) > 0 {
		return Verdict{
			Grade: GradeHumanReview, ReasonCode: ReasonSafetyViolation, Confidence: ConfidenceHigh,
			Detail: fmt.Sprintf("%d violation(s), first %s", len(e.Safety), e.Safety[0].Rule),
		}
	}

	if (p.MaxChangedFiles > 0 && e.Diff.ChangedFilesCount > p.MaxChangedFiles) ||
		(p.MaxAddedLines > 0 && e.Diff.AddedLines > p.MaxAddedLines) {
		return Verdict{
			Grade: GradeHumanReview, ReasonCode: ReasonDiffBudgetExceeded, Confidence: ConfidenceHigh,
			Detail: fmt.Sprintf("%d files / %d added lines, budget %d / %d",
				e.Diff.ChangedFilesCount, e.Diff.AddedLines, p.MaxChangedFiles, p.MaxAddedLines),
		}
	}

	allowlisted := false
	if len(e.FailedTests) > 0 {
		haystack := e.FailureText() + "\n" + strings.Join(e.FailedTests, "\n")
		if len(MatchAllowlist(haystack, p.KnownTestFailureAllowlist)) == 0 {
			return Verdict{
				Grade: GradeHumanReview, ReasonCode: ReasonTestCommandFailed, Confidence: ConfidenceHigh,
				Detail: "failed: " + strings.Join(e.FailedTests, "; "),
			}
		}
		allowlisted = true
	}

	ok := e.ExitCode == 0 && !e.TimedOut
	if ok && !allowlisted && in.RequiresValidation && p.RuntimeGradingMode.Semantic() &&
		!e.TestInfra.Present() && len(e.TestCommands) == 0 && e.PassedLint+e.PassedTypecheck > 0 &&
		e.Diff.ChangedFilesCount <= p.MaxChangedFiles && e.Diff.AddedLines <= p.NoTestInfraMaxAddedLines {
		return Verdict{Grade: GradePass, ReasonCode: ReasonNoTestInfraValidation, Confidence: ConfidenceMedium}
	}

	if ok && in.RequiresValidation && len(e.TestCommands) < p.MinTestCommands {
		return Verdict{
			Grade: GradeHumanReview, ReasonCode: ReasonInsufficientTestEvidence, Confidence: ConfidenceHigh,
			Detail: fmt.Sprintf("observed %d test command(s), need %d", len(e.TestCommands), p.MinTestCommands),
		}
	}

	var v Verdict
	switch text := e.FailureText(); {
	case ok && allowlisted:
		v = Verdict{Grade: GradePass, ReasonCode: ReasonAllowlistedTestFailures, Confidence: ConfidenceMedium}
	case ok && len(e.RecoveredTests) > 0:
		v = Verdict{Grade: GradePass, ReasonCode: ReasonRecoveredTestFailures, Confidence: ConfidenceMedium}
	case ok:
		v = Verdict{Grade: GradePass, ReasonCode: ReasonRuntimeSuccess, Confidence: ConfidenceHigh}
	case p.Matcher != nil && p.Matcher.IsHardFailure(text):
		v = Verdict{Grade: GradeHumanReview, ReasonCode: ReasonRuntimeHardFailure, Confidence: ConfidenceHigh}
	case e.TimedOut || (p.Matcher != nil && p.Matcher.IsRetryable(text)):
		v = Verdict{Grade: GradeRetryable, ReasonCode: ReasonRuntimeRetryable, Confidence: ConfidenceMedium}
	default:
		v = Verdict{
			Grade: GradeHumanReview, ReasonCode: ReasonRuntimeFailure, Confidence: ConfidenceMedium,
			Detail: "exit code " + strconv.Itoa(e.ExitCode),
		}
	}
	return ApplyRetryCap(v, in.PriorRetryable, p.MaxRetryableAttempts)
}

// ApplyRetryCap upgrades a RETRYABLE verdict to HUMAN_REVIEW once the run
// would exceed limit consecutive retryable verdicts. A limit of 0 disables
// the cap.
func ApplyRetryCap(v Verdict, prior, limit int) Verdict {
	if v.Grade != GradeRetryable || limit <= 0 || prior+1 <= limit {
		return v
	}
	return Verdict{
		Grade:      GradeHumanReview,
		ReasonCode: ReasonRetryableLimitExceeded,
		Confidence: ConfidenceHigh,
		Detail:     fmt.Sprintf("retryable #%d exceeds cap %d (was %s)", prior+1, limit, v.ReasonCode),
	}
}

// MatchAllowlist returns the allowlist entries found in text. Entries are
// case-insensitive regular expressions.
func MatchAllowlist(text string, patterns []string) []string {
	var out []string
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			if strings.Contains(strings.ToLower(text), strings.ToLower(p)) {
				out = append(out, p)
			}
			continue
		}
		if re.MatchString(text) {
			out = append(out, p)
		}
	}
	return out
}

// KeepTranscript reports whether the raw transcript of an attempt is
// persisted. Non-PASS transcripts are always kept; PASS transcripts are
// sampled at pct percent by a stable hash of run and attempt.
func KeepTranscript(runID string, attempt int, g Grade, pct int) bool {
	if g != GradePass {
		return true
	}
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	sum := sha1.Sum([]byte(runID + ":" + strconv.Itoa(attempt))) //nolint:gosec // sampling
	bucket, err := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 32)
	if err != nil {
		return true
	}
	return int(bucket%100) < pct
}
