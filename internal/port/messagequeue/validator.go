package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errMissingRunID = errors.New("run_id is required")

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch {
	case subject == SubjectRunCommands:
		var p CommandPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.RunID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errMissingRunID)
		}
		if p.Command == "" {
			return fmt.Errorf("schema validation failed for %s: command is required", subject)
		}
		if len(p.Args) > 0 {
			var args CommandArgs
			if err := json.Unmarshal(p.Args, &args); err != nil {
				return fmt.Errorf("schema validation failed for %s args: %w", subject, err)
			}
		}
	case strings.HasPrefix(subject, SubjectRunState+"."):
		var p StateChangedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.RunID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errMissingRunID)
		}
		if want := strings.TrimPrefix(subject, SubjectRunState+"."); p.To != want {
			return fmt.Errorf("schema validation failed for %s: to=%q does not match subject", subject, p.To)
		}
	}
	return nil
}
