// Package gate implements the two-phase confirmation protocol guarding
// externally visible actions.
package gate

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrTokenMismatch = errors.New("gate: confirmation token mismatch")
	ErrTokenExpired  = errors.New("gate: confirmation token expired")
	ErrTokenConsumed = errors.New("gate: confirmation token already consumed")
	ErrNotConfirmed  = errors.New("gate: explicit confirmation required")
)

// BlockedError is returned when the definition-of-done checks fail.
type BlockedError struct {
	Checks []string
}

func (e *BlockedError) Error() string {
	return "gate: blocked by " + strings.Join(e.Checks, ", ")
}

// Action is the exact externally visible action a token is bound to.
type Action struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Base  string `json:"base"`
	Head  string `json:"head"`
	Draft bool   `json:"draft"`
}

// Validate checks the fields a pull request needs.
func (a Action) Validate() error {
	switch {
	case strings.TrimSpace(a.Title) == "":
		return errors.New("gate: title is required")
	case strings.TrimSpace(a.Base) == "":
		return errors.New("gate: base is required")
	case strings.TrimSpace(a.Head) == "":
		return errors.New("gate: head is required")
	}
	return nil
}

// Digest is the sha256 of the canonical JSON form of a.
func (a Action) Digest() (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Request is a pending gated action.
type Request struct {
	ID           string     `json:"request_id"`
	RunID        string     `json:"run_id"`
	Action       Action     `json:"action"`
	ActionDigest string     `json:"action_digest"`
	TokenHash    string     `json:"-"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NewToken returns a fresh confirmation token: 4 random bytes as upper-case hex.
func NewToken() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("gate: generate token: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b[:])), nil
}

// NormalizeToken trims and upper-cases a user-supplied token.
func NormalizeToken(t string) string { return strings.ToUpper(strings.TrimSpace(t)) }

// HashToken returns the stored digest of token.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(NormalizeToken(token)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("gate: hash token: %w", err)
	}
	return string(h), nil
}

// NewRequest binds a fresh token to action for runID. The plain token is
// returned once and never stored.
func NewRequest(id, runID string, action Action, ttl time.Duration, now time.Time) (*Request, string, error) {
	if err := action.Validate(); err != nil {
		return nil, "", err
	}
	digest, err := action.Digest()
	if err != nil {
		return nil, "", fmt.Errorf("gate: digest action: %w", err)
	}
	token, err := NewToken()
	if err != nil {
		return nil, "", err
	}
	hash, err := HashToken(token)
	if err != nil {
		return nil, "", err
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Request{
		ID:           id,
		RunID:        runID,
		Action:       action,
		ActionDigest: digest,
		TokenHash:    hash,
		ExpiresAt:    now.Add(ttl).UTC(),
		CreatedAt:    now.UTC(),
	}, token, nil
}

// Check validates an approval attempt against r. It does not consume r.
func (r *Request) Check(token string, confirmed bool, now time.Time) error {
	if !confirmed {
		return ErrNotConfirmed
	}
	if r.ConsumedAt != nil {
		return ErrTokenConsumed
	}
	if bcrypt.CompareHashAndPassword([]byte(r.TokenHash), []byte(NormalizeToken(token))) != nil {
		return ErrTokenMismatch
	}
	if !now.Before(r.ExpiresAt) {
		return ErrTokenExpired
	}
	if d, err := r.Action.Digest(); err != nil || d != r.ActionDigest {
		return fmt.Errorf("%w: bound action changed", ErrTokenMismatch)
	}
	return nil
}
