// Package webhook translates code-hosting webhook deliveries into ledger
// facts.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/event"
)

// SourceGitHub is the delivery source for GitHub webhooks.
const SourceGitHub = "github"

// Delivery states.
const (
	StateReserved  = "reserved"
	StateConfirmed = "confirmed"
)

// Delivery is the reservation record for one externally delivered fact.
type Delivery struct {
	Source        string    `json:"source"`
	DeliveryID    string    `json:"delivery_id"`
	EventType     string    `json:"event_type"`
	PayloadSHA256 string    `json:"payload_sha256"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewDelivery builds a reservation for body.
func NewDelivery(source, id, eventType string, body []byte) Delivery {
	sum := sha256.Sum256(body)
	return Delivery{
		Source:        source,
		DeliveryID:    id,
		EventType:     eventType,
		PayloadSHA256: hex.EncodeToString(sum[:]),
		State:         StateReserved,
	}
}

// Fact is one ledger event derived from a delivery, addressed by pull
// request rather than run.
type Fact struct {
	PRNumber int
	Type     event.Type
	Payload  any
	Key      string
}

// Translation is the parsed form of a delivery.
type Translation struct {
	Owner string
	Repo  string
	Facts []Fact
	// Ignored explains why a delivery produced no facts.
	Ignored string
}

type repository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	} `json:"owner"`
}

type prRef struct {
	Number int `json:"number"`
}

type check struct {
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	Conclusion   string  `json:"conclusion"`
	PullRequests []prRef `json:"pull_requests"`
}

type user struct {
	Login string `json:"login"`
}

type payload struct {
	Action      string      `json:"action"`
	Repository  *repository `json:"repository"`
	PullRequest *prRef      `json:"pull_request"`
	Issue       *struct {
		Number      int             `json:"number"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	CheckRun   *check `json:"check_run"`
	CheckSuite *check `json:"check_suite"`
	Review     *struct {
		ID    int64  `json:"id"`
		State string `json:"state"`
		Body  string `json:"body"`
		User  user   `json:"user"`
	} `json:"review"`
	Comment *struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User user   `json:"user"`
	} `json:"comment"`
}

var (
	successConclusions = map[string]bool{"success": true, "neutral": true, "skipped": true}
	failureConclusions = map[string]bool{
		"failure": true, "timed_out": true, "cancelled": true, "action_required": true, "startup_failure": true,
	}
)

// Translate parses a GitHub delivery. Malformed JSON is a validation error;
// deliveries without an actionable fact return an empty Translation with
// Ignored set.
func Translate(eventName, deliveryID string, body []byte) (Translation, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Translation{}, fmt.Errorf("%w: invalid JSON payload: %w", domain.ErrValidation, err)
	}
	var t Translation
	if p.Repository != nil {
		t.Owner = norm(p.Repository.Owner.Login)
		if t.Owner == "" {
			t.Owner = norm(p.Repository.Owner.Name)
		}
		t.Repo = norm(p.Repository.Name)
	}
	if t.Owner == "" || t.Repo == "" {
		t.Ignored = "missing repository identity in payload"
		return t, nil
	}
	prs := prNumbers(eventName, &p)
	if len(prs) == 0 {
		t.Ignored = "no PR association in payload"
		return t, nil
	}
	for i, pr := range prs {
		if f, ok := factFor(eventName, deliveryID, &p, pr, i); ok {
			t.Facts = append(t.Facts, f)
		}
	}
	if len(t.Facts) == 0 {
		t.Ignored = "no actionable fact for " + eventName
	}
	return t, nil
}

func factFor(eventName, delivery string, p *payload, pr, index int) (Fact, bool) {
	key := func(kind, value string) string {
		return fmt.Sprintf("gh-webhook:%s:%s:%d:%d:%s:%s", delivery, eventName, pr, index, kind, value)
	}
	switch eventName {
	case "check_run", "check_suite":
		c := p.CheckRun
		if eventName == "check_suite" {
			c = p.CheckSuite
		}
		conclusion := CheckConclusion(c.Conclusion)
		if conclusion == "" {
			return Fact{}, false
		}
		name := c.Name
		if name == "" {
			name = eventName
		}
		return Fact{PRNumber: pr, Type: event.TypeCheckCompleted, Key: key("check", conclusion),
			Payload: event.CheckCompletedPayload{PRNumber: pr, Conclusion: conclusion, Name: name, DeliveryID: delivery}}, true
	case "pull_request_review":
		if p.Review == nil || norm(p.Action) != "submitted" {
			return Fact{}, false
		}
		state := norm(p.Review.State)
		return Fact{PRNumber: pr, Type: event.TypeReviewSubmitted, Key: key("review", state),
			Payload: event.ReviewSubmittedPayload{PRNumber: pr, State: state, Body: p.Review.Body, DeliveryID: delivery}}, true
	case "issue_comment", "pull_request_review_comment":
		if p.Comment == nil || norm(p.Action) != "created" {
			return Fact{}, false
		}
		return Fact{PRNumber: pr, Type: event.TypeCommentCreated, Key: key("comment", strconv.FormatInt(p.Comment.ID, 10)),
			Payload: event.CommentCreatedPayload{PRNumber: pr, Author: p.Comment.User.Login, Body: p.Comment.Body, DeliveryID: delivery}}, true
	}
	return Fact{}, false
}

// CheckConclusion folds a check conclusion to success or failure, or ""
// when the check is still pending or unknown.
func CheckConclusion(c string) string {
	switch c = norm(c); {
	case successConclusions[c]:
		return "success"
	case failureConclusions[c]:
		return "failure"
	}
	return ""
}

func prNumbers(eventName string, p *payload) []int {
	switch eventName {
	case "pull_request", "pull_request_review", "pull_request_review_comment", "issue_comment":
		if p.PullRequest != nil && p.PullRequest.Number > 0 {
			return []int{p.PullRequest.Number}
		}
		if p.Issue != nil && len(p.Issue.PullRequest) > 0 && string(p.Issue.PullRequest) != "null" && p.Issue.Number > 0 {
			return []int{p.Issue.Number}
		}
	case "check_run", "check_suite":
		c := p.CheckRun
		if eventName == "check_suite" {
			c = p.CheckSuite
		}
		if c == nil {
			return nil
		}
		var out []int
		for _, ref := range c.PullRequests {
			if ref.Number > 0 {
				out = append(out, ref.Number)
			}
		}
		return out
	}
	return nil
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
