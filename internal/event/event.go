// Package event classifies verified GitHub webhook deliveries.
//
// Only the body of a request whose signature has already been verified may
// be passed to Classify.
package event

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"
)

// Event type header values the classifier acts on.
const (
	TypePing = "ping"
	TypePush = "push"
)

// ErrMalformedPayload is returned when a push body cannot be decoded or is
// missing a required field.
var ErrMalformedPayload = errors.New("malformed push payload")

// Kind is the outcome of classifying a delivery.
type Kind int

const (
	// KindIgnored is any event type the dispatcher does not act on.
	KindIgnored Kind = iota
	// KindPing is GitHub's connectivity check.
	KindPing
	// KindPush carries a PushEvent.
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPush:
		return "push"
	default:
		return "ignored"
	}
}

// PushEvent is the part of a push delivery needed to pick and run a
// deployment.
type PushEvent struct {
	RepositoryName string
	CloneURL       string
	Branch         string
	Ref            string
	Commit         string // "after" SHA, informational
}

// Classification is the result of Classify. Push is set only for KindPush.
type Classification struct {
	Kind      Kind
	EventType string
	Push      *PushEvent
}

// Classify interprets the event type header and, for pushes, decodes the
// body into a PushEvent.
func Classify(eventType string, body []byte) (*Classification, error) {
	c := &Classification{EventType: eventType}

	switch eventType {
	case TypePing:
		c.Kind = KindPing
		return c, nil
	case TypePush:
		push, err := ParsePush(body)
		if err != nil {
			return nil, err
		}
		c.Kind = KindPush
		c.Push = push
		return c, nil
	default:
		c.Kind = KindIgnored
		return c, nil
	}
}

// ParsePush decodes a push payload. repository.name, repository.clone_url
// and ref are required.
func ParsePush(body []byte) (*PushEvent, error) {
	parsed, err := github.ParseWebHook(TypePush, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	payload, ok := parsed.(*github.PushEvent)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload type %T", ErrMalformedPayload, parsed)
	}

	var missing []string
	if payload.GetRepo().GetName() == "" {
		missing = append(missing, "repository.name")
	}
	if payload.GetRepo().GetCloneURL() == "" {
		missing = append(missing, "repository.clone_url")
	}
	if payload.GetRef() == "" {
		missing = append(missing, "ref")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedPayload, strings.Join(missing, ", "))
	}

	branch := BranchFromRef(payload.GetRef())
	if branch == "" {
		return nil, fmt.Errorf("%w: ref %q has no branch segment", ErrMalformedPayload, payload.GetRef())
	}

	return &PushEvent{
		RepositoryName: payload.GetRepo().GetName(),
		CloneURL:       payload.GetRepo().GetCloneURL(),
		Branch:         branch,
		Ref:            payload.GetRef(),
		Commit:         payload.GetAfter(),
	}, nil
}

// BranchFromRef returns the final "/"-separated segment of a ref.
// "refs/heads/main" yields "main"; "refs/heads/release/v2" yields "v2", so
// branch names containing slashes are truncated to their last segment.
func BranchFromRef(ref string) string {
	return ref[strings.LastIndex(ref, "/")+1:]
}
