// Package event decodes GitHub-shaped push webhook payloads into the
// typed Event this project schedules work against.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPayload is returned when the request body is not valid
// JSON or is missing a field required to build an Event.
var ErrMalformedPayload = errors.New("malformed payload")

// Event is the decoded, validated shape of a push notification.
type Event struct {
	Owner     string
	Repo      string
	Branch    string
	CloneURL  string
	CommitSHA string
	Pusher    string
}

// Key returns the BranchKey this event is scheduled under.
func (e Event) Key() Key {
	return Key{Owner: e.Owner, Repo: e.Repo, Branch: e.Branch}
}

// Key is the triple (owner, repo, branch): the unit of serialisation.
type Key struct {
	Owner  string
	Repo   string
	Branch string
}

// String canonicalises the key as "owner.repo.branch", case-preserving.
func (k Key) String() string {
	return fmt.Sprintf("%s.%s.%s", k.Owner, k.Repo, k.Branch)
}

type pushPayload struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
	Repo  struct {
		Name  string `json:"name"`
		Owner struct {
			Name  string `json:"name"`
			Login string `json:"login"`
		} `json:"owner"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

const branchRefPrefix = "refs/heads/"

// Decode parses a GitHub push-event JSON body into an Event.
//
// Required fields: ref (must carry the refs/heads/ prefix so a branch
// name can be derived), repository.name, repository.owner.name
// (falling back to repository.owner.login), repository.clone_url, and
// after. Any missing or malformed field yields ErrMalformedPayload.
func Decode(body []byte) (Event, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if !strings.HasPrefix(p.Ref, branchRefPrefix) {
		return Event{}, fmt.Errorf("%w: ref %q is not a branch ref", ErrMalformedPayload, p.Ref)
	}
	branch := strings.TrimPrefix(p.Ref, branchRefPrefix)

	owner := p.Repo.Owner.Name
	if owner == "" {
		owner = p.Repo.Owner.Login
	}

	e := Event{
		Owner:     owner,
		Repo:      p.Repo.Name,
		Branch:    branch,
		CloneURL:  p.Repo.CloneURL,
		CommitSHA: p.After,
		Pusher:    p.Pusher.Name,
	}

	if e.Owner == "" || e.Repo == "" || e.Branch == "" {
		return Event{}, fmt.Errorf("%w: owner/repo/branch must all be non-empty", ErrMalformedPayload)
	}
	if e.CloneURL == "" {
		return Event{}, fmt.Errorf("%w: repository.clone_url is required", ErrMalformedPayload)
	}
	if e.CommitSHA == "" {
		return Event{}, fmt.Errorf("%w: after (commit sha) is required", ErrMalformedPayload)
	}

	return e, nil
}
