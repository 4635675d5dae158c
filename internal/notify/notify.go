// Package notify POSTs task lifecycle events to an operator-supplied
// URL, best-effort, off the task's own execution path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/ConfigButler/dispatcher/internal/event"
)

// Status is the lifecycle state name carried in a notification body.
type Status string

const (
	StatusStarted Status = "Started"
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// Notification is the bit-exact JSON body POSTed to notify_url
// (spec.md §6).
type Notification struct {
	Status  Status `json:"status"`
	Failed  bool   `json:"failed"`
	TaskID  string `json:"task_id"`
	TaskURL string `json:"task_url"`
	Owner   string `json:"owner"`
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
}

const (
	maxAttempts     = 3
	initialInterval = 1 * time.Second
	maxInterval     = 10 * time.Second
	requestTimeout  = 10 * time.Second
)

// Notifier delivers Notifications on a background worker so a slow or
// unreachable receiver never stalls task execution.
type Notifier struct {
	client *http.Client
	log    logr.Logger

	jobs chan job
	done chan struct{}
}

type job struct {
	url string
	n   Notification
}

// New starts a Notifier with one background delivery worker. Call
// Stop to drain pending deliveries during shutdown.
func New(log logr.Logger) *Notifier {
	nf := &Notifier{
		client: &http.Client{Timeout: requestTimeout},
		log:    log.WithName("notifier"),
		jobs:   make(chan job, 256),
		done:   make(chan struct{}),
	}
	go nf.run()
	return nf
}

// Send enqueues a notification for delivery. It never blocks the
// caller on network I/O; if url is empty the notification is dropped
// (the task has no notify_url configured).
func (nf *Notifier) Send(url string, n Notification) {
	if url == "" {
		return
	}
	select {
	case nf.jobs <- job{url: url, n: n}:
	default:
		nf.log.Info("dropping notification, delivery queue full", "task_id", n.TaskID, "status", n.Status)
	}
}

// SendStarted is a convenience wrapper building the Queued->Running
// notification body from a BranchKey and task identity.
func (nf *Notifier) SendStarted(url, taskID, taskURL string, key event.Key) {
	nf.Send(url, Notification{Status: StatusStarted, TaskID: taskID, TaskURL: taskURL, Owner: key.Owner, Repo: key.Repo, Branch: key.Branch})
}

// SendTerminal is a convenience wrapper building the terminal
// notification body.
func (nf *Notifier) SendTerminal(url, taskID, taskURL string, key event.Key, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusFailed
	}
	nf.Send(url, Notification{Status: status, Failed: !success, TaskID: taskID, TaskURL: taskURL, Owner: key.Owner, Repo: key.Repo, Branch: key.Branch})
}

// Stop closes the delivery queue and waits for the worker to drain
// whatever was already enqueued.
func (nf *Notifier) Stop() {
	close(nf.jobs)
	<-nf.done
}

func (nf *Notifier) run() {
	defer close(nf.done)
	for j := range nf.jobs {
		nf.deliver(j)
	}
}

func (nf *Notifier) deliver(j job) {
	body, err := json.Marshal(j.n)
	if err != nil {
		nf.log.Error(err, "marshalling notification", "task_id", j.n.TaskID)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval

	attempt := 0
	for {
		attempt++
		err := nf.post(j.url, body)
		if err == nil {
			return
		}
		if attempt >= maxAttempts {
			nf.log.Error(err, "notification delivery failed, giving up", "task_id", j.n.TaskID, "attempts", attempt, "url", j.url)
			return
		}
		wait := b.NextBackOff()
		nf.log.Info("notification delivery failed, retrying", "task_id", j.n.TaskID, "attempt", attempt, "wait", wait, "error", err.Error())
		time.Sleep(wait)
	}
}

func (nf *Notifier) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := nf.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return httpStatusError(resp.StatusCode)
	}
	return nil
}

type httpStatusError int

func (e httpStatusError) Error() string {
	return "notification receiver returned non-2xx status"
}
