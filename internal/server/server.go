// Package server implements the Ingress / Status HTTP surface: the
// webhook endpoint, per-task status and log tail, and the ambient
// /healthz, /readyz, /metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ConfigButler/dispatcher/internal/build"
	"github.com/ConfigButler/dispatcher/internal/checkout"
	"github.com/ConfigButler/dispatcher/internal/config"
	"github.com/ConfigButler/dispatcher/internal/event"
	execpkg "github.com/ConfigButler/dispatcher/internal/exec"
	"github.com/ConfigButler/dispatcher/internal/manifest"
	"github.com/ConfigButler/dispatcher/internal/notify"
	"github.com/ConfigButler/dispatcher/internal/scheduler"
	"github.com/ConfigButler/dispatcher/internal/signature"
	"github.com/ConfigButler/dispatcher/internal/task"
	"github.com/ConfigButler/dispatcher/internal/telemetry"
)

// maxBodyBytes bounds the webhook request body (spec.md §4.I "a hard
// cap, e.g. 5 MiB").
const maxBodyBytes = 5 * 1024 * 1024

const bodyReadTimeout = 30 * time.Second

// Dispatcher wires every component together: it is both the task
// Handler the Scheduler drains and the HTTP surface that feeds it.
type Dispatcher struct {
	cfg       config.Config
	scheduler *scheduler.Scheduler
	store     *task.Store
	checkout  *checkout.Manager
	executor  *execpkg.Executor
	notifier  *notify.Notifier
	metrics   *telemetry.Metrics
	log       logr.Logger
	mux       *http.ServeMux
}

// New builds a Dispatcher and registers its HTTP routes. The
// http.Handler returned by its Handler method should be mounted on an
// http.Server by the caller, matching this project's habit of keeping
// manager/listener wiring in cmd/.
func New(cfg config.Config, store *task.Store, checkoutMgr *checkout.Manager, executor *execpkg.Executor, notifier *notify.Notifier, metrics *telemetry.Metrics, log logr.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		checkout: checkoutMgr,
		executor: executor,
		notifier: notifier,
		metrics:  metrics,
		log:      log.WithName("ingress"),
	}
	d.scheduler = scheduler.New(context.Background(), d.runTask, metrics, log)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", d.handleWebhook)
	mux.HandleFunc("GET /tasks/{id}", d.handleTaskStatus)
	mux.HandleFunc("GET /tasks/{id}/log", d.handleTaskLog)
	mux.HandleFunc("GET /healthz", d.handleHealthz)
	mux.HandleFunc("GET /readyz", d.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	d.mux = mux

	return d
}

// Handler returns the http.Handler to mount on an http.Server.
func (d *Dispatcher) Handler() http.Handler { return d.mux }

// Shutdown stops accepting new scheduler work and drains in-flight
// tasks, bounded by ctx, then stops the Notifier.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	err := d.scheduler.Shutdown(ctx)
	d.notifier.Stop()
	return err
}

type errorBody struct {
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Reason: reason})
}

func (d *Dispatcher) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), bodyReadTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	limited := http.MaxBytesReader(w, r.Body, maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds limit")
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds limit")
		return
	}

	header := r.Header.Get("X-Hub-Signature")
	if !signature.Verify(d.cfg.Secret, body, header) {
		writeError(w, http.StatusUnauthorized, "bad signature")
		return
	}

	ev, err := event.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := task.New(ev, "")
	t.LogPath = filepath.Join(d.cfg.LogRoot, t.ID+".log")

	d.store.Put(t)
	if err := d.scheduler.Enqueue(t); err != nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher is shutting down")
		return
	}
	d.metrics.TasksReceivedTotal.Add(r.Context(), 1)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"task_id":  t.ID,
		"task_url": d.taskURL(t.ID),
	})
}

func (d *Dispatcher) taskURL(id string) string {
	host := d.cfg.Hostname
	if host == "" {
		host = fmt.Sprintf("localhost:%d", d.cfg.Port)
	}
	return fmt.Sprintf("http://%s/tasks/%s", host, id)
}

type statusBody struct {
	TaskID    string  `json:"task_id"`
	Status    string  `json:"status"`
	Owner     string  `json:"owner"`
	Repo      string  `json:"repo"`
	Branch    string  `json:"branch"`
	CreatedAt string  `json:"created_at"`
	StartedAt *string `json:"started_at,omitempty"`
	EndedAt   *string `json:"ended_at,omitempty"`
	ExitCode  *int    `json:"exit_code,omitempty"`
	LogURL    string  `json:"log_url"`
}

func (d *Dispatcher) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := d.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	snap := t.Snapshot()

	body := statusBody{
		TaskID:    snap.ID,
		Status:    string(snap.Status),
		Owner:     snap.Key.Owner,
		Repo:      snap.Key.Repo,
		Branch:    snap.Key.Branch,
		CreatedAt: snap.CreatedAt.Format(time.RFC3339),
		ExitCode:  snap.ExitCode,
		LogURL:    d.taskURL(snap.ID) + "/log",
	}
	if snap.StartedAt != nil {
		s := snap.StartedAt.Format(time.RFC3339)
		body.StartedAt = &s
	}
	if snap.EndedAt != nil {
		s := snap.EndedAt.Format(time.RFC3339)
		body.EndedAt = &s
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (d *Dispatcher) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := d.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	snap := t.Snapshot()

	f, err := os.Open(snap.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Task hasn't produced any output yet (still checking out).
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, http.StatusInternalServerError, "reading log")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !snap.Status.Terminal() {
		w.Header().Set("Transfer-Encoding", "chunked")
	}

	if tailParam := r.URL.Query().Get("tail"); tailParam != "" {
		n, err := strconv.Atoi(tailParam)
		if err == nil && n > 0 {
			writeTail(w, f, n)
			return
		}
	}

	_, _ = io.Copy(w, f)
}

func (d *Dispatcher) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// runTask implements scheduler.Handler: it runs one task's checkout,
// manifest load, build, execution, and notification lifecycle.
func (d *Dispatcher) runTask(ctx context.Context, t *task.Task) {
	t.MarkRunning()
	d.metrics.TasksStartedTotal.Add(ctx, 1)

	log := d.log.WithValues("task_id", t.ID, "key", t.Key.String())
	taskURL := d.taskURL(t.ID)

	slot := d.checkout.Acquire(t.Key)
	defer slot.Release()

	d.metrics.CheckoutOperationsTotal.Add(ctx, 1)
	path, err := d.checkout.Prepare(ctx, slot, t.Event)
	if err != nil {
		log.Error(err, "checkout failed")
		d.metrics.CheckoutFailuresTotal.Add(ctx, 1)
		appendLog(t.LogPath, err.Error())
		d.finish(ctx, t, false, nil, "", taskURL)
		return
	}

	eff, err := manifest.Load(path, t.Event.Branch)
	if err != nil {
		if errors.Is(err, manifest.ErrNoManifest) {
			log.Info("no manifest found", "reason", err.Error())
		} else {
			log.Error(err, "manifest invalid")
		}
		appendLog(t.LogPath, err.Error())
		d.finish(ctx, t, false, nil, "", taskURL)
		return
	}

	d.notifier.SendStarted(eff.NotifyURL, t.ID, taskURL, t.Key)

	envInjection := d.cfg.Env[t.Key.String()]
	inv, err := build.Invocation(eff, path, envInjection)
	if err != nil {
		log.Error(err, "building invocation")
		appendLog(t.LogPath, err.Error())
		d.finish(ctx, t, false, nil, eff.NotifyURL, taskURL)
		return
	}

	result, err := d.executor.Run(ctx, inv, t.LogPath)
	if err != nil {
		log.Error(err, "spawn failed")
		appendLog(t.LogPath, err.Error())
		d.finish(ctx, t, false, nil, eff.NotifyURL, taskURL)
		return
	}
	if result.IOWarn != nil {
		log.Info("log write warning", "error", result.IOWarn.Error())
	}

	code := result.Status.Code
	d.finish(ctx, t, result.Status.Success(), &code, eff.NotifyURL, taskURL)
}

func (d *Dispatcher) finish(ctx context.Context, t *task.Task, success bool, exitCode *int, notifyURL, taskURL string) {
	code := -1
	if exitCode != nil {
		code = *exitCode
	}
	t.MarkTerminal(success, code)

	if success {
		d.metrics.TasksSucceededTotal.Add(ctx, 1)
	} else {
		d.metrics.TasksFailedTotal.Add(ctx, 1)
	}
	snap := t.Snapshot()
	if snap.StartedAt != nil && snap.EndedAt != nil {
		d.metrics.TaskDurationSeconds.Record(ctx, snap.EndedAt.Sub(*snap.StartedAt).Seconds())
	}

	d.notifier.SendTerminal(notifyURL, t.ID, taskURL, t.Key, success)
}

func appendLog(path, text string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(text + "\n")
}

func writeTail(w http.ResponseWriter, f *os.File, n int) {
	content, err := io.ReadAll(f)
	if err != nil {
		return
	}
	lines := splitLines(content)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, line := range lines {
		_, _ = w.Write(line)
		_, _ = w.Write([]byte("\n"))
	}
}

func splitLines(content []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range content {
		if b == '\n' {
			lines = append(lines, content[start:i])
			start = i + 1
		}
	}
	if start < len(content) {
		lines = append(lines, content[start:])
	}
	return lines
}
