// Package controller is the single authoritative state machine per sid,
// reconciling a student's codespace record with the orchestrator adapter.
package controller

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
	"github.com/Nickchen-PUSH/yatcc-se/internal/telemetry"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/authtoken"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/store"
)

// Config is the deterministic workload template applied to every student.
type Config struct {
	Image            string
	CPULimit         string
	MemoryLimit      string
	StorageLimit     string
	WatchConcurrency int

	// StudentsRoot is the on-disk tree sampled to refresh SpaceUsed. Disk
	// sampling is skipped when empty.
	StudentsRoot string
}

// Store is the subset of *store.Store the controller depends on.
type Store interface {
	Read(ctx context.Context, sid string) (store.Student, error)
	Write(ctx context.Context, student store.Student) error
	AllIDs(ctx context.Context) ([]string, error)
}

// Controller drives Student.Codespace through its state machine. One
// Controller instance implements store.LifecycleHook for the record store
// it backs.
type Controller struct {
	store   Store
	adapter orchestrator.Adapter
	codec   *authtoken.Codec
	cfg     Config
	logger  *slog.Logger
	notify  Notifier

	mus sync.Map // sid -> *sync.Mutex, serializes start/stop/tick/delete per sid
}

// Notifier is the optional best-effort eviction notification sink.
type Notifier interface {
	NotifyEviction(ctx context.Context, sid string)
}

type noopNotifier struct{}

func (noopNotifier) NotifyEviction(context.Context, string) {}

// New builds a Controller. notify may be nil, in which case eviction
// notifications are silently dropped.
func New(st Store, adapter orchestrator.Adapter, codec *authtoken.Codec, cfg Config, logger *slog.Logger, notify Notifier) *Controller {
	if notify == nil {
		notify = noopNotifier{}
	}
	return &Controller{store: st, adapter: adapter, codec: codec, cfg: cfg, logger: logger, notify: notify}
}

func (c *Controller) lockFor(sid string) *sync.Mutex {
	mu, _ := c.mus.LoadOrStore(sid, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func workloadName(sid string) string { return "codespace-" + sid }

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// jobParams derives the deterministic JobParams for sid: name, image,
// and port list from configuration, env carrying the student's encoded
// credential under three names the codespace image consumes.
func (c *Controller) jobParams(sid string) (orchestrator.JobParams, error) {
	token, err := c.codec.Encode(sid)
	if err != nil {
		return orchestrator.JobParams{}, err
	}

	return orchestrator.JobParams{
		Name:  workloadName(sid),
		Image: c.cfg.Image,
		Ports: []orchestrator.PortMapping{
			{Port: 80, TargetPort: 443, Name: "ide", Protocol: "TCP"},
			{Port: 5900, TargetPort: 5900, Name: "vnc", Protocol: "TCP"},
			{Port: 22, TargetPort: 22, Name: "ssh", Protocol: "TCP"},
		},
		Env: map[string]string{
			"PASSWORD":        token,
			"SUDO_PASSWORD":   token,
			"STUDENT_API_KEY": token,
		},
		Resources: orchestrator.ResourceLimits{
			CPU:     c.cfg.CPULimit,
			Memory:  c.cfg.MemoryLimit,
			Storage: c.cfg.StorageLimit,
		},
		UserID: sid,
	}, nil
}

// Allocate implements store.LifecycleHook: idempotent, safe at any state,
// never transitions status.
func (c *Controller) Allocate(ctx context.Context, sid string) error {
	params, err := c.jobParams(sid)
	if err != nil {
		return err
	}
	_, err = c.adapter.Allocate(ctx, params)
	return err
}

// Release implements store.LifecycleHook: 404 is treated as success by the
// adapters themselves.
func (c *Controller) Release(ctx context.Context, sid string) error {
	return c.adapter.Release(ctx, workloadName(sid))
}

// Start moves sid from Stopped/Failed to Running, enforcing the time
// quota guard. Returns a Noop error if already Running, distinguishable
// from a fresh transition so callers can surface 202 instead of 200.
func (c *Controller) Start(ctx context.Context, sid string) error {
	lock := c.lockFor(sid)
	lock.Lock()
	defer lock.Unlock()

	student, err := c.store.Read(ctx, sid)
	if err != nil {
		return err
	}

	if student.Codespace.Status == store.StatusRunning {
		telemetry.CodespaceStartsTotal.WithLabelValues("noop").Inc()
		return apierrors.Noop(sid)
	}

	if student.Codespace.TimeQuota > 0 && student.Codespace.TimeUsed >= student.Codespace.TimeQuota {
		telemetry.CodespaceStartsTotal.WithLabelValues("quota_exceeded").Inc()
		return apierrors.QuotaExceeded(sid)
	}

	student.Codespace.Status = store.StatusStarting
	student.Codespace.URL = ""
	if err := c.store.Write(ctx, student); err != nil {
		return err
	}

	params, err := c.jobParams(sid)
	if err != nil {
		return err
	}

	info, err := c.adapter.Submit(ctx, params)
	if err != nil {
		student.Codespace.Status = store.StatusStopped
		_ = c.store.Write(ctx, student)
		telemetry.CodespaceStartsTotal.WithLabelValues("failed").Inc()
		return apierrors.StartFailed(sid, err)
	}

	now := nowUnix()
	student.Codespace.Status = store.StatusRunning
	student.Codespace.URL = info.ServiceURL
	student.Codespace.LastStart = now
	student.Codespace.LastActive = now
	student.Codespace.LastWatch = now
	if err := c.store.Write(ctx, student); err != nil {
		return err
	}

	telemetry.CodespaceStartsTotal.WithLabelValues("success").Inc()
	return nil
}

// Stop moves sid to Stopped, accumulating usage. Returns a Noop error if
// already Stopped. On adapter failure the record is still driven to Stopped
// (best-effort consistency) and StopFailed is returned.
func (c *Controller) Stop(ctx context.Context, sid string) error {
	lock := c.lockFor(sid)
	lock.Lock()
	defer lock.Unlock()

	student, err := c.store.Read(ctx, sid)
	if err != nil {
		return err
	}

	if student.Codespace.Status == store.StatusStopped {
		telemetry.CodespaceStopsTotal.WithLabelValues("noop").Inc()
		return apierrors.Noop(sid)
	}

	suspendErr := c.adapter.Suspend(ctx, workloadName(sid))

	now := nowUnix()
	base := student.Codespace.LastStart
	if student.Codespace.LastWatch > base {
		base = student.Codespace.LastWatch
	}
	student.Codespace.TimeUsed += int64(now - base)
	student.Codespace.Status = store.StatusStopped
	student.Codespace.URL = ""
	student.Codespace.LastStop = now

	if err := c.store.Write(ctx, student); err != nil {
		return err
	}

	if suspendErr != nil {
		telemetry.CodespaceStopsTotal.WithLabelValues("failed").Inc()
		return apierrors.StopFailed(sid, suspendErr)
	}
	telemetry.CodespaceStopsTotal.WithLabelValues("success").Inc()
	return nil
}

// GetStatus returns the recorded status, without a cluster round-trip when
// it is already Stopped. Otherwise it asks the adapter and persists the
// reconciled mapping; an adapter miss forces Stopped.
func (c *Controller) GetStatus(ctx context.Context, sid string) (store.Status, error) {
	student, err := c.store.Read(ctx, sid)
	if err != nil {
		return "", err
	}
	if student.Codespace.Status == store.StatusStopped {
		return store.StatusStopped, nil
	}

	adapterStatus, err := c.adapter.Status(ctx, workloadName(sid))
	if err != nil {
		if apierrors.Is(err, apierrors.KindNotFound) {
			student.Codespace.Status = store.StatusStopped
			student.Codespace.URL = ""
			_ = c.store.Write(ctx, student)
			return store.StatusStopped, nil
		}
		return "", err
	}

	mapped := mapAdapterStatus(adapterStatus)
	changed := mapped != student.Codespace.Status
	if changed {
		student.Codespace.Status = mapped
		if mapped != store.StatusRunning {
			student.Codespace.URL = ""
		}
	}
	if c.sampleSpaceUsed(sid, &student) || changed {
		_ = c.store.Write(ctx, student)
	}
	return mapped, nil
}

// sampleSpaceUsed refreshes Codespace.SpaceUsed from the on-disk tree when
// StudentsRoot is configured, reporting whether the value changed.
func (c *Controller) sampleSpaceUsed(sid string, student *store.Student) bool {
	if c.cfg.StudentsRoot == "" {
		return false
	}
	used := diskUsage(filepath.Join(c.cfg.StudentsRoot, sid))
	if used == student.Codespace.SpaceUsed {
		return false
	}
	student.Codespace.SpaceUsed = used
	return true
}

func mapAdapterStatus(s orchestrator.Status) store.Status {
	switch s {
	case orchestrator.StatusRunning:
		return store.StatusRunning
	case orchestrator.StatusFailed:
		return store.StatusFailed
	case orchestrator.StatusSuspended:
		return store.StatusStopped
	default:
		return store.StatusStarting
	}
}

// URLKind classifies GetURL's result.
type URLKind string

const (
	URLKnown   URLKind = "known"
	URLPending URLKind = "pending"
	URLNone    URLKind = "none"
)

// URLResult is GetURL's tri-state result.
type URLResult struct {
	Kind URLKind
	URL  string
}

// GetURL backfills the URL from the adapter once if the recorded url is
// empty but status resolves to Running.
func (c *Controller) GetURL(ctx context.Context, sid string) (URLResult, error) {
	student, err := c.store.Read(ctx, sid)
	if err != nil {
		return URLResult{}, err
	}

	switch student.Codespace.Status {
	case store.StatusRunning:
		if student.Codespace.URL == "" {
			info, err := c.adapter.Info(ctx, workloadName(sid))
			if err == nil && info.ServiceURL != "" && info.ServiceURL != orchestrator.PendingServiceURL {
				student.Codespace.URL = info.ServiceURL
				_ = c.store.Write(ctx, student)
			}
		}
		if student.Codespace.URL == "" {
			return URLResult{Kind: URLPending}, nil
		}
		return URLResult{Kind: URLKnown, URL: student.Codespace.URL}, nil
	case store.StatusStarting:
		return URLResult{Kind: URLPending}, nil
	default:
		return URLResult{Kind: URLNone}, nil
	}
}

// WatchAll snapshots the roster and ticks every sid concurrently, bounded
// by Config.WatchConcurrency. One sid's failure never aborts the sweep.
func (c *Controller) WatchAll(ctx context.Context) error {
	start := time.Now()
	defer func() { telemetry.WatchTickDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := c.store.AllIDs(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := c.cfg.WatchConcurrency
	if limit <= 0 {
		limit = 16
	}
	g.SetLimit(limit)

	for _, sid := range ids {
		sid := sid
		g.Go(func() error {
			if err := c.tick(gctx, sid); err != nil {
				c.logger.Warn("watch tick failed", "sid", sid, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// tick reconciles a single sid: it resolves any pending Starting
// transition, then applies the Running quota guard, evicting
// (suspend + accumulate usage) when the quota has been exhausted.
func (c *Controller) tick(ctx context.Context, sid string) error {
	lock := c.lockFor(sid)
	lock.Lock()
	defer lock.Unlock()

	student, err := c.store.Read(ctx, sid)
	if err != nil {
		return err
	}

	switch student.Codespace.Status {
	case store.StatusStopped, store.StatusFailed, store.StatusDeleted:
		return nil
	case store.StatusStarting:
		return c.observeStarting(ctx, student)
	case store.StatusRunning:
		return c.tickRunning(ctx, student)
	default:
		return nil
	}
}

func (c *Controller) observeStarting(ctx context.Context, student store.Student) error {
	info, err := c.adapter.Info(ctx, workloadName(student.SID))
	if err != nil {
		if apierrors.Is(err, apierrors.KindNotFound) {
			student.Codespace.Status = store.StatusStopped
			student.Codespace.URL = ""
			return c.store.Write(ctx, student)
		}
		return err
	}

	switch info.Status {
	case orchestrator.StatusRunning:
		if info.ServiceURL == "" || info.ServiceURL == orchestrator.PendingServiceURL {
			return nil
		}
		now := nowUnix()
		student.Codespace.Status = store.StatusRunning
		student.Codespace.URL = info.ServiceURL
		student.Codespace.LastStart = now
		student.Codespace.LastActive = now
		student.Codespace.LastWatch = now
		return c.store.Write(ctx, student)
	case orchestrator.StatusFailed:
		student.Codespace.Status = store.StatusFailed
		student.Codespace.URL = ""
		return c.store.Write(ctx, student)
	default:
		return nil
	}
}

func (c *Controller) tickRunning(ctx context.Context, student store.Student) error {
	now := nowUnix()
	elapsed := now - student.Codespace.LastWatch

	quotaExhausted := student.Codespace.TimeQuota > 0 &&
		int64(elapsed)+student.Codespace.TimeUsed >= student.Codespace.TimeQuota

	if quotaExhausted {
		suspendErr := c.adapter.Suspend(ctx, workloadName(student.SID))

		base := student.Codespace.LastStart
		if student.Codespace.LastWatch > base {
			base = student.Codespace.LastWatch
		}
		student.Codespace.TimeUsed += int64(now - base)
		student.Codespace.Status = store.StatusStopped
		student.Codespace.URL = ""
		student.Codespace.LastStop = now

		if err := c.store.Write(ctx, student); err != nil {
			return err
		}
		if suspendErr != nil {
			c.logger.Warn("eviction suspend failed", "sid", student.SID, "error", suspendErr)
		}

		telemetry.CodespaceEvictionsTotal.Inc()
		c.notify.NotifyEviction(ctx, student.SID)
		return nil
	}

	student.Codespace.TimeUsed += int64(elapsed)
	student.Codespace.LastWatch = now
	c.sampleSpaceUsed(student.SID, &student)
	return c.store.Write(ctx, student)
}

var _ store.LifecycleHook = (*Controller)(nil)
