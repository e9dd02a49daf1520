// Package watchdog implements Watchdog (spec §4.F): periodic health polling
// across every supervised service, with startup grace, bounded recovery
// attempts, exponential-ish notification throttling, and single-flight
// restart orchestration.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	throttle "github.com/boz/go-throttle"

	"github.com/clara-ai/clarad/pkg/bus"
	"github.com/clara-ai/clarad/pkg/health"
)

// Status mirrors ServiceState.status (spec §3).
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusFailed    Status = "failed"
	StatusDisabled  Status = "disabled"
	StatusStopped   Status = "stopped"
)

// Params are the tunables named in spec §4.F.
type Params struct {
	CheckInterval    time.Duration
	StartupGrace     time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	MaxNotifications int
	PostRestartWait  time.Duration
}

// DefaultParams mirrors spec §4.F's constants exactly.
func DefaultParams() Params {
	return Params{
		CheckInterval:    30 * time.Second,
		StartupGrace:     60 * time.Second,
		MaxRetries:       3,
		RetryDelay:       10 * time.Second,
		MaxNotifications: 3,
		PostRestartWait:  15 * time.Second,
	}
}

// Restarter is implemented by whatever owns a supervised service's restart
// action (container restart via pkg/service, or process respawn for a
// native binary / MCP server).
type Restarter func(ctx context.Context) error

// Supervised is one service under Watchdog's care.
type Supervised struct {
	Key             string
	HealthPredicate health.ID
	Restart         Restarter
	// PlatformExcluded marks a ServiceDef whose platform_gate excludes the
	// host OS (spec invariant: Watchdog never calls restart and status stays
	// disabled forever).
	PlatformExcluded bool
}

// state is the mutable per-service record Watchdog owns exclusively (spec
// §3, ServiceState).
type state struct {
	mu                  deadlock.Mutex
	status              Status
	lastCheckAt         time.Time
	consecutiveFailures int
	recovering          bool
	notificationsSent   int
}

// Watchdog supervises every registered service.
type Watchdog struct {
	Log    *logrus.Entry
	Bus    *bus.Bus
	Health *health.Registry
	Params Params

	mu         sync.RWMutex
	services   map[string]*Supervised
	states     map[string]*state
	graceUntil time.Time
	started    bool

	throttler throttle.ThrottleDriver
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New returns a ready-to-use Watchdog.
func New(log *logrus.Entry, b *bus.Bus, reg *health.Registry, params Params) *Watchdog {
	return &Watchdog{
		Log:      log,
		Bus:      b,
		Health:   reg,
		Params:   params,
		services: map[string]*Supervised{},
		states:   map[string]*state{},
		stopCh:   make(chan struct{}),
	}
}

// Register adds a service to supervision. A platform-excluded service is
// pinned to StatusDisabled forever and never evaluated by the tick loop
// (testable property 1).
func (w *Watchdog) Register(s Supervised) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.services[s.Key] = &s
	st := &state{status: StatusStarting}
	if s.PlatformExcluded {
		st.status = StatusDisabled
	}
	w.states[s.Key] = st
}

// Start arms the startup-grace timer and begins the periodic tick loop. The
// grace period can be short-circuited by calling SignalSetupComplete.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.graceUntil = time.Now().Add(w.Params.StartupGrace)
	w.mu.Unlock()

	w.throttler = throttle.ThrottleFunc(time.Second, false, func() { w.tick(ctx) })

	w.wg.Add(1)
	go w.run(ctx)
}

// SignalSetupComplete short-circuits the startup grace timer.
func (w *Watchdog) SignalSetupComplete() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.graceUntil = time.Now()
}

// Stop halts the tick loop and waits for it to exit.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	if w.throttler != nil {
		w.throttler.Stop()
	}
	w.wg.Wait()
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()

	w.mu.RLock()
	grace := time.Until(w.graceUntil)
	w.mu.RUnlock()
	if grace > 0 {
		select {
		case <-time.After(grace):
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(w.Params.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick evaluates every supervised, non-excluded service serially within the
// tick (spec §5: "Watchdog tick is serial per-tick"), but restart attempts
// it launches are async and may overlap across services.
func (w *Watchdog) tick(ctx context.Context) {
	w.mu.RLock()
	keys := make([]string, 0, len(w.services))
	for k := range w.services {
		keys = append(keys, k)
	}
	w.mu.RUnlock()

	for _, key := range keys {
		w.evaluate(ctx, key)
	}
}

// TriggerHealthCheckNow requests an immediate evaluation pass, bypassing the
// ticker (spec §4.F manual control). Repeated calls within the same second
// are coalesced by the throttle (github.com/boz/go-throttle), the same
// "coalesce repeated triggers into one" idiom the teacher uses for its own
// UI-refresh throttling, applied here so a burst of manual trigger requests
// (e.g. several GUI panels asking for a refresh at once) costs one tick
// instead of one per caller.
func (w *Watchdog) TriggerHealthCheckNow(ctx context.Context) {
	if w.throttler != nil {
		w.throttler.Trigger()
		return
	}
	w.tick(ctx) // not yet started: run synchronously so tests/callers still see an effect
}

// ResetFailureCounts clears consecutive_failures and re-arms restart
// eligibility for every service, or for a single key when not empty (spec
// §4.F manual control).
func (w *Watchdog) ResetFailureCounts(key string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for k, st := range w.states {
		if key != "" && k != key {
			continue
		}
		st.mu.Lock()
		st.consecutiveFailures = 0
		st.notificationsSent = 0
		if st.status == StatusFailed {
			st.status = StatusUnknown
		}
		st.mu.Unlock()
	}
}

func (w *Watchdog) evaluate(ctx context.Context, key string) {
	w.mu.RLock()
	svc := w.services[key]
	st := w.states[key]
	w.mu.RUnlock()
	if svc == nil || st == nil || svc.PlatformExcluded {
		return // invariant: disabled services are never evaluated
	}

	err := w.Health.Check(ctx, svc.HealthPredicate)

	st.mu.Lock()
	wasHealthy := st.status == StatusHealthy
	st.lastCheckAt = time.Now()

	if err == nil {
		st.status = StatusHealthy
		st.consecutiveFailures = 0
		st.notificationsSent = 0
		recovering := st.recovering
		st.mu.Unlock()

		w.publishState(key, StatusHealthy, 0)
		if !wasHealthy && !recovering {
			w.notify(key, "restored", key+" is healthy again", bus.LevelSuccess, true)
		}
		return
	}

	st.consecutiveFailures++
	failures := st.consecutiveFailures
	recovering := st.recovering
	st.mu.Unlock()

	if failures > w.Params.MaxRetries {
		st.mu.Lock()
		st.status = StatusFailed
		st.mu.Unlock()
		w.publishState(key, StatusFailed, failures)
		return
	}

	st.status = StatusUnhealthy
	w.publishState(key, StatusUnhealthy, failures)
	w.notifyThrottled(key, st, "health check failing", key+" has failed "+itoa(failures)+" consecutive checks", bus.LevelWarning)

	if !recovering {
		w.launchRestart(ctx, svc, st)
	}
}

// launchRestart enforces single-flight per service (testable property 2):
// the recovering guard is set synchronously before the goroutine is
// launched, so a second evaluate() call within the same or a later tick
// cannot start a concurrent attempt.
func (w *Watchdog) launchRestart(ctx context.Context, svc *Supervised, st *state) {
	st.mu.Lock()
	if st.recovering {
		st.mu.Unlock()
		return
	}
	st.recovering = true
	st.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.attemptRestart(ctx, svc, st)
	}()
}

func (w *Watchdog) attemptRestart(ctx context.Context, svc *Supervised, st *state) {
	defer func() {
		st.mu.Lock()
		st.recovering = false
		st.mu.Unlock()
	}()

	select {
	case <-time.After(w.Params.RetryDelay):
	case <-w.stopCh:
		return
	}

	if err := svc.Restart(ctx); err != nil {
		w.Log.Warnf("restart attempt for %s failed: %v", svc.Key, err)
		return
	}

	select {
	case <-time.After(w.Params.PostRestartWait):
	case <-w.stopCh:
		return
	}

	if err := w.Health.Check(ctx, svc.HealthPredicate); err != nil {
		w.Log.Warnf("post-restart health check for %s still failing: %v", svc.Key, err)
		return
	}

	st.mu.Lock()
	st.status = StatusHealthy
	st.consecutiveFailures = 0
	st.notificationsSent = 0
	st.mu.Unlock()

	w.publishState(svc.Key, StatusHealthy, 0)
	w.notify(svc.Key, "restarted", svc.Key+" was restarted and is healthy", bus.LevelSuccess, true)
}

// notifyThrottled enforces spec §4.F's "at most max_notifications
// warning/periodic notifications per streak" rule.
func (w *Watchdog) notifyThrottled(key string, st *state, title, body string, level bus.Level) {
	st.mu.Lock()
	if st.notificationsSent >= w.Params.MaxNotifications {
		st.mu.Unlock()
		return
	}
	st.notificationsSent++
	st.mu.Unlock()
	w.notify(key, title, body, level, false)
}

// notify always emits restore/success notifications (alwaysEmit=true);
// warning notifications go through notifyThrottled instead.
func (w *Watchdog) notify(key, title, body string, level bus.Level, alwaysEmit bool) {
	if w.Bus == nil {
		return
	}
	w.Bus.Publish(bus.TopicWatchdogNotice, bus.WatchdogNotice{Title: title, Body: body, Level: level})
}

func (w *Watchdog) publishState(key string, status Status, failures int) {
	if w.Bus == nil {
		return
	}
	w.Bus.Publish(bus.TopicServiceState, bus.ServiceState{
		Key:                 key,
		Status:              string(status),
		LastCheckAt:         time.Now(),
		ConsecutiveFailures: failures,
	})
}

// OverallHealth classifies the fleet as healthy/degraded/critical (spec
// §4.F): healthy iff all supervised are healthy, critical iff none are,
// degraded otherwise. Disabled services (platform-excluded) don't count
// either way.
func (w *Watchdog) OverallHealth() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	total, healthy := 0, 0
	for key, svc := range w.services {
		if svc.PlatformExcluded {
			continue
		}
		st := w.states[key]
		st.mu.Lock()
		status := st.status
		st.mu.Unlock()
		total++
		if status == StatusHealthy {
			healthy++
		}
	}
	switch {
	case total == 0:
		return "healthy"
	case healthy == total:
		return "healthy"
	case healthy == 0:
		return "critical"
	default:
		return "degraded"
	}
}

// Status returns the current status of one supervised service.
func (w *Watchdog) Status(key string) (Status, int, bool) {
	w.mu.RLock()
	st, ok := w.states[key]
	w.mu.RUnlock()
	if !ok {
		return "", 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, st.consecutiveFailures, true
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
