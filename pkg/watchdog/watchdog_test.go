package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clarad/pkg/bus"
	"github.com/clara-ai/clarad/pkg/health"
)

func testLogger() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func fastParams() Params {
	return Params{
		CheckInterval:    time.Hour, // never fires on its own during these tests
		StartupGrace:     0,
		MaxRetries:       2,
		RetryDelay:       time.Millisecond,
		MaxNotifications: 1,
		PostRestartWait:  time.Millisecond,
	}
}

func TestRegisterPlatformExcludedStaysDisabledAndUnevaluated(t *testing.T) {
	reg := health.NewRegistry()
	var checked int32
	reg.Register(health.ID("x"), func(ctx context.Context) error {
		atomic.AddInt32(&checked, 1)
		return nil
	})

	w := New(testLogger(), bus.New(), reg, fastParams())
	w.Register(Supervised{Key: "comfyui", HealthPredicate: health.ID("x"), PlatformExcluded: true})

	w.TriggerHealthCheckNow(context.Background())

	status, _, ok := w.Status("comfyui")
	require.True(t, ok)
	assert.Equal(t, StatusDisabled, status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&checked), "a disabled service must never be health-checked")
}

func TestEvaluateMarksHealthy(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register(health.ID("x"), func(ctx context.Context) error { return nil })

	w := New(testLogger(), bus.New(), reg, fastParams())
	w.Register(Supervised{Key: "n8n", HealthPredicate: health.ID("x")})

	w.TriggerHealthCheckNow(context.Background())

	status, failures, ok := w.Status("n8n")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, status)
	assert.Equal(t, 0, failures)
}

func TestEvaluateAccumulatesFailuresThenFails(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register(health.ID("x"), func(ctx context.Context) error { return errors.New("down") })

	params := fastParams()
	params.MaxRetries = 2
	w := New(testLogger(), bus.New(), reg, params)
	w.Register(Supervised{Key: "n8n", HealthPredicate: health.ID("x"), Restart: func(ctx context.Context) error { return nil }})

	// Three consecutive failing ticks: first two stay unhealthy (each launches
	// a restart that succeeds, but the post-restart check still fails and
	// recovering settles back to false), the third exceeds MaxRetries and is
	// marked failed.
	for i := 0; i < 3; i++ {
		w.TriggerHealthCheckNow(context.Background())
		time.Sleep(10 * time.Millisecond) // let async restart attempts settle
	}

	status, failures, ok := w.Status("n8n")
	require.True(t, ok)
	assert.GreaterOrEqual(t, failures, 1)
	assert.Equal(t, StatusFailed, status)
}

func TestEvaluateUnknownKeyIsNoop(t *testing.T) {
	w := New(testLogger(), bus.New(), health.NewRegistry(), fastParams())
	w.TriggerHealthCheckNow(context.Background()) // no services registered
	_, _, ok := w.Status("nonexistent")
	assert.False(t, ok)
}

func TestNotifyThrottledCapsNotifications(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register(health.ID("x"), func(ctx context.Context) error { return errors.New("down") })

	params := fastParams()
	params.MaxNotifications = 1
	params.MaxRetries = 100 // never escalate to failed within this test
	w := New(testLogger(), bus.New(), reg, params)
	w.Register(Supervised{Key: "n8n", HealthPredicate: health.ID("x"), Restart: func(ctx context.Context) error { return nil }})

	notices, unsubscribe := w.Bus.Subscribe(16)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		w.TriggerHealthCheckNow(context.Background())
		time.Sleep(5 * time.Millisecond)
	}

	warningCount := 0
drain:
	for {
		select {
		case ev := <-notices:
			if n, ok := ev.Payload.(bus.WatchdogNotice); ok && n.Level == bus.LevelWarning {
				warningCount++
			}
		default:
			break drain
		}
	}
	assert.LessOrEqual(t, warningCount, 1, "warning notifications must be capped at MaxNotifications")
}

func TestLaunchRestartIsSingleFlight(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register(health.ID("x"), func(ctx context.Context) error { return errors.New("down") })

	var restartCalls int32
	var mu sync.Mutex
	params := fastParams()
	params.RetryDelay = 20 * time.Millisecond
	params.MaxRetries = 100
	w := New(testLogger(), bus.New(), reg, params)
	w.Register(Supervised{
		Key:             "n8n",
		HealthPredicate: health.ID("x"),
		Restart: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			atomic.AddInt32(&restartCalls, 1)
			return nil
		},
	})

	// Fire two ticks back-to-back, before the first restart attempt's
	// RetryDelay has elapsed: the second must be suppressed by the
	// recovering guard.
	w.TriggerHealthCheckNow(context.Background())
	w.TriggerHealthCheckNow(context.Background())

	time.Sleep(100 * time.Millisecond)
	w.wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&restartCalls))
}

func TestOverallHealthAllHealthy(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register(health.ID("a"), func(ctx context.Context) error { return nil })
	reg.Register(health.ID("b"), func(ctx context.Context) error { return nil })

	w := New(testLogger(), bus.New(), reg, fastParams())
	w.Register(Supervised{Key: "a", HealthPredicate: health.ID("a")})
	w.Register(Supervised{Key: "b", HealthPredicate: health.ID("b")})
	w.TriggerHealthCheckNow(context.Background())

	assert.Equal(t, "healthy", w.OverallHealth())
}

func TestOverallHealthDegradedAndCritical(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register(health.ID("a"), func(ctx context.Context) error { return nil })
	reg.Register(health.ID("b"), func(ctx context.Context) error { return errors.New("down") })

	params := fastParams()
	w := New(testLogger(), bus.New(), reg, params)
	w.Register(Supervised{Key: "a", HealthPredicate: health.ID("a")})
	w.Register(Supervised{Key: "b", HealthPredicate: health.ID("b"), Restart: func(ctx context.Context) error { return nil }})
	w.TriggerHealthCheckNow(context.Background())

	assert.Equal(t, "degraded", w.OverallHealth())

	critical := New(testLogger(), bus.New(), reg, params)
	critical.Register(Supervised{Key: "b", HealthPredicate: health.ID("b"), Restart: func(ctx context.Context) error { return nil }})
	critical.TriggerHealthCheckNow(context.Background())

	assert.Equal(t, "critical", critical.OverallHealth())
}

func TestOverallHealthIgnoresPlatformExcluded(t *testing.T) {
	reg := health.NewRegistry()
	w := New(testLogger(), bus.New(), reg, fastParams())
	w.Register(Supervised{Key: "windows-only", PlatformExcluded: true})

	assert.Equal(t, "healthy", w.OverallHealth(), "an all-excluded fleet counts as healthy, not critical")
}

func TestResetFailureCountsClearsFailedStatus(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register(health.ID("x"), func(ctx context.Context) error { return errors.New("down") })

	params := fastParams()
	params.MaxRetries = 0 // fail on the very first check
	w := New(testLogger(), bus.New(), reg, params)
	w.Register(Supervised{Key: "n8n", HealthPredicate: health.ID("x"), Restart: func(ctx context.Context) error { return nil }})
	w.TriggerHealthCheckNow(context.Background())

	status, failures, _ := w.Status("n8n")
	require.Equal(t, StatusFailed, status)
	require.Greater(t, failures, 0)

	w.ResetFailureCounts("n8n")
	status, failures, _ = w.Status("n8n")
	assert.Equal(t, StatusUnknown, status)
	assert.Equal(t, 0, failures)
}

func TestDefaultParamsMatchesSpecConstants(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 30*time.Second, p.CheckInterval)
	assert.Equal(t, 60*time.Second, p.StartupGrace)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 10*time.Second, p.RetryDelay)
	assert.Equal(t, 3, p.MaxNotifications)
	assert.Equal(t, 15*time.Second, p.PostRestartWait)
}
