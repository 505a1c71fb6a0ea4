package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"AgentFleet/internal/config"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/portalloc"
	"AgentFleet/internal/queue"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/runtime"
	"AgentFleet/internal/runtime/runtimetest"
	"AgentFleet/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

type harness struct {
	sup *Supervisor
	reg *registry.Registry
	rt  *runtimetest.Runtime
}

func testConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		TrainWorkers:   2,
		TrainTimeout:   5 * time.Second,
		StartupTimeout: time.Second,
		ProbeInterval:  10 * time.Millisecond,
		HealthInterval: 20 * time.Millisecond,
		HealthFailures: 2,
		StopGrace:      100 * time.Millisecond,
		LogLines:       50,
	}
}

func newHarness(t *testing.T, rt *runtimetest.Runtime, mutate func(*config.SupervisorConfig)) *harness {
	t.Helper()
	ports, err := portalloc.New(7000, 7099, portalloc.WithStride(2))
	require.NoError(t, err)
	reg := registry.New(registry.NewMemoryStore(), ports, registry.WithLogger(logger.Discard()))

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	q := queue.NewMemoryQueue(16)
	sup := New(reg, rt, q, cfg, WithLogger(logger.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		assert.NoError(t, sup.Shutdown(shutdownCtx))
		cancel()
		assert.NoError(t, <-runDone)
		_ = q.Close()
	})
	return &harness{sup: sup, reg: reg, rt: rt}
}

func (h *harness) create(t *testing.T, name string) {
	t.Helper()
	_, err := h.reg.CreateAgent(context.Background(), name)
	require.NoError(t, err)
}

func (h *harness) status(t *testing.T, name string) registry.Status {
	t.Helper()
	rec, err := h.reg.GetAgent(context.Background(), name)
	require.NoError(t, err)
	return rec.Status
}

func (h *harness) waitStatus(t *testing.T, name string, want registry.Status) registry.Record {
	t.Helper()
	require.Eventually(t, func() bool { return h.status(t, name) == want }, waitFor, 5*time.Millisecond,
		"agent %s never reached %s", name, want)
	rec, err := h.reg.GetAgent(context.Background(), name)
	require.NoError(t, err)
	return rec
}

func (h *harness) trained(t *testing.T, name string) {
	t.Helper()
	h.create(t, name)
	_, err := h.sup.Train(context.Background(), name)
	require.NoError(t, err)
	h.waitStatus(t, name, registry.StatusReady)
}

func (h *harness) running(t *testing.T, name string) {
	t.Helper()
	h.trained(t, name)
	_, err := h.sup.Start(context.Background(), name)
	require.NoError(t, err)
}

// blockingTrain 返回一个阻塞到 ctx 结束或 release 关闭的训练函数。
func blockingTrain(entered chan<- string, release <-chan struct{}) func(context.Context, string) error {
	return func(ctx context.Context, agent string) error {
		if entered != nil {
			entered <- agent
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}
}

func TestTrainTransitionsToReady(t *testing.T) {
	h := newHarness(t, &runtimetest.Runtime{}, nil)
	h.create(t, "sales")

	rec, err := h.sup.Train(context.Background(), "sales")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusTraining, rec.Status)

	ready := h.waitStatus(t, "sales", registry.StatusReady)
	assert.NotZero(t, ready.TrainedAt)
	assert.Empty(t, ready.LastError)
	assert.Equal(t, 1, h.rt.Trains("sales"))
	assert.Contains(t, h.sup.Logs("sales", 0), "training sales")
}

func TestTrainUnknownAgent(t *testing.T) {
	h := newHarness(t, &runtimetest.Runtime{}, nil)
	_, err := h.sup.Train(context.Background(), "ghost")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestTrainWhileTrainingIsBusyAndBlocksStart(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan string, 1)
	h := newHarness(t, &runtimetest.Runtime{TrainFunc: blockingTrain(entered, release)}, nil)
	h.create(t, "sales")

	_, err := h.sup.Train(context.Background(), "sales")
	require.NoError(t, err)
	<-entered

	_, err = h.sup.Train(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeBusy, xerrors.CodeOf(err))
	_, err = h.sup.Start(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeInvalidState, xerrors.CodeOf(err))

	close(release)
	h.waitStatus(t, "sales", registry.StatusReady)
}

func TestTrainFailureKeepsReason(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	rt := &runtimetest.Runtime{TrainFunc: func(context.Context, string) error {
		if fail.Load() {
			return errors.New("data/nlu.yml: invalid intent")
		}
		return nil
	}}
	h := newHarness(t, rt, nil)
	h.create(t, "sales")

	_, err := h.sup.Train(context.Background(), "sales")
	require.NoError(t, err)
	rec := h.waitStatus(t, "sales", registry.StatusFailed)
	assert.Contains(t, rec.LastError, "invalid intent")
	assert.Equal(t, string(xerrors.CodeRuntimeFailure), rec.ErrorCode)

	fail.Store(false)
	_, err = h.sup.Train(context.Background(), "sales")
	require.NoError(t, err)
	rec = h.waitStatus(t, "sales", registry.StatusReady)
	assert.Empty(t, rec.LastError)
}

func TestTrainTimeout(t *testing.T) {
	rt := &runtimetest.Runtime{TrainFunc: blockingTrain(nil, nil)}
	h := newHarness(t, rt, func(cfg *config.SupervisorConfig) { cfg.TrainTimeout = 50 * time.Millisecond })
	h.create(t, "sales")

	_, err := h.sup.Train(context.Background(), "sales")
	require.NoError(t, err)
	rec := h.waitStatus(t, "sales", registry.StatusFailed)
	assert.Equal(t, string(xerrors.CodeTimeout), rec.ErrorCode)
}

type failingQueue struct{ *queue.MemoryQueue }

func (failingQueue) Publish(context.Context, queue.Job) error { return errors.New("broker unavailable") }

func TestTrainPublishFailureRevertsStatus(t *testing.T) {
	ports, err := portalloc.New(7000, 7010)
	require.NoError(t, err)
	reg := registry.New(registry.NewMemoryStore(), ports, registry.WithLogger(logger.Discard()))
	sup := New(reg, &runtimetest.Runtime{}, failingQueue{queue.NewMemoryQueue(1)}, testConfig(), WithLogger(logger.Discard()))
	defer func() { require.NoError(t, sup.Shutdown(context.Background())) }()

	ctx := context.Background()
	_, err = reg.CreateAgent(ctx, "sales")
	require.NoError(t, err)

	_, err = sup.Train(ctx, "sales")
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
	rec, err := reg.GetAgent(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCreated, rec.Status)

	// 失败后没有残留的进行中操作。
	_, err = sup.Train(ctx, "sales")
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
}

func TestStartRequiresTrainedAgent(t *testing.T) {
	h := newHarness(t, &runtimetest.Runtime{}, nil)
	h.create(t, "sales")

	_, err := h.sup.Start(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeInvalidState, xerrors.CodeOf(err))
	_, err = h.sup.Start(context.Background(), "ghost")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.Nil(t, h.rt.Process("sales"))
}

func TestStartRespondStop(t *testing.T) {
	h := newHarness(t, &runtimetest.Runtime{}, nil)
	h.trained(t, "sales")
	ctx := context.Background()

	rec, err := h.sup.Start(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, rec.Status)
	assert.Equal(t, h.rt.Process("sales").PID(), rec.PID)
	assert.True(t, h.sup.Running("sales"))

	_, err = h.sup.Start(ctx, "sales")
	assert.Equal(t, xerrors.CodeInvalidState, xerrors.CodeOf(err))

	reply, err := h.sup.Respond(ctx, "sales", "c1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "sales: hi", reply.Messages[0].Text)

	rec, err = h.sup.Stop(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, rec.Status)
	assert.Zero(t, rec.PID)
	assert.True(t, h.rt.Process("sales").Stopped())
	assert.False(t, h.sup.Running("sales"))

	_, err = h.sup.Respond(ctx, "sales", "c1", "hi")
	assert.Equal(t, xerrors.CodeAgentNotRunning, xerrors.CodeOf(err))
	_, err = h.sup.Stop(ctx, "sales")
	assert.Equal(t, xerrors.CodeInvalidState, xerrors.CodeOf(err))
	_, err = h.sup.Train(ctx, "sales")
	assert.Equal(t, xerrors.CodeInvalidState, xerrors.CodeOf(err))
	assert.Equal(t, 1, h.rt.Trains("sales"))

	// stopped 可以再次启动，端口不变。
	again, err := h.sup.Start(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, rec.Port, again.Port)
}

func TestStartupTimeoutRestoresStatus(t *testing.T) {
	rt := &runtimetest.Runtime{HealthFunc: func(runtime.Endpoint) error { return errors.New("connection refused") }}
	h := newHarness(t, rt, func(cfg *config.SupervisorConfig) { cfg.StartupTimeout = 80 * time.Millisecond })
	h.trained(t, "sales")

	_, err := h.sup.Start(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeStartupTimeout, xerrors.CodeOf(err))
	assert.True(t, rt.Process("sales").Stopped())
	assert.False(t, h.sup.Running("sales"))

	rec, err := h.reg.GetAgent(context.Background(), "sales")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusReady, rec.Status)
	assert.Equal(t, string(xerrors.CodeStartupTimeout), rec.ErrorCode)
}

func TestStartEarlyExit(t *testing.T) {
	rt := &runtimetest.Runtime{}
	rt.HealthFunc = func(ep runtime.Endpoint) error {
		rt.Process(ep.Agent).Crash(errors.New("exit status 1"))
		return errors.New("connection refused")
	}
	h := newHarness(t, rt, nil)
	h.trained(t, "sales")

	_, err := h.sup.Start(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeRuntimeFailure, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Equal(t, registry.StatusReady, h.status(t, "sales"))
}

func TestConcurrentStartIsBusy(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	rt := &runtimetest.Runtime{HealthFunc: func(runtime.Endpoint) error {
		once.Do(func() { close(entered) })
		<-gate
		return nil
	}}
	h := newHarness(t, rt, nil)
	h.trained(t, "sales")

	first := make(chan error, 1)
	go func() {
		_, err := h.sup.Start(context.Background(), "sales")
		first <- err
	}()
	<-entered

	_, err := h.sup.Start(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeBusy, xerrors.CodeOf(err))
	_, err = h.sup.Stop(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeBusy, xerrors.CodeOf(err))

	close(gate)
	require.NoError(t, <-first)
	assert.Equal(t, registry.StatusRunning, h.status(t, "sales"))
}

func TestCrashIsReportedOnce(t *testing.T) {
	h := newHarness(t, &runtimetest.Runtime{}, nil)
	h.running(t, "sales")

	h.rt.Process("sales").Crash(nil)
	rec := h.waitStatus(t, "sales", registry.StatusFailed)
	assert.True(t, rec.CrashPending)
	assert.Equal(t, string(xerrors.CodeProcessCrashed), rec.ErrorCode)
	assert.False(t, h.sup.Running("sales"))

	_, err := h.sup.Stop(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeProcessCrashed, xerrors.CodeOf(err))
	_, err = h.sup.Stop(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeInvalidState, xerrors.CodeOf(err))

	rec, err = h.reg.GetAgent(context.Background(), "sales")
	require.NoError(t, err)
	assert.False(t, rec.CrashPending)
	assert.Equal(t, registry.StatusFailed, rec.Status)

	// 模型仍在，崩溃后可以直接重启。
	rec, err = h.sup.Start(context.Background(), "sales")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, rec.Status)
	assert.Empty(t, rec.ErrorCode)
}

// crashBeforeRunning 在 Start 写入 running 之前让实例崩溃，并等待监视协程接手。
type crashBeforeRunning struct {
	*registry.Registry
	rt    *runtimetest.Runtime
	sup   func() *Supervisor
	armed atomic.Bool
}

func (c *crashBeforeRunning) Update(ctx context.Context, name string, fn func(*registry.Record) error) (registry.Record, error) {
	if p := c.rt.Process(name); p != nil && p.Alive() && c.armed.CompareAndSwap(true, false) {
		p.Crash(errors.New("exit status 137"))
		for c.sup().Running(name) {
			time.Sleep(time.Millisecond)
		}
	}
	return c.Registry.Update(ctx, name, fn)
}

func TestCrashBeforeRunningIsNotReportedAsStarted(t *testing.T) {
	ports, err := portalloc.New(7000, 7099, portalloc.WithStride(2))
	require.NoError(t, err)
	reg := registry.New(registry.NewMemoryStore(), ports, registry.WithLogger(logger.Discard()))
	ctx := context.Background()
	_, err = reg.CreateAgent(ctx, "sales")
	require.NoError(t, err)
	_, err = reg.Update(ctx, "sales", func(r *registry.Record) error {
		r.Status = registry.StatusReady
		r.TrainedAt = time.Now().Unix()
		return nil
	})
	require.NoError(t, err)

	rt := &runtimetest.Runtime{}
	records := &crashBeforeRunning{Registry: reg, rt: rt}
	q := queue.NewMemoryQueue(1)
	sup := New(records, rt, q, testConfig(), WithLogger(logger.Discard()))
	records.sup = func() *Supervisor { return sup }
	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		assert.NoError(t, sup.Shutdown(shutdownCtx))
		_ = q.Close()
	})

	records.armed.Store(true)
	_, err = sup.Start(ctx, "sales")
	assert.Equal(t, xerrors.CodeProcessCrashed, xerrors.CodeOf(err))
	assert.False(t, records.armed.Load())

	rec, err := reg.GetAgent(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, rec.Status)
	assert.Zero(t, rec.PID)
	assert.False(t, rec.CrashPending)
	assert.False(t, sup.Running("sales"))

	rec, err = sup.Start(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, rec.Status)
	assert.True(t, sup.Running("sales"))
	assert.True(t, rt.Process("sales").Alive())
}

func TestHealthFailuresCountAsCrash(t *testing.T) {
	var unhealthy atomic.Bool
	rt := &runtimetest.Runtime{}
	rt.HealthFunc = func(ep runtime.Endpoint) error {
		if unhealthy.Load() {
			return errors.New("503 service unavailable")
		}
		return nil
	}
	h := newHarness(t, rt, nil)
	h.running(t, "sales")

	unhealthy.Store(true)
	rec := h.waitStatus(t, "sales", registry.StatusFailed)
	assert.Contains(t, rec.LastError, "503")
	assert.True(t, rt.Process("sales").Stopped())

	err := h.sup.TakeCrash(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeProcessCrashed, xerrors.CodeOf(err))
	assert.NoError(t, h.sup.TakeCrash(context.Background(), "sales"))
}

func TestReleaseCancelsRunningTraining(t *testing.T) {
	entered := make(chan string, 1)
	h := newHarness(t, &runtimetest.Runtime{TrainFunc: blockingTrain(entered, nil)}, nil)
	h.create(t, "sales")

	_, err := h.sup.Train(context.Background(), "sales")
	require.NoError(t, err)
	<-entered

	done, err := h.sup.Release(context.Background(), "sales")
	require.NoError(t, err)
	rec, err := h.reg.GetAgent(context.Background(), "sales")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, rec.Status)

	_, err = h.sup.Train(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeBusy, xerrors.CodeOf(err))
	_, err = h.sup.Release(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeBusy, xerrors.CodeOf(err))
	done()

	_, err = h.sup.Train(context.Background(), "sales")
	assert.NoError(t, err)
}

func TestReleaseAbortsQueuedTraining(t *testing.T) {
	entered := make(chan string, 2)
	release := make(chan struct{})
	h := newHarness(t, &runtimetest.Runtime{TrainFunc: blockingTrain(entered, release)},
		func(cfg *config.SupervisorConfig) { cfg.TrainWorkers = 1 })
	h.create(t, "first")
	h.create(t, "second")

	_, err := h.sup.Train(context.Background(), "first")
	require.NoError(t, err)
	<-entered
	_, err = h.sup.Train(context.Background(), "second")
	require.NoError(t, err)

	done, err := h.sup.Release(context.Background(), "second")
	require.NoError(t, err)
	done()
	assert.Equal(t, registry.StatusFailed, h.status(t, "second"))

	close(release)
	h.waitStatus(t, "first", registry.StatusReady)
	// 被取消的任务出队后直接跳过。
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.rt.Trains("second"))
}

func TestReleaseRejectsRunningAgent(t *testing.T) {
	h := newHarness(t, &runtimetest.Runtime{}, nil)
	h.running(t, "sales")

	_, err := h.sup.Release(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeInvalidState, xerrors.CodeOf(err))
}

func TestShutdownStopsEverything(t *testing.T) {
	h := newHarness(t, &runtimetest.Runtime{}, nil)
	h.running(t, "sales")
	h.running(t, "support")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))

	for _, name := range []string{"sales", "support"} {
		assert.Equal(t, registry.StatusStopped, h.status(t, name))
		assert.True(t, h.rt.Process(name).Stopped())
	}
	_, err := h.sup.Start(context.Background(), "sales")
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
