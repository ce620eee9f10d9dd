package task

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

type task struct {
	function    func()
	interval    time.Duration
	name        string
	latency     prometheus.Observer
	stopChannel chan struct{}
}

// BackgroundTaskManager runs functions periodically on their own goroutines until stopped.
// It is not threadsafe, it should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	clock         clock.Clock
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		clock:         clock.RealClock{},
		wg:            &sync.WaitGroup{},
	}
}

// Register starts backgroundTask immediately and then once per interval. Latency is recorded in the
// histogram <prefix><name>_latency_seconds.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, name string) {
	t := &task{
		function:    backgroundTask,
		interval:    interval,
		name:        name,
		latency:     m.latencyHistogram(name),
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(t)
	m.tasks = append(m.tasks, t)
}

// StopAll stops every task and waits up to timeout for them to return. It reports whether the wait
// timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, t := range m.tasks {
		close(t.stopChannel)
	}
	m.tasks = nil
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(t *task) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(t)
		for {
			select {
			case <-m.clock.After(t.interval):
			case <-t.stopChannel:
				return
			}
			m.run(t)
		}
	}()
}

func (m *BackgroundTaskManager) run(t *task) {
	start := m.clock.Now()
	t.function()
	t.latency.Observe(m.clock.Since(start).Seconds())
}

// latencyHistogram returns the histogram for a task, reusing the registered one when a task of the same
// name was registered by an earlier manager.
func (m *BackgroundTaskManager) latencyHistogram(name string) prometheus.Observer {
	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + name + "_latency_seconds",
			Help:    "Background loop " + name + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		})
	err := prometheus.Register(histogram)
	if err == nil {
		return histogram
	}
	var alreadyRegistered prometheus.AlreadyRegisteredError
	if errors.As(err, &alreadyRegistered) {
		if existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram); ok {
			return existing
		}
	}
	log.WithError(err).Warnf("Latency of background task %s will not be exported", name)
	return histogram
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}
