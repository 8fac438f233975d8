package runner

import (
	"sync"
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/coverage"
	"github.com/ethpandaops/rpgtestoor/pkg/results"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
	"github.com/sirupsen/logrus"
)

// Observer receives lifecycle events of a run. Items are test cases,
// or test suites for events that are not tied to a declared case.
// Calls are serialized by the runner.
type Observer interface {
	Started(item suite.Item)
	Passed(item suite.Item, duration time.Duration)
	Failed(item suite.Item, messages []results.Message, duration time.Duration)
	Errored(item suite.Item, messages []results.Message, duration time.Duration)
	Skipped(item suite.Item, reason string)
	Compiled(s *suite.TestSuite, messages []results.Message, ok bool)
	Warning(item suite.Item, message string)
	Finished(metrics *Metrics, merged []*coverage.Merged)
}

// BaseObserver implements Observer with no-ops for embedding.
type BaseObserver struct{}

var _ Observer = BaseObserver{}

func (BaseObserver) Started(suite.Item) {}
func (BaseObserver) Passed(suite.Item, time.Duration) {}
func (BaseObserver) Failed(suite.Item, []results.Message, time.Duration) {}
func (BaseObserver) Errored(suite.Item, []results.Message, time.Duration) {}
func (BaseObserver) Skipped(suite.Item, string) {}
func (BaseObserver) Compiled(*suite.TestSuite, []results.Message, bool) {}
func (BaseObserver) Warning(suite.Item, string) {}
func (BaseObserver) Finished(*Metrics, []*coverage.Merged) {}

// observers fans events out to every registered observer under one lock.
type observers struct {
	mu   sync.Mutex
	list []Observer
}

func (o *observers) each(fn func(Observer)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, obs := range o.list {
		fn(obs)
	}
}

func (o *observers) started(item suite.Item) {
	o.each(func(obs Observer) { obs.Started(item) })
}

func (o *observers) passed(item suite.Item, d time.Duration) {
	o.each(func(obs Observer) { obs.Passed(item, d) })
}

func (o *observers) failed(item suite.Item, msgs []results.Message, d time.Duration) {
	o.each(func(obs Observer) { obs.Failed(item, msgs, d) })
}

func (o *observers) errored(item suite.Item, msgs []results.Message, d time.Duration) {
	o.each(func(obs Observer) { obs.Errored(item, msgs, d) })
}

func (o *observers) skipped(item suite.Item, reason string) {
	o.each(func(obs Observer) { obs.Skipped(item, reason) })
}

func (o *observers) compiled(s *suite.TestSuite, msgs []results.Message, ok bool) {
	o.each(func(obs Observer) { obs.Compiled(s, msgs, ok) })
}

func (o *observers) warning(item suite.Item, msg string) {
	o.each(func(obs Observer) { obs.Warning(item, msg) })
}

func (o *observers) finished(m *Metrics, merged []*coverage.Merged) {
	o.each(func(obs Observer) { obs.Finished(m, merged) })
}

// LogObserver writes every event to a logger.
type LogObserver struct {
	log logrus.FieldLogger
}

var _ Observer = (*LogObserver)(nil)

// NewLogObserver creates a LogObserver.
func NewLogObserver(log logrus.FieldLogger) *LogObserver {
	return &LogObserver{log: log.WithField("component", "progress")}
}

func (l *LogObserver) item(item suite.Item) logrus.FieldLogger {
	return l.log.WithField("id", item.ID())
}

func (l *LogObserver) Started(item suite.Item) {
	l.item(item).Debug("Started")
}

func (l *LogObserver) Passed(item suite.Item, d time.Duration) {
	l.item(item).WithField("duration", d).Info("Passed")
}

func (l *LogObserver) Failed(item suite.Item, msgs []results.Message, d time.Duration) {
	l.messages(l.item(item).WithField("duration", d), msgs, "Failed")
}

func (l *LogObserver) Errored(item suite.Item, msgs []results.Message, d time.Duration) {
	l.messages(l.item(item).WithField("duration", d), msgs, "Errored")
}

func (l *LogObserver) Skipped(item suite.Item, reason string) {
	l.item(item).WithField("reason", reason).Info("Skipped")
}

func (l *LogObserver) Compiled(s *suite.TestSuite, msgs []results.Message, ok bool) {
	if ok {
		l.item(s).Info("Compiled")

		return
	}

	l.messages(l.item(s), msgs, "Compilation failed")
}

func (l *LogObserver) Warning(item suite.Item, msg string) {
	l.item(item).Warn(msg)
}

func (l *LogObserver) Finished(m *Metrics, merged []*coverage.Merged) {
	l.log.WithFields(logrus.Fields{
		"run_id":     m.RunID,
		"passed":     m.TestCases.Passed,
		"failed":     m.TestCases.Failed,
		"errored":    m.TestCases.Errored,
		"skipped":    m.TestCases.Skipped,
		"assertions": m.Assertions,
		"elapsed":    m.Elapsed.Round(time.Millisecond),
		"coverage":   len(merged),
	}).Info("Run finished")
}

func (l *LogObserver) messages(log logrus.FieldLogger, msgs []results.Message, what string) {
	if len(msgs) == 0 {
		log.Warn(what)

		return
	}

	for _, m := range msgs {
		entry := log
		if m.Line != nil {
			entry = entry.WithField("line", *m.Line)
		}

		entry.Warn(what + ": " + m.Text)
	}
}
