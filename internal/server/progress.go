package server

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/events"
)

// ProgressReporter logs coordinator progress on a cron schedule and appends every finished
// global round to a results CSV.
type ProgressReporter struct {
	logger          hclog.Logger
	status          StatusSource
	eventBus        *events.EventBus
	cronScheduler   *cron.Cron
	resultsFileName string

	mu       sync.Mutex
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewProgressReporter builds a reporter. An empty resultsFileName skips the CSV.
func NewProgressReporter(logger hclog.Logger, status StatusSource, eventBus *events.EventBus, resultsFileName string) *ProgressReporter {
	return &ProgressReporter{
		logger:          logger,
		status:          status,
		eventBus:        eventBus,
		cronScheduler:   cron.New(cron.WithSeconds()),
		resultsFileName: resultsFileName,
		stopped:         make(chan struct{}),
	}
}

// Start subscribes to coordinator events and schedules the progress log, e.g. "@every 30s".
func (reporter *ProgressReporter) Start(schedule string) error {
	if reporter.eventBus != nil {
		roundFinishedChan := make(chan events.Event, 16)
		reporter.eventBus.Subscribe(common.ROUND_FINISHED_EVENT_TYPE, roundFinishedChan)
		trainingStoppedChan := make(chan events.Event, 1)
		reporter.eventBus.Subscribe(common.TRAINING_STOPPED_EVENT_TYPE, trainingStoppedChan)
		go reporter.eventHandler(roundFinishedChan, trainingStoppedChan)
	}

	if _, err := reporter.cronScheduler.AddFunc(schedule, reporter.logProgress); err != nil {
		return fmt.Errorf("invalid progress schedule %q: %w", schedule, err)
	}
	reporter.cronScheduler.Start()
	return nil
}

func (reporter *ProgressReporter) Stop() {
	<-reporter.cronScheduler.Stop().Done()
}

// Stopped is closed once the coordinator reports that training has stopped.
func (reporter *ProgressReporter) Stopped() <-chan struct{} {
	return reporter.stopped
}

func (reporter *ProgressReporter) logProgress() {
	status := reporter.status.Status()
	reporter.logger.Info(fmt.Sprintf("Progress: state %s, round %d, %d rounds remaining, registered %v of %v",
		status.State, status.Round, status.RemainingRounds, status.Registered, status.Expected))
	if len(status.Accuracies) > 0 {
		reporter.logger.Info(fmt.Sprintf("Accuracy: last %.4f, average %.4f",
			status.Accuracies[len(status.Accuracies)-1], common.CalculateAverageFloat64(status.Accuracies)))
	}
}

func (reporter *ProgressReporter) eventHandler(roundFinishedChan <-chan events.Event, trainingStoppedChan <-chan events.Event) {
	for {
		select {
		case event := <-roundFinishedChan:
			roundFinishedEvent, ok := event.Data.(events.RoundFinishedEvent)
			if !ok {
				reporter.logger.Info("Invalid event data")
				continue
			}
			reporter.logger.Info(fmt.Sprintf("Global round %d finished: %s, accuracy %.4f, %d rounds remaining",
				roundFinishedEvent.Round, roundFinishedEvent.Outcome, roundFinishedEvent.Accuracy, roundFinishedEvent.RemainingRounds))
			if err := reporter.writeResult(event.Timestamp, roundFinishedEvent); err != nil {
				reporter.logger.Error("Error writing results", "error", err)
			}
		case event := <-trainingStoppedChan:
			trainingStoppedEvent, ok := event.Data.(events.TrainingStoppedEvent)
			if !ok {
				reporter.logger.Info("Invalid event data")
				continue
			}
			reporter.logger.Info(fmt.Sprintf("Training finished after %d rounds! Exit message: %s",
				trainingStoppedEvent.RoundsCompleted, trainingStoppedEvent.ExitMessage))
			reporter.stopOnce.Do(func() { close(reporter.stopped) })
			return
		}
	}
}

func (reporter *ProgressReporter) writeResult(timestamp time.Time, event events.RoundFinishedEvent) error {
	if reporter.resultsFileName == "" {
		return nil
	}

	reporter.mu.Lock()
	defer reporter.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(reporter.resultsFileName), 0777); err != nil {
		return err
	}
	_, statErr := os.Stat(reporter.resultsFileName)
	newFile := os.IsNotExist(statErr)

	file, err := os.OpenFile(reporter.resultsFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if newFile {
		writer.Write([]string{"Timestamp", "Round", "Outcome", "Accuracy", "RemainingRounds"})
	}
	writer.Write([]string{
		timestamp.Format(time.RFC3339),
		strconv.Itoa(event.Round),
		event.Outcome,
		strconv.FormatFloat(event.Accuracy, 'f', 4, 64),
		strconv.Itoa(event.RemainingRounds),
	})
	writer.Flush()
	return writer.Error()
}

// ResultsFileName is a results path inside dir stamped with the current minute.
func ResultsFileName(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("results_%s.csv", time.Now().Format("2006-01-02_15-04")))
}
