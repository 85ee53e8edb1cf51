package worker

import (
	"context"
	"fmt"
	"time"

	"crmflow/utils"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// HourlySpec fires at the top of every hour
const HourlySpec = "0 * * * *"

// ScheduledRunner fans out scheduled workflows due at a given time
type ScheduledRunner interface {
	RunScheduledTriggers(ctx context.Context, now time.Time) (int, error)
}

type ScheduledTriggerWorker struct {
	runner ScheduledRunner
	logger logrus.FieldLogger
	spec   string
}

func NewScheduledTriggerWorker(runner ScheduledRunner, logger logrus.FieldLogger) *ScheduledTriggerWorker {
	return &ScheduledTriggerWorker{
		runner: runner,
		logger: logger.WithField("worker", "scheduled_trigger"),
		spec:   HourlySpec,
	}
}

func (sw *ScheduledTriggerWorker) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(sw.spec, func() { sw.Tick(ctx, time.Now()) }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", sw.spec, err)
	}

	sw.logger.Info("Starting scheduled trigger worker...")
	c.Start()

	<-ctx.Done()
	sw.logger.Info("Stopping scheduled trigger worker...")
	<-c.Stop().Done()
	return nil
}

// Tick runs one sweep for the hour containing now
func (sw *ScheduledTriggerWorker) Tick(ctx context.Context, now time.Time) {
	n, err := sw.runner.RunScheduledTriggers(ctx, now)
	if err != nil {
		utils.LogError("scheduled_trigger", err, map[string]interface{}{
			"at":       now.UTC().Format(time.RFC3339),
			"enqueued": n,
		})
		return
	}
	sw.logger.WithFields(logrus.Fields{
		"at":       now.UTC().Format(time.RFC3339),
		"enqueued": n,
	}).Info("Scheduled triggers fired")
}
