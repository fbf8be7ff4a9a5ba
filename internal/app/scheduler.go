/**
 * @description
 * Cron scheduler setup for the recurring settlement run.
 */
package app

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the recurring settlement trigger.
type Scheduler struct {
	cron     *cron.Cron
	service  *Service
	schedule string
}

// NewScheduler creates a new scheduler instance. The schedule uses standard
// five-field cron syntax.
func NewScheduler(service *Service, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		service:  service,
		schedule: schedule,
	}
}

// Start registers the settlement job and starts the cron scheduler. Overlap
// protection lives in the service's run guard, not here, so a manual trigger
// and the cron trigger contend on the same guard.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.service.TriggerSettlementRun(context.Background()); err != nil {
			log.Printf("level=error component=scheduler msg=\"scheduled settlement run failed\" err=%v", err)
		}
	})
	if err != nil {
		return err
	}
	log.Printf("level=info component=scheduler msg=\"settlement run scheduled\" schedule=%q", s.schedule)
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler. The returned context is done once
// any in-flight job has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
