package internal

import (
	log "github.com/sirupsen/logrus"
)

// setupCronJobs wires the periodic jobs: the polling tick, lease renewal and
// the expiry sweeps. Schedules are validated by Config.Validate.
func (s *Server) setupCronJobs() error {
	if err := s.cron.AddFunc(s.config.PollSchedule, func() {
		if err := s.poller.EnqueueDueFeeds(); err != nil {
			log.WithError(err).Error("error enqueueing due feeds")
		}
	}); err != nil {
		return err
	}

	if err := s.cron.AddFunc(s.config.RenewSchedule, func() {
		if err := s.external.RenewSubscriptions(); err != nil {
			log.WithError(err).Error("error renewing external subscriptions")
		}
		if err := s.external.CleanupExpiredVerifications(); err != nil {
			log.WithError(err).Error("error cleaning up expired verifications")
		}
	}); err != nil {
		return err
	}

	if err := s.cron.AddFunc(s.config.SweepSchedule, func() {
		if err := s.hub.ClearExpiredSubscriptions(); err != nil {
			log.WithError(err).Error("error sweeping expired subscriptions")
		}
	}); err != nil {
		return err
	}

	return nil
}
