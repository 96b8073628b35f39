// Package scheduler runs jobs on cron schedules (github.com/robfig/cron/v3).
//
// Each firing becomes a Run with its own id, reachable from the job context
// through RunFromContext and passed to the optional hooks. Jobs get a per-run
// timeout, panics are recovered into errors, and overlapping firings are
// allowed, skipped or delayed per job.
//
//	s := scheduler.New(scheduler.Config{Logger: log})
//	id, err := s.AddWithOptions("@every 30s", probe, scheduler.JobOptions{
//		Name:          "probe",
//		Timeout:       20 * time.Second,
//		OverlapPolicy: scheduler.SkipIfRunning,
//	})
//	s.Start()
//	defer s.Stop()
package scheduler
