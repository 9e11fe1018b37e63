package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultTickSpec fires the tick function once a minute.
const DefaultTickSpec = "* * * * *"

// Cron provides cron-based tick scheduling.
type Cron struct {
	cron *cron.Cron
}

// NewCron creates and starts a cron scheduler using the standard 5-field parser
// (min, hour, dom, month, dow). Panics in jobs are recovered and logged.
func NewCron() *Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Cron{cron: c}
}

// AddJob schedules fn using the provided cron expression.
// It returns an error if the expression is invalid.
func (c *Cron) AddJob(expr string, fn func()) error {
	if expr == "" {
		expr = DefaultTickSpec
	}
	_, err := c.cron.AddFunc(expr, fn)
	if err != nil {
		return err
	}
	slog.Debug("Cron.AddJob: job scheduled", "spec", expr)
	return nil
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (c *Cron) Stop() {
	<-c.cron.Stop().Done()
}
