package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/privacyscore/scanner/internal/model"
)

type Config struct {
	Workers  int
	Cooldown time.Duration
	Timeout  time.Duration
	Sweep    Timer
	// Rescan schedules every list periodically when set.
	Rescan *Timer
}

// Timer is a cron expression or, when Cron is empty, a fixed interval.
type Timer struct {
	Cron  string
	Every time.Duration
}

// NewConfig parses the scheduler section of the configuration.
func NewConfig(cfg model.Scheduler) (Config, error) {
	var errs []error
	cooldown, err := model.ParseDuration(cfg.Cooldown)
	if err != nil {
		errs = append(errs, fmt.Errorf("scheduler.cooldown: %w", err))
	}
	timeout, err := model.ParseDuration(cfg.Timeout)
	if err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timeout: %w", err))
	}
	if err == nil && timeout <= 0 {
		errs = append(errs, errors.New("scheduler.timeout: must be positive"))
	}
	sweep, err := newTimer(cfg.Sweep)
	if err != nil {
		errs = append(errs, fmt.Errorf("scheduler.sweep: %w", err))
	}
	var rescan *Timer
	if cfg.Rescan != nil {
		t, err := newTimer(*cfg.Rescan)
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduler.rescan: %w", err))
		}
		rescan = &t
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return Config{
		Workers:  max(cfg.Workers, 1),
		Cooldown: cooldown,
		Timeout:  timeout,
		Sweep:    sweep,
		Rescan:   rescan,
	}, nil
}

func newTimer(t model.Timer) (Timer, error) {
	switch {
	case t.Cron != "":
		if err := model.ParseCron(t.Cron); err != nil {
			return Timer{}, fmt.Errorf("parsing cron: %w", err)
		}
		return Timer{Cron: t.Cron}, nil
	case t.Every != "":
		d, err := model.ParseDuration(t.Every)
		if err != nil {
			return Timer{}, fmt.Errorf("parsing every: %w", err)
		}
		if d <= 0 {
			return Timer{}, errors.New("every must be positive")
		}
		return Timer{Every: d}, nil
	default:
		return Timer{}, errors.New("both cron and every are empty")
	}
}
