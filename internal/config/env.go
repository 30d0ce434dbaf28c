package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	EnvBrokerURL        = "TASKPULSE_BROKER_URL"
	EnvDisableScheduler = "TASKPULSE_DISABLE_SCHEDULER"
)

// applyEnv layers environment overrides on top of the file. lookup is
// os.LookupEnv outside tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvBrokerURL); ok {
		cfg.Broker.URL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDisableScheduler); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDisableScheduler, err)
		}
		cfg.Scheduler.Disabled = b
	}
	return nil
}
