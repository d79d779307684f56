package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Database: DatabaseConfig{
			Host:   "localhost",
			User:   "test",
			DBName: "test",
		},
		Discovery: DiscoveryConfig{
			BatchSize:       200,
			BodyProbeBudget: 10,
			FetchBatchSize:  50,
		},
		FanOut: FanOutConfig{
			MaxUIDsPerAccount: 500,
			PerAccountCap:     100,
			Workers:           4,
		},
		Manual: ManualConfig{
			DefaultLimit: 50,
			MaxLimit:     500,
		},
		Scheduler: SchedulerConfig{
			IntervalMinutes: 5,
		},
		Jobs: JobsConfig{
			PollSeconds: 2,
			MaxAttempts: 3,
		},
		Queue: QueueConfig{
			Workers: 4,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing server port", func(c *Config) { c.Server.Port = "" }},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"missing database user", func(c *Config) { c.Database.User = "" }},
		{"negative body probe budget", func(c *Config) { c.Discovery.BodyProbeBudget = -1 }},
		{"manual default above max", func(c *Config) { c.Manual.DefaultLimit = 1000 }},
		{"zero scheduler interval", func(c *Config) { c.Scheduler.IntervalMinutes = 0 }},
		{"zero jobs poll interval", func(c *Config) { c.Jobs.PollSeconds = 0 }},
		{"zero queue workers", func(c *Config) { c.Queue.Workers = 0 }},
		{"zero fanout workers", func(c *Config) { c.FanOut.Workers = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigAllowsUnlimitedCaps(t *testing.T) {
	// Zero caps mean unlimited, not invalid.
	cfg := validConfig()
	cfg.Discovery.BatchSize = 0
	cfg.FanOut.PerAccountCap = 0
	cfg.FanOut.MaxUIDsPerAccount = 0
	cfg.Manual.MaxLimit = 0
	assert.NoError(t, cfg.Validate())
}

func TestDatabaseDSN(t *testing.T) {
	config := DatabaseConfig{
		Host:     "localhost",
		Port:     3306,
		User:     "testuser",
		Password: "testpass",
		DBName:   "testdb",
	}

	dsn := config.GetDSN()
	expected := "testuser:testpass@tcp(localhost:3306)/testdb?charset=utf8mb4&parseTime=True&loc=Local"
	assert.Equal(t, expected, dsn)
}
