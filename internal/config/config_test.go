package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Empty(t, cfg.Database.URL)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, "escrow-events", cfg.Kafka.Topic)
	assert.Equal(t, 720*time.Hour, cfg.Redis.NonceTTL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Monitor.Interval)
	assert.Equal(t, 75.0, cfg.Voting.ApprovalThreshold)
	assert.Equal(t, 168*time.Hour, cfg.Voting.Window)
	assert.Equal(t, 1, cfg.Voting.MaxRevisions)
	assert.Equal(t, 3, cfg.Deriver.PMin)
	assert.Equal(t, map[string]float64{"donation": -1, "equity": 0, "loan": 1}, cfg.Deriver.TypeAdjustments)
	assert.Equal(t, "100000", cfg.HighBudgetThreshold.String())

	opts := cfg.EngineOptions()
	assert.Equal(t, "milestone-escrow", opts.App)
	assert.Equal(t, 168*time.Hour, opts.VotingWindow)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"ESCROW_DATABASE_URL":              "postgres://localhost/escrow",
		"ESCROW_KAFKA_BROKERS":             "k1:9092,k2:9092",
		"ESCROW_REDIS_ADDR":                "localhost:6379",
		"ESCROW_LOG_LEVEL":                 "debug",
		"ESCROW_VOTING_APPROVAL_THRESHOLD": "66.5",
		"ESCROW_VOTING_QUORUM_PERCENTAGE":  "20",
		"ESCROW_DERIVER_P_MAX":             "8",
		"ESCROW_HIGH_BUDGET_THRESHOLD":     "250000.50",
	})
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/escrow", cfg.Database.URL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 66.5, cfg.Voting.ApprovalThreshold)
	assert.Equal(t, 20.0, cfg.EngineOptions().QuorumPercentage)
	assert.Equal(t, 8, cfg.DeriverConfig().PMax)
	assert.Equal(t, "250000.5", cfg.HighBudgetThreshold.String())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{name: "unparsable", vars: map[string]string{"ESCROW_VOTING_MAX_REVISIONS": "many"}},
		{name: "threshold above 100", vars: map[string]string{"ESCROW_VOTING_APPROVAL_THRESHOLD": "101"}},
		{name: "negative quorum", vars: map[string]string{"ESCROW_VOTING_QUORUM_PERCENTAGE": "-1"}},
		{name: "zero window", vars: map[string]string{"ESCROW_VOTING_WINDOW": "0s"}},
		{name: "inverted phase bounds", vars: map[string]string{"ESCROW_DERIVER_P_MIN": "9", "ESCROW_DERIVER_P_MAX": "4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.vars)
			assert.Error(t, err)
		})
	}
}
