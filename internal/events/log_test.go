package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	domain "github.com/sheikh-saqib/milestone-escrow/internal/models/events"
)

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))

	err := p.Publish(context.Background(), domain.CampaignTransitioned{CampaignID: "c1", From: "draft", To: "active"})
	require.NoError(t, err)

	entries := logs.FilterMessage("domain event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, domain.TypeCampaignTransitioned, fields["type"])
	assert.Equal(t, "c1", fields["campaign_id"])
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Publish(context.Background(), domain.RefundsIssued{CampaignID: "c1"}))
	assert.Equal(t, []string{domain.TypeRefundsIssued}, r.Types())

	boom := errors.New("broker down")
	r.FailWith(boom)
	assert.ErrorIs(t, r.Publish(context.Background(), domain.RefundsIssued{}), boom)
	assert.Len(t, r.Events(), 1)
}
