package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisher_DisabledWhenURLUnset(t *testing.T) {
	pub, err := NewPublisher(Config{})

	require.NoError(t, err)
	assert.False(t, pub.IsEnabled())
}

func TestPublisher_DisabledPublishIsNoOp(t *testing.T) {
	pub, err := NewPublisher(Config{})
	require.NoError(t, err)

	err = pub.PublishSessionReady(context.Background(), SessionReadyEvent{
		SessionID:  "sess-1",
		OwnerID:    "u1",
		InstanceID: "i-A",
	})

	assert.NoError(t, err)
}

func TestDLQSubject(t *testing.T) {
	assert.Equal(t, "orchestrator.dlq.orchestrator.session.ready", DLQSubject(SubjectSessionReady))
}
