package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *publisherMock) Close() error { return nil }

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	pub := new(publisherMock)
	emitter := NewAuditEmitter(nil, pub, "audit.dm", "dm-service", "test")

	var got AuditEnvelope
	pub.On("Publish", mock.Anything, "audit.dm", mock.AnythingOfType("telemetry.AuditEnvelope"), map[string]string{"x-request-id": "req-1"}).
		Run(func(args mock.Arguments) { got = args.Get(2).(AuditEnvelope) }).
		Return(nil).Once()

	ctx := WithRequestID(context.Background(), "req-1")
	emitter.Emit(ctx, 7, AuditPayload{Action: "message.delete_for_everyone", MessageID: 3, ConversationID: 1})

	pub.AssertExpectations(t)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "7", *got.UserID)
	assert.Equal(t, "INFO", got.Payload.Level)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "audit_log", got.EventType)
}

func TestAuditEmitterSwallowsPublishErrors(t *testing.T) {
	pub := new(publisherMock)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError).Once()

	emitter := NewAuditEmitter(nil, pub, "audit.dm", "dm-service", "test")
	emitter.Emit(context.Background(), 0, AuditPayload{Action: "message.edit"})
	pub.AssertExpectations(t)

	var nilEmitter *AuditEmitter
	nilEmitter.Emit(context.Background(), 1, AuditPayload{})
}
