package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicForEventType(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{"order.created", "order_created"},
		{"Order.Created", "order_created"},
		{"payment.completed", "payment_completed"},
		{"saga.workflow-123.order.created", "saga_workflow-123_order_created"},
		{"plain", "plain"},
		{"UPPER", "upper"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicForEventType(tt.eventType))
		})
	}
}

func TestTopicForEventType_NoDotsSurvive(t *testing.T) {
	got := TopicForEventType("a.b.c.d.e")
	assert.NotContains(t, got, ".")
	assert.Equal(t, "a_b_c_d_e", got)
}
