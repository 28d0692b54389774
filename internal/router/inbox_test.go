package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/ruleflow/pkg/proto"
)

func TestInboxSubmit(t *testing.T) {
	inbox := NewInbox(2)
	ctx := context.Background()

	first := &proto.Event{Type: proto.EventType_DATA_ARRIVED}
	require.NoError(t, inbox.Submit(ctx, first))
	assert.NotEmpty(t, first.Id, "ids are assigned on submit")
	assert.NotNil(t, first.Ts)

	require.NoError(t, inbox.Submit(ctx, &proto.Event{Id: "second"}))
	assert.ErrorIs(t, inbox.Submit(ctx, &proto.Event{Id: "third"}), ErrInboxFull)
	assert.Equal(t, 2, inbox.Len())

	got := <-inbox.Events()
	assert.Same(t, first, got)
}

func TestInboxRejects(t *testing.T) {
	inbox := NewInbox(0)
	assert.Error(t, inbox.Submit(context.Background(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, inbox.Submit(ctx, &proto.Event{}), context.Canceled)
	assert.Equal(t, 0, inbox.Len())
}
