package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/sse/src/hub"
	"github.com/orchestra-mcp/sse/src/internal/ssetest"
	"github.com/orchestra-mcp/sse/src/types"
)

type chatMessage struct {
	Room     string `json:"room" validate:"required"`
	Text     string `json:"text" validate:"required,max=10"`
	SenderKey string `validate:"omitempty,uuid"`
}

func TestStruct(t *testing.T) {
	v := Struct[chatMessage]()

	assert.NoError(t, v.Validate(chatMessage{Room: "lobby", Text: "hi"}))
	assert.NoError(t, v.Validate(&chatMessage{Room: "lobby", Text: "hi"}))

	err := v.Validate(chatMessage{Text: "far too long for this"})
	var fields Errors
	require.True(t, errors.As(err, &fields))
	assert.Equal(t, Errors{
		{Field: "room", Message: "is required"},
		{Field: "text", Message: "must be at most 10"},
	}, fields)

	err = v.Validate(chatMessage{Room: "r", Text: "t", SenderKey: "nope"})
	require.True(t, errors.As(err, &fields))
	assert.Equal(t, "sender_key", fields[0].Field)

	assert.Error(t, v.Validate("plain text"))
	assert.Error(t, v.Validate((*chatMessage)(nil)))
}

func TestNotNilAndFunc(t *testing.T) {
	assert.Error(t, NotNil().Validate(nil))
	assert.NoError(t, NotNil().Validate(0))

	even := Func(func(data any) error {
		if n, _ := data.(int); n%2 != 0 {
			return errors.New("odd")
		}
		return nil
	})
	assert.NoError(t, even.Validate(2))
	assert.Error(t, even.Validate(3))
}

func TestSchemasOnHub(t *testing.T) {
	h := hub.New(zerolog.Nop())
	tr := ssetest.NewStream()
	schemas := types.Schemas{"chat": Struct[chatMessage]()}
	require.NoError(t, h.Register(hub.NewConnection(tr, hub.WithID("c"), hub.WithSchemas(schemas))))

	ok, err := h.Send(context.Background(), "c", types.Frame{Event: "chat", Data: chatMessage{Room: "r", Text: "yo"}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Send(context.Background(), "c", types.Frame{Event: "chat", Data: chatMessage{}})
	assert.False(t, ok)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
	assert.True(t, h.Has("c"))
}
