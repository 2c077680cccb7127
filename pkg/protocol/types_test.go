package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContentStringForm(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello there"}`), &msg))
	assert.Equal(t, "hello there", msg.Content.Text)
	assert.Nil(t, msg.Content.Parts)
	assert.False(t, msg.Content.HasNonTextParts())

	out, err := json.Marshal(msg.Content)
	require.NoError(t, err)
	assert.Equal(t, `"hello there"`, string(out))
}

func TestMessageContentPartsForm(t *testing.T) {
	raw := `{"role":"user","content":[{"type":"text","text":"what is this?"},{"type":"image_url","image_url":{"url":"data:image/png;base64,xyz"}}]}`
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	require.Len(t, msg.Content.Parts, 2)
	assert.True(t, msg.Content.HasNonTextParts())
	assert.Equal(t, "what is this?", msg.Content.AsText())

	out, err := json.Marshal(msg.Content)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "["))
	assert.Contains(t, string(out), "image_url")
}

func TestMessageContentNull(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"assistant","content":null}`), &msg))
	assert.Equal(t, "", msg.Content.AsText())
}

func TestMessageContentRejectsObjects(t *testing.T) {
	var c MessageContent
	assert.Error(t, json.Unmarshal([]byte(`{"nested":true}`), &c))
}

func TestAsTextJoinsTextParts(t *testing.T) {
	c := MessageContent{Parts: []ContentPart{
		{Type: "text", Text: "first"},
		{Type: "image_url", ImageURL: &ImageURL{URL: "http://x/img.png"}},
		{Type: "text", Text: "second"},
	}}
	assert.Equal(t, "first\nsecond", c.AsText())
}

func TestNewCompletionID(t *testing.T) {
	id := NewCompletionID()
	assert.True(t, strings.HasPrefix(id, "chatcmpl-"))
	assert.NotEqual(t, id, NewCompletionID())
}

func TestChunkRoundTrip(t *testing.T) {
	chunk := NewFinishChunk("chatcmpl-x", "m", "stop")
	data, err := json.Marshal(chunk)
	require.NoError(t, err)

	var parsed Chunk
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, "chat.completion.chunk", parsed.Object)
	require.Len(t, parsed.Choices, 1)
	require.NotNil(t, parsed.Choices[0].FinishReason)
	assert.Equal(t, "stop", *parsed.Choices[0].FinishReason)
}

func TestStatusEventShape(t *testing.T) {
	event := NewStatus("Searching the web", false, true)
	data, err := json.Marshal(event)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","data":{"description":"Searching the web","done":false,"hidden":true}}`, string(data))
}
