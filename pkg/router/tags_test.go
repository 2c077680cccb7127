package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robaikg/gateway/pkg/protocol"
)

func userMsg(text string) protocol.Message {
	return protocol.Message{Role: protocol.RoleUser, Content: protocol.TextContent(text)}
}

func TestScanTags(t *testing.T) {
	tests := []struct {
		name     string
		messages []protocol.Message
		wantHint Mode
		wantText string
	}{
		{
			name:     "no tag",
			messages: []protocol.Message{userMsg("what is a goroutine?")},
			wantHint: "",
			wantText: "what is a goroutine?",
		},
		{
			name:     "research tag stripped",
			messages: []protocol.Message{userMsg("[[research_request]] latest Go release notes")},
			wantHint: ModeStandardResearch,
			wantText: "latest Go release notes",
		},
		{
			name:     "tag is case insensitive",
			messages: []protocol.Message{userMsg("[[Research_Deeply]] kubernetes operators")},
			wantHint: ModeDeepResearch,
			wantText: "kubernetes operators",
		},
		{
			name:     "autonomous_plus wins over autonomous prefix",
			messages: []protocol.Message{userMsg("[[autonomous_plus]] store this fact")},
			wantHint: ModeAutonomousPlus,
			wantText: "store this fact",
		},
		{
			name: "only the last user message is consulted",
			messages: []protocol.Message{
				userMsg("[[research_request]] old question"),
				{Role: protocol.RoleAssistant, Content: protocol.TextContent("answer")},
				userMsg("follow-up without a tag"),
			},
			wantHint: "",
			wantText: "follow-up without a tag",
		},
		{
			name:     "unknown bracketed token passes through",
			messages: []protocol.Message{userMsg("[[autonomous_agent]] do something")},
			wantHint: "",
			wantText: "[[autonomous_agent]] do something",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scan, err := ScanTags(tt.messages)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHint, scan.Hint)

			last := scan.Stripped[len(scan.Stripped)-1]
			assert.Equal(t, tt.wantText, last.Content.AsText())
		})
	}
}

func TestScanTagsStripIsIdempotent(t *testing.T) {
	scan, err := ScanTags([]protocol.Message{userMsg("[[autonomous]] remember my name")})
	require.NoError(t, err)

	again, err := ScanTags(scan.Stripped)
	require.NoError(t, err)
	assert.Equal(t, Mode(""), again.Hint)
	assert.Equal(t, scan.Stripped, again.Stripped)
}

func TestScanTagsMalformed(t *testing.T) {
	for _, text := range []string{
		"[[research_request do this",
		"please [[autonomous]",
		"[[research_deeply",
	} {
		_, err := ScanTags([]protocol.Message{userMsg(text)})
		var malformed *ErrMalformedTag
		assert.ErrorAs(t, err, &malformed, "input %q", text)
	}
}

func TestScanTagsDetectsIDEMarker(t *testing.T) {
	scan, err := ScanTags([]protocol.Message{
		{Role: protocol.RoleSystem, Content: protocol.TextContent("You are an AI programming assistant inside an editor.")},
		userMsg("[[research_request]] refactor this"),
	})
	require.NoError(t, err)
	assert.True(t, scan.IDEMarker)
	// The tag is still stripped even though the marker overrides it.
	assert.Equal(t, "refactor this", scan.Stripped[1].Content.AsText())
}

func TestScanTagsDetectsMultimodal(t *testing.T) {
	scan, err := ScanTags([]protocol.Message{
		{Role: protocol.RoleUser, Content: protocol.MessageContent{Parts: []protocol.ContentPart{
			{Type: "text", Text: "[[research_deeply]] what is in this picture"},
			{Type: "image_url", ImageURL: &protocol.ImageURL{URL: "data:image/png;base64,xyz"}},
		}}},
	})
	require.NoError(t, err)
	assert.True(t, scan.Multimodal)
	assert.Equal(t, ModeDeepResearch, scan.Hint)

	// Non-text parts survive the strip.
	last := scan.Stripped[0]
	require.Len(t, last.Content.Parts, 2)
	assert.Equal(t, "what is in this picture", last.Content.Parts[0].Text)
	assert.Equal(t, "image_url", last.Content.Parts[1].Type)
}
