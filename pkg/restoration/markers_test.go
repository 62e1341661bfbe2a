package restoration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsContextRestoration(t *testing.T) {
	assert.True(t, IsContextRestoration(
		"This session is being continued from a previous conversation that ran out of context."))
	assert.True(t, IsContextRestoration(
		"The conversation is summarized below for reference."))
	// Fallbacks are case-insensitive
	assert.True(t, IsContextRestoration("...CONTINUED FROM A PREVIOUS CONVERSATION..."))
	assert.True(t, IsContextRestoration("Here is a Conversation Summary of what happened"))

	assert.False(t, IsContextRestoration("How do I configure the database pool?"))
	assert.False(t, IsContextRestoration(""))
}

func TestExtractTurnsPrimaryPatterns(t *testing.T) {
	content := `This session is being continued from a previous conversation.

User: how do I rotate the API key?
Assistant: call the /rotate endpoint with the old key.
User: and revoke the old one?
`
	turns := ExtractTurns(content)
	require.Len(t, turns, 3)

	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "how do I rotate the API key?", turns[0].Content)
	assert.Equal(t, 0, turns[0].Sequence)

	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Equal(t, 1, turns[1].Sequence)

	assert.Equal(t, RoleUser, turns[2].Role)
	assert.Equal(t, 2, turns[2].Sequence)
	assert.GreaterOrEqual(t, turns[0].Confidence, 0.85)
}

func TestExtractTurnsBracketPrefixes(t *testing.T) {
	content := "[USER] fix the login bug\n[ASSISTANT] patched session handling\n"
	turns := ExtractTurns(content)
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "fix the login bug", turns[0].Content)
	assert.Equal(t, RoleAssistant, turns[1].Role)
}

func TestExtractTurnsFallbackOnlyWhenNoPrimary(t *testing.T) {
	content := `Conversation summary:
The user asked about rate limits.
The assistant explained the token bucket implementation.
`
	turns := ExtractTurns(content)
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "about rate limits.", turns[0].Content)
	assert.LessOrEqual(t, turns[0].Confidence, 0.5)

	// A primary match suppresses fallback extraction entirely
	mixed := "User: real question\nThe user asked something vague.\n"
	turns = ExtractTurns(mixed)
	require.Len(t, turns, 1)
	assert.Equal(t, "real question", turns[0].Content)
}

func TestExtractTurnsEmpty(t *testing.T) {
	assert.Empty(t, ExtractTurns("No conversational structure here at all."))
}

func TestExtractPathCandidates(t *testing.T) {
	content := "Primary working directory: /srv/projects/api\nSee also `/tmp/scratch` for logs."
	cands := extractPathCandidates(content)
	require.Len(t, cands, 2)
	assert.Equal(t, "/srv/projects/api", cands[0])
	assert.Equal(t, "/tmp/scratch", cands[1])
}
