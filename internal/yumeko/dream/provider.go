package dream

import "context"

// GenerateRequest carries everything the generation backend needs to compose
// one dream: who is dreaming, how she talks, and what the room has been
// talking about.
type GenerateRequest struct {
	// BotName is the agent's display name, woven into the prompt.
	BotName string

	// Personality is the rendered persona guidance block.
	Personality string

	// ChatContext is the recent-conversation digest, one "sender: text" line
	// per message, oldest first.
	ChatContext string
}

// Provider produces dream narratives. Implementations must be safe for
// concurrent use; the scheduler may be driving a tick while an admin forces
// a test dream.
type Provider interface {
	// GenerateDream returns the dream text for the request. An error (or
	// unusable empty output, which implementations should report as an
	// error) means no dream is emitted and no quota is consumed.
	GenerateDream(ctx context.Context, req GenerateRequest) (string, error)
}
