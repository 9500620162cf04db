package research

import (
	"context"
	"strings"

	"github.com/TobiSchelling/AICouncil/internal/provider"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// FeedbackProvider is the provider name recorded on user feedback.
const FeedbackProvider = "user"

const maxFeedbackLength = 5000

// Feedback records a user's comment on a guide in the interaction log.
func Feedback(ctx context.Context, store tree.Store, guideID, text string) (*tree.Interaction, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyFeedback
	}
	if len(text) > maxFeedbackLength {
		text = text[:maxFeedbackLength]
	}

	guide, err := store.GetGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}
	rec := &tree.Interaction{
		GuideID:   guide.ID,
		Provider:  FeedbackProvider,
		Operation: provider.OpFeedback,
		Topic:     guide.Topic,
		Response:  text,
		Success:   true,
	}
	if err := store.AppendInteraction(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
