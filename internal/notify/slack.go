package notify

import (
	"log"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackNotifier posts workflow events to a Slack channel.
type SlackNotifier struct {
	client    slackClient
	channelID string
}

// NewSlackNotifier creates a notifier posting to channelID with the given
// bot token (xoxb-...).
func NewSlackNotifier(botToken, channelID string) *SlackNotifier {
	return &SlackNotifier{
		client:    slackapi.New(botToken),
		channelID: channelID,
	}
}

// Notify posts the event summary. Errors are logged.
func (s *SlackNotifier) Notify(event Event) {
	_, _, err := s.client.PostMessage(s.channelID,
		slackapi.MsgOptionText(event.Summary(), false))
	if err != nil {
		log.Printf("notify: slack post failed: %v", err)
	}
}
