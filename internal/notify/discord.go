package notify

import (
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts workflow events to a Discord channel.
type DiscordNotifier struct {
	session   discordSession
	channelID string
}

// NewDiscordNotifier creates a notifier posting to channelID with the given
// bot token. The session is REST-only; no gateway connection is opened.
func NewDiscordNotifier(botToken, channelID string) (*DiscordNotifier, error) {
	dg, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: create discord session: %w", err)
	}
	return &DiscordNotifier{session: dg, channelID: channelID}, nil
}

// Notify posts the event summary. Errors are logged.
func (d *DiscordNotifier) Notify(event Event) {
	if _, err := d.session.ChannelMessageSend(d.channelID, event.Summary()); err != nil {
		log.Printf("notify: discord send failed: %v", err)
	}
}
