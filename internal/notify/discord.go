package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// discordSession is the part of *discordgo.Session the adapter uses.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// DiscordAdapter posts notifications to one Discord channel through the
// bot API.
type DiscordAdapter struct {
	mu        sync.Mutex
	token     string
	channelID string
	session   discordSession
	logger    *zap.Logger
}

// NewDiscordAdapter creates a Discord adapter.
func NewDiscordAdapter(token, channelID string, logger *zap.Logger) *DiscordAdapter {
	return &DiscordAdapter{token: token, channelID: channelID, logger: logger}
}

func (a *DiscordAdapter) Platform() string { return "discord" }

// Connect creates the REST session. No gateway websocket is opened since
// the adapter only posts.
func (a *DiscordAdapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return nil
	}
	s, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	a.session = s
	a.logger.Info("discord adapter ready", zap.String("channel", a.channelID))
	return nil
}

// Send posts msg to the configured channel.
func (a *DiscordAdapter) Send(ctx context.Context, msg *Message) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return fmt.Errorf("discord send: not connected")
	}
	if _, err := s.ChannelMessageSend(a.channelID, msg.Text("**"), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close shuts down the session.
func (a *DiscordAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	err := a.session.Close()
	a.session = nil
	return err
}
