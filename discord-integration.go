package main

import (
	"context"
	"fmt"

	"github.com/gtuk/discordwebhook"
	"go.uber.org/zap"
)

type webhookSender func(url string, message discordwebhook.Message) error

// WebhookMirror copies messages posted to channels with a given name into a
// Discord webhook. It subscribes on creation so nothing published before Run
// starts is missed.
type WebhookMirror struct {
	url       string
	channel   string
	publisher *EventPublisher
	events    <-chan MessageEvent
	send      webhookSender
	logger    *zap.Logger
}

func NewWebhookMirror(cfg WebhookConfig, publisher *EventPublisher, logger *zap.Logger) *WebhookMirror {
	return &WebhookMirror{
		url:       cfg.URL,
		channel:   cfg.Channel,
		publisher: publisher,
		events:    publisher.Subscribe(),
		send:      discordwebhook.SendMessage,
		logger:    logger.With(zap.String("component", "webhook")),
	}
}

// Run forwards events until ctx is cancelled or the publisher closes.
func (m *WebhookMirror) Run(ctx context.Context) {
	defer m.publisher.Unsubscribe(m.events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			if m.channel != "" && ev.ChannelName != m.channel {
				continue
			}
			if err := m.forward(ev); err != nil {
				m.logger.Warn("webhook delivery failed", zap.String("server", ev.CommunityID), zap.Error(err))
			}
		}
	}
}

func (m *WebhookMirror) forward(ev MessageEvent) error {
	username := fmt.Sprintf("%s (%s)", ev.AuthorName, ev.CommunityName)
	message := discordwebhook.Message{
		Username: &username,
		Content:  &ev.Text,
	}
	if ev.AuthorAvatar != "" {
		message.AvatarUrl = &ev.AuthorAvatar
	}
	return m.send(m.url, message)
}
