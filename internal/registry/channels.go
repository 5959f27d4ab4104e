package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/slackwire/slackwire/internal/chat"
)

// maxChannelPages caps channel-list pagination so a giant workspace cannot
// stall a registration.
const maxChannelPages = 10

var channelNameClean = regexp.MustCompile(`[^a-z0-9_-]+`)

// NormalizeChannelName lowercases a channel name, strips a leading '#', and
// replaces anything the chat provider rejects with hyphens.
func NormalizeChannelName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "#")
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	name = channelNameClean.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}

// ResolveChannel finds a channel by name, joining it when the bot is not yet
// a member and creating it when it does not exist. Returns the channel id.
func ResolveChannel(ctx context.Context, client chat.Client, name string) (string, error) {
	name = NormalizeChannelName(name)
	if name == "" {
		return "", errors.New("empty channel name")
	}

	cursor := ""
	for page := 0; page < maxChannelPages; page++ {
		chans, next, err := client.ListChannels(ctx, cursor)
		if err != nil {
			return "", fmt.Errorf("list channels: %w", err)
		}
		for _, ch := range chans {
			if ch.Name != name {
				continue
			}
			if !ch.IsMember {
				if err := client.JoinChannel(ctx, ch.ID); err != nil {
					return "", fmt.Errorf("join #%s (bot needs the channels:join capability): %w", name, err)
				}
			}
			return ch.ID, nil
		}
		if next == "" {
			break
		}
		cursor = next
	}

	ch, err := client.CreateChannel(ctx, name)
	if err != nil {
		return "", fmt.Errorf("create #%s (bot needs the channels:manage capability): %w", name, err)
	}
	return ch.ID, nil
}
