package listener

import (
	"context"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
)

// Run connects to the provider's event stream and dispatches until the
// context ends. Every event is acknowledged immediately (the provider
// requires an ack within 3 s) and handled in its own goroutine so one slow
// handler never stalls the stream.
func (l *Listener) Run(ctx context.Context, api *slack.Client) error {
	if resp, err := api.AuthTestContext(ctx); err == nil {
		l.SetBotUser(resp.UserID)
	} else {
		l.log.Warn("auth test failed, own reactions not filtered", zap.Error(err))
	}

	sm := socketmode.New(api)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sm.Events:
				if !ok {
					return
				}
				l.dispatch(ctx, sm, evt)
			}
		}
	}()

	l.log.Info("listener connected")
	return sm.RunContext(ctx)
}

func (l *Listener) dispatch(ctx context.Context, sm *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			sm.Ack(*evt.Request)
		}
		l.dispatchEventsAPI(ctx, apiEvent)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			sm.Ack(*evt.Request)
		}
		l.dispatchInteractive(ctx, callback)

	case socketmode.EventTypeConnectionError:
		l.log.Warn("event stream connection error")
	}
}

func (l *Listener) dispatchEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.SubType != "" && ev.SubType != "thread_broadcast" {
			return
		}
		go l.HandleMessage(ctx, MessageEvent{
			Channel:  ev.Channel,
			ThreadTS: ev.ThreadTimeStamp,
			TS:       ev.TimeStamp,
			Text:     ev.Text,
			UserID:   ev.User,
			BotID:    ev.BotID,
			IsDM:     ev.ChannelType == "im",
		})

	case *slackevents.AppMentionEvent:
		go l.HandleMention(ctx, MentionEvent{
			Channel:  ev.Channel,
			ThreadTS: ev.ThreadTimeStamp,
			TS:       ev.TimeStamp,
			Text:     ev.Text,
			UserID:   ev.User,
		})

	case *slackevents.ReactionAddedEvent:
		go l.HandleReaction(ctx, ReactionEvent{
			Emoji:   ev.Reaction,
			Channel: ev.Item.Channel,
			ItemTS:  ev.Item.Timestamp,
			UserID:  ev.User,
		})
	}
}

func (l *Listener) dispatchInteractive(ctx context.Context, callback slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range callback.ActionCallback.BlockActions {
		ev := ButtonEvent{
			ActionID:  action.ActionID,
			Value:     action.Value,
			BlockID:   action.BlockID,
			Channel:   callback.Channel.ID,
			MessageTS: callback.Message.Timestamp,
			ThreadTS:  callback.Message.ThreadTimestamp,
			UserID:    callback.User.ID,
			UserName:  callback.User.Name,
		}
		go l.HandleButton(ctx, ev)
	}
}
