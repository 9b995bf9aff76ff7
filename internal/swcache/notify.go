package swcache

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Notifier displays notifications and opens pages on behalf of the gateway.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	OpenWindow(ctx context.Context, url string) error
}

// logNotifier is the default Notifier; it has nowhere to display anything
// and only records what would have been shown.
type logNotifier struct{}

func (logNotifier) Show(_ context.Context, n Notification) error {
	log.WithFields(log.Fields{"title": n.Title, "tag": n.Tag}).Info(n.Body)
	return nil
}

func (logNotifier) OpenWindow(_ context.Context, url string) error {
	log.WithField("url", url).Info("open window")
	return nil
}

type notificationTemplate struct {
	title      string
	icon       string
	badge      string
	vibrate    []int
	tag        string
	actions    []NotificationAction
	openAction string
	openURL    string
}

func newNotificationTemplate(cfg *Config) notificationTemplate {
	n := cfg.Notifications
	return notificationTemplate{
		title:      n.Title,
		icon:       n.Icon,
		badge:      n.Badge,
		vibrate:    append([]int(nil), n.Vibrate...),
		tag:        n.Tag,
		actions:    append([]NotificationAction(nil), n.Actions...),
		openAction: n.OpenAction,
		openURL:    n.OpenURL,
	}
}

// build returns nil for an empty payload.
func (t notificationTemplate) build(payload string) *Notification {
	if payload == "" {
		return nil
	}
	n := &Notification{
		Title:   t.title,
		Body:    payload,
		Icon:    t.icon,
		Badge:   t.badge,
		Vibrate: append([]int(nil), t.vibrate...),
		Tag:     t.tag,
		Actions: make([]NotificationAction, len(t.actions)),
	}
	copy(n.Actions, t.actions)
	for i := range n.Actions {
		if n.Actions[i].Icon == "" {
			n.Actions[i].Icon = t.icon
		}
	}
	return n
}
