// Package notify delivers quarantine transition notifications to Slack.
package notify

import (
	"fmt"
	"log"
	"sync"

	"github.com/slack-go/slack"
	"gorm.io/gorm"

	"github.com/flakeguard/flakeguard/internal/database"
	"github.com/flakeguard/flakeguard/internal/services"
	"github.com/flakeguard/flakeguard/internal/utils"
)

// SlackNotifier posts a channel message for every applied transition.
// Settings live in the database and are re-read on Reload, so enabling
// Slack or rotating the token needs no restart.
type SlackNotifier struct {
	db *gorm.DB

	mu      sync.RWMutex
	client  *slack.Client
	channel string
	enabled bool
}

// NewSlackNotifier creates the notifier and loads current settings.
func NewSlackNotifier(db *gorm.DB) *SlackNotifier {
	n := &SlackNotifier{db: db}
	if err := n.Reload(); err != nil {
		log.Printf("Warning: could not load notify settings: %v", err)
	}
	return n
}

// Reload re-reads notification settings from the database.
func (n *SlackNotifier) Reload() error {
	settings, err := database.GetNotifySettings(n.db)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = settings.IsActive()
	n.channel = settings.Channel
	if n.enabled {
		n.client = slack.New(settings.BotToken)
		log.Printf("Slack notifications ENABLED (channel %s)", n.channel)
	} else {
		n.client = nil
	}
	return nil
}

// NotifyTransition implements services.TransitionNotifier. Posting happens
// on a separate goroutine; a Slack outage never delays a transition.
func (n *SlackNotifier) NotifyTransition(event services.TransitionEvent) {
	n.mu.RLock()
	client := n.client
	channel := n.channel
	enabled := n.enabled
	n.mu.RUnlock()

	if !enabled || client == nil {
		return
	}

	go func() {
		_, _, err := client.PostMessage(channel,
			slack.MsgOptionText(formatTransition(event), false))
		if err != nil {
			log.Printf("Failed to post Slack notification: %v", err)
		}
	}()
}

func formatTransition(event services.TransitionEvent) string {
	verb := "Quarantined"
	emoji := ":no_entry:"
	if event.Action == database.HistoryActionUnquarantined {
		verb = "Restored"
		emoji = ":white_check_mark:"
	}
	test := event.TestName
	if event.TestSuite != "" {
		test = event.TestSuite + " / " + test
	}
	return fmt.Sprintf("%s %s *%s* in project `%s`\n> %s\n_triggered by %s_",
		emoji, verb, test, event.ProjectID, utils.TruncateText(event.Reason, 300), event.TriggeredBy)
}
