// Package notify delivers one-shot announcements for terminal job transitions.
// Every announcement lands in the in-memory feed consumed by the web UI, and
// optionally goes out through external senders (webhook, slack, telegram, email).
// At-most-once per (job, status) is enforced upstream by the tracker's ledger.
package notify

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/chrono-hq/ingestd/app/tracker"
)

// Repeater retries failed delivery attempts
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Service constructs announcement messages and fans them out. Delivery to
// external destinations is fire-and-forget, failures are logged only.
type Service struct {
	feed         *Feed
	notifiers    []notify.Notifier
	destinations []string
	repeater     Repeater
	timeout      time.Duration
}

// Params defines non-sender service settings
type Params struct {
	Feed     *Feed
	Repeater Repeater
	Timeout  time.Duration
}

// SendersParams defines optional external destinations
type SendersParams struct {
	WebhookURLs []string

	SlackToken    string
	SlackChannels []string

	TelegramToken        string
	TelegramDestinations []string

	SMTPHost     string
	SMTPPort     int
	SMTPTLS      bool
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	ToEmails     []string
}

// NewService creates the announcement service with senders built from params.
// The feed is always on, external senders only for configured destinations.
func NewService(params Params, senders SendersParams) *Service {
	res := &Service{
		feed:     params.Feed,
		repeater: params.Repeater,
		timeout:  params.Timeout,
	}
	if res.feed == nil {
		res.feed = NewFeed(0)
	}
	if res.timeout == 0 {
		res.timeout = 10 * time.Second
	}

	if len(senders.WebhookURLs) > 0 {
		res.notifiers = append(res.notifiers, notify.NewWebhook(notify.WebhookParams{
			Timeout: res.timeout,
			Headers: []string{"Content-Type:application/json"},
		}))
		res.destinations = append(res.destinations, senders.WebhookURLs...)
	}
	if senders.SlackToken != "" && len(senders.SlackChannels) > 0 {
		res.notifiers = append(res.notifiers, notify.NewSlack(senders.SlackToken))
		for _, channel := range senders.SlackChannels {
			res.destinations = append(res.destinations, "slack:"+channel)
		}
	}
	if senders.TelegramToken != "" && len(senders.TelegramDestinations) > 0 {
		tg, err := notify.NewTelegram(notify.TelegramParams{Token: senders.TelegramToken, Timeout: res.timeout})
		if err != nil {
			log.Printf("[WARN] failed to make telegram sender: %v", err)
		} else {
			res.notifiers = append(res.notifiers, tg)
			for _, dest := range senders.TelegramDestinations {
				res.destinations = append(res.destinations, "telegram:"+dest)
			}
		}
	}
	if senders.SMTPHost != "" && len(senders.ToEmails) > 0 {
		res.notifiers = append(res.notifiers, notify.NewEmail(notify.SMTPParams{
			Host:     senders.SMTPHost,
			Port:     senders.SMTPPort,
			TLS:      senders.SMTPTLS,
			Username: senders.SMTPUsername,
			Password: senders.SMTPPassword,
			TimeOut:  res.timeout,
		}))
		for _, to := range senders.ToEmails {
			res.destinations = append(res.destinations,
				fmt.Sprintf("mailto:%s?from=%s&subject=ingestd job update", to, senders.FromEmail))
		}
	}

	log.Printf("[INFO] announcement service created, %d external destinations", len(res.destinations))
	return res
}

// AnnouncementFeed returns the feed for UI readers
func (s *Service) AnnouncementFeed() *Feed {
	return s.feed
}

// Announce fires a one-shot user-visible message for a terminal transition.
// Non-terminal statuses never announce.
func (s *Service) Announce(ctx context.Context, job tracker.Job) {
	if !job.Status.Terminal() {
		return
	}

	msg := MakeMessage(job)
	s.feed.Publish(Announcement{
		JobID:       job.ID,
		DisplayName: job.DisplayName,
		Status:      job.Status,
		Message:     msg,
	})
	log.Printf("[INFO] announcement for job %s: %s", job.ID, msg)

	if len(s.destinations) == 0 {
		return
	}
	go s.deliver(context.WithoutCancel(ctx), fmt.Sprintf("[%s] %s", job.DisplayName, msg))
}

// MakeMessage builds the user-visible text for a terminal job state
func MakeMessage(job tracker.Job) string {
	switch job.Status {
	case tracker.StatusSuccess:
		if job.Result == nil || job.Result.CreatedCount == 0 {
			return "no drafts created"
		}
		if job.Result.CreatedCount == 1 {
			return "successfully created 1 draft task"
		}
		return fmt.Sprintf("successfully created %d draft tasks", job.Result.CreatedCount)
	case tracker.StatusFailed:
		if job.Error != "" {
			return job.Error
		}
		return "job failed"
	}
	return ""
}

func (s *Service) deliver(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(s.destinations)+1))
	defer cancel()

	for _, dest := range s.destinations {
		err := s.repeater.Do(ctx, func() error {
			return notify.Send(ctx, s.notifiers, dest, text)
		})
		if err != nil {
			log.Printf("[WARN] failed to deliver announcement to %s, %v", dest, err)
		}
	}
}
