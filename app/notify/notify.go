// Package notify delivers milestone signals to the configured destinations.
// Senders are go-pkgz/notify implementations (email, slack, telegram, webhook);
// a signal fans out to all of them and delivery failures never reach the
// scheduler, they are logged and dropped.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/covergen/coverd/app/scheduler"
)

//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . notifier:NotifierMock

// notifier is a subset of go-pkgz/notify Notifier used by the service
type notifier interface {
	Send(ctx context.Context, destination, text string) error
	Schema() string
}

// Service sends progress and completion messages for regeneration jobs
type Service struct {
	Params

	destinations []notifier
	fromEmail    string
	toEmail      []string
	slackChans   []string
	telegramDest []string
	webhookURLs  []string
	timeout      time.Duration
}

// Params defines which signals are enabled and optional template overrides
type Params struct {
	EnabledProgress    bool
	EnabledCompletion  bool
	ProgressTemplate   string // path to a custom progress template
	CompletionTemplate string // path to a custom completion template
}

// SendersParams holds credentials and destinations for all senders
type SendersParams struct {
	FromEmail    string
	SMTPHost     string
	SMTPPort     int
	SMTPTLS      bool
	SMTPUsername string
	SMTPPassword string
	ToEmails     []string

	SlackToken    string
	SlackChannels []string

	TelegramToken        string
	TelegramDestinations []string

	WebhookURLs []string

	TimeOut time.Duration
}

const defaultSendTimeout = 10 * time.Second

var progressTmpl = template.Must(template.New("progress").Parse(
	"cover regeneration for playlist {{.PlaylistID}}: {{.Percent}}% done ({{.Completed}} of {{.Total}} tracks)"))

var completionTmpl = template.Must(template.New("completion").Parse(
	"cover regeneration for playlist {{.PlaylistID}} completed, {{.Total}} tracks in {{.Elapsed}}"))

// NewService makes a notification service for the given senders. Returns nil
// if no destination is configured, callers treat a nil service as disabled.
func NewService(p Params, sp SendersParams) *Service {
	res := Service{
		Params:       p,
		fromEmail:    sp.FromEmail,
		toEmail:      sp.ToEmails,
		slackChans:   sp.SlackChannels,
		telegramDest: sp.TelegramDestinations,
		webhookURLs:  sp.WebhookURLs,
		timeout:      sp.TimeOut,
	}
	if res.timeout == 0 {
		res.timeout = defaultSendTimeout
	}

	if len(sp.ToEmails) > 0 {
		res.destinations = append(res.destinations, notify.NewEmail(notify.SMTPParams{
			Host:     sp.SMTPHost,
			Port:     sp.SMTPPort,
			TLS:      sp.SMTPTLS,
			Username: sp.SMTPUsername,
			Password: sp.SMTPPassword,
			TimeOut:  sp.TimeOut,
		}))
	}
	if sp.SlackToken != "" && len(sp.SlackChannels) > 0 {
		res.destinations = append(res.destinations, notify.NewSlack(sp.SlackToken))
	}
	if sp.TelegramToken != "" && len(sp.TelegramDestinations) > 0 {
		tg, err := notify.NewTelegram(notify.TelegramParams{Token: sp.TelegramToken, Timeout: sp.TimeOut})
		if err != nil {
			log.Printf("[WARN] failed to make telegram sender: %v", err)
		} else {
			res.destinations = append(res.destinations, tg)
		}
	}
	if len(sp.WebhookURLs) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{
			Timeout: sp.TimeOut,
			Headers: []string{"Content-Type:application/json"},
		}))
	}

	if len(res.destinations) == 0 {
		return nil
	}
	return &res
}

// OnProgress implements scheduler.Notifier, best-effort delivery
func (s *Service) OnProgress(p scheduler.Progress) {
	if !s.EnabledProgress {
		return
	}
	text, err := s.makeText(s.ProgressTemplate, progressTmpl, p)
	if err != nil {
		log.Printf("[WARN] failed to make progress message for %s: %v", p.PlaylistID, err)
		return
	}
	s.sendAsync(fmt.Sprintf("coverd: %s %d%%", p.PlaylistID, p.Percent), text)
}

// OnCompleted implements scheduler.Notifier, best-effort delivery
func (s *Service) OnCompleted(c scheduler.Completed) {
	if !s.EnabledCompletion {
		return
	}
	text, err := s.makeText(s.CompletionTemplate, completionTmpl, struct {
		PlaylistID string
		Total      int
		Elapsed    time.Duration
	}{c.PlaylistID, c.Total, c.Elapsed.Round(time.Second)})
	if err != nil {
		log.Printf("[WARN] failed to make completion message for %s: %v", c.PlaylistID, err)
		return
	}
	s.sendAsync(fmt.Sprintf("coverd: %s completed", c.PlaylistID), text)
}

// Send delivers the text to every configured destination of every sender.
// Partial failures are collected, the rest of the destinations still get the message.
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, d := range s.destinations {
		for _, dest := range s.destinationsFor(d.Schema(), subj) {
			if err := d.Send(ctx, dest, text); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) sendAsync(subj, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Send(ctx, subj, text); err != nil {
			log.Printf("[WARN] failed to send %q: %v", subj, err)
		}
	}()
}

// destinationsFor expands a sender schema into concrete destination URLs
func (s *Service) destinationsFor(schema, subj string) (res []string) {
	switch schema {
	case "mailto":
		if len(s.toEmail) == 0 {
			return nil
		}
		res = append(res, fmt.Sprintf("mailto:%s?from=%s&subject=%s",
			strings.Join(s.toEmail, ","), s.fromEmail, url.QueryEscape(subj)))
	case "slack":
		for _, ch := range s.slackChans {
			res = append(res, "slack:"+ch+"?title="+url.QueryEscape(subj))
		}
	case "telegram":
		for _, d := range s.telegramDest {
			res = append(res, "telegram:"+d)
		}
	case "http", "https":
		res = append(res, s.webhookURLs...)
	}
	return res
}

func (s *Service) makeText(customPath string, def *template.Template, data any) (string, error) {
	tmpl := def
	if customPath != "" {
		t, err := template.ParseFiles(customPath)
		if err != nil {
			log.Printf("[WARN] can't load template %s, fallback to default: %v", customPath, err)
		} else {
			tmpl = t
		}
	}
	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

// String describes enabled senders, used for startup logging
func (s *Service) String() string {
	schemas := make([]string, 0, len(s.destinations))
	for _, d := range s.destinations {
		schemas = append(schemas, d.Schema())
	}
	return "notify to " + strings.Join(schemas, ", ")
}
