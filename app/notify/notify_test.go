package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covergen/coverd/app/notify/mocks"
	"github.com/covergen/coverd/app/scheduler"
)

func TestService_EmptyDestinations(t *testing.T) {
	svc := NewService(Params{}, SendersParams{})
	require.Nil(t, svc)
}

func TestService_SendersWired(t *testing.T) {
	svc := NewService(Params{}, SendersParams{
		ToEmails:             []string{"ops@example.com"},
		SlackToken:           "xoxb-token",
		SlackChannels:        []string{"covers"},
		WebhookURLs:          []string{"https://hooks.example.com/covers"},
		TelegramDestinations: []string{"chan1"}, // no token, sender skipped
	})
	require.NotNil(t, svc)
	assert.Len(t, svc.destinations, 3)
	assert.Contains(t, svc.String(), "mailto")
	assert.Contains(t, svc.String(), "slack")
}

func TestService_Send(t *testing.T) {
	tests := []struct {
		name           string
		subj           string
		text           string
		destination    string
		mockSendErr    error
		expectedErrMsg string
	}{
		{
			name:        "successful send",
			subj:        "coverd: p1 50%",
			text:        "cover regeneration for playlist p1: 50% done (5 of 10 tracks)",
			destination: "mailto:to@example.com,to2@example.com?from=from@example.com&subject=coverd%3A+p1+50%25",
		},
		{
			name:           "send error",
			subj:           "coverd: p1 50%",
			text:           "some text",
			destination:    "mailto:to@example.com,to2@example.com?from=from@example.com&subject=coverd%3A+p1+50%25",
			mockSendErr:    errors.New("mock error"),
			expectedErrMsg: "mock error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mailtoNotifier := &mocks.NotifierMock{
				SendFunc: func(_ context.Context, dest string, text string) error {
					assert.Equal(t, tt.text, text)
					assert.Equal(t, tt.destination, dest)
					return tt.mockSendErr
				},
				SchemaFunc: func() string { return "mailto" },
			}

			s := Service{
				destinations: []notifier{mailtoNotifier},
				fromEmail:    "from@example.com",
				toEmail:      []string{"to@example.com", "to2@example.com"},
			}

			err := s.Send(context.Background(), tt.subj, tt.text)
			assert.Len(t, mailtoNotifier.SendCalls(), 1)
			if tt.expectedErrMsg == "" {
				require.NoError(t, err)
			} else {
				assert.EqualError(t, err, tt.expectedErrMsg)
			}
		})
	}
}

func TestService_SendFanOut(t *testing.T) {
	slackNotifier := &mocks.NotifierMock{
		SendFunc:   func(context.Context, string, string) error { return nil },
		SchemaFunc: func() string { return "slack" },
	}
	webhookNotifier := &mocks.NotifierMock{
		SendFunc:   func(context.Context, string, string) error { return errors.New("hook down") },
		SchemaFunc: func() string { return "http" },
	}

	s := Service{
		destinations: []notifier{slackNotifier, webhookNotifier},
		slackChans:   []string{"covers", "alerts"},
		webhookURLs:  []string{"https://hooks.example.com/covers"},
	}

	err := s.Send(context.Background(), "subj", "text")
	assert.EqualError(t, err, "hook down", "slack deliveries still made despite webhook failure")
	assert.Len(t, slackNotifier.SendCalls(), 2, "one send per slack channel")
	assert.Len(t, webhookNotifier.SendCalls(), 1)
	assert.Equal(t, "slack:covers?title=subj", slackNotifier.SendCalls()[0].Destination)
	assert.Equal(t, "https://hooks.example.com/covers", webhookNotifier.SendCalls()[0].Destination)
}

func TestService_OnProgress(t *testing.T) {
	var mu sync.Mutex
	var got []string
	mock := &mocks.NotifierMock{
		SendFunc: func(_ context.Context, _ string, text string) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, text)
			return nil
		},
		SchemaFunc: func() string { return "http" },
	}

	s := Service{
		Params:       Params{EnabledProgress: true},
		destinations: []notifier{mock},
		webhookURLs:  []string{"https://hooks.example.com/covers"},
		timeout:      time.Second,
	}

	s.OnProgress(scheduler.Progress{PlaylistID: "p1", Completed: 5, Total: 10, Percent: 50})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond, "delivery is async")

	mu.Lock()
	assert.Equal(t, "cover regeneration for playlist p1: 50% done (5 of 10 tracks)", got[0])
	mu.Unlock()
}

func TestService_OnProgressDisabled(t *testing.T) {
	mock := &mocks.NotifierMock{
		SendFunc:   func(context.Context, string, string) error { return nil },
		SchemaFunc: func() string { return "http" },
	}
	s := Service{
		Params:       Params{EnabledProgress: false, EnabledCompletion: false},
		destinations: []notifier{mock},
		webhookURLs:  []string{"https://hooks.example.com/covers"},
		timeout:      time.Second,
	}

	s.OnProgress(scheduler.Progress{PlaylistID: "p1", Percent: 50})
	s.OnCompleted(scheduler.Completed{PlaylistID: "p1", Total: 10})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, mock.SendCalls())
}

func TestService_OnCompleted(t *testing.T) {
	var mu sync.Mutex
	var got []string
	mock := &mocks.NotifierMock{
		SendFunc: func(_ context.Context, _ string, text string) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, text)
			return nil
		},
		SchemaFunc: func() string { return "http" },
	}

	s := Service{
		Params:       Params{EnabledCompletion: true},
		destinations: []notifier{mock},
		webhookURLs:  []string{"https://hooks.example.com/covers"},
		timeout:      time.Second,
	}

	s.OnCompleted(scheduler.Completed{PlaylistID: "p1", Total: 12, Elapsed: 90*time.Second + 300*time.Millisecond})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "cover regeneration for playlist p1 completed, 12 tracks in 1m30s", got[0])
	mu.Unlock()
}

func TestService_CustomTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("{{.PlaylistID}} at {{.Percent}}%"), 0o600))

	s := Service{Params: Params{ProgressTemplate: path}}
	text, err := s.makeText(s.ProgressTemplate, progressTmpl, scheduler.Progress{PlaylistID: "p1", Percent: 30})
	require.NoError(t, err)
	assert.Equal(t, "p1 at 30%", text)
}

func TestService_CustomTemplateBadFallsBack(t *testing.T) {
	s := Service{Params: Params{ProgressTemplate: "testfiles/no-such.tmpl"}}
	text, err := s.makeText(s.ProgressTemplate, progressTmpl,
		scheduler.Progress{PlaylistID: "p1", Completed: 3, Total: 10, Percent: 30})
	require.NoError(t, err)
	assert.Equal(t, "cover regeneration for playlist p1: 30% done (3 of 10 tracks)", text)
}
