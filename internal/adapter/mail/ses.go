// Package mail sends the wrapped-ready notification through AWS SESv2.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/observability"
	"github.com/fairyhunter13/tiktok-wrapped/internal/config"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// SESAPI is the subset of the sesv2 client the mailer uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Mailer implements domain.Mailer.
type Mailer struct {
	api         SESAPI
	sender      string
	frontendURL string
}

func New(api SESAPI, sender, frontendURL string) *Mailer {
	return &Mailer{api: api, sender: sender, frontendURL: frontendURL}
}

// NewFromConfig builds a Mailer on the default AWS credential chain.
func NewFromConfig(ctx domain.Context, cfg config.Config) (*Mailer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("op=mail.new: %w", err)
	}
	return New(sesv2.NewFromConfig(awsCfg), cfg.EmailFrom, cfg.FrontendURL), nil
}

func (m *Mailer) wrappedLink(appUserID string) string {
	return strings.TrimRight(m.frontendURL, "/") + "/wrapped/" + appUserID
}

// SendWrappedReady emails the user their wrapped link. An empty recipient is
// a no-op. Up to three attempts, backoff 1s doubling to a 4s cap.
func (m *Mailer) SendWrappedReady(ctx domain.Context, to, appUserID string) error {
	if to == "" {
		return nil
	}

	link := m.wrappedLink(appUserID)
	subject := "Your 2025 TikTok Wrapped is ready"
	textBody := fmt.Sprintf("Your wrapped is ready.\n\nView it here: %s\n\nThanks for trying TikTok Wrapped!", link)
	htmlBody := fmt.Sprintf(`<html>
<body>
<p>Your wrapped is ready.</p>
<p><a href="%s">View it here</a></p>
<p>Thanks for trying TikTok Wrapped!</p>
</body>
</html>`, link)

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(m.sender),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(textBody)},
					Html: &types.Content{Data: aws.String(htmlBody)},
				},
			},
		},
	}

	op := func() error {
		_, err := m.api.SendEmail(ctx, input)
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = 4 * time.Second
	expo.Multiplier = 2.0
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, 2), ctx)
	notify := func(err error, next time.Duration) {
		slog.Warn("email send retrying", slog.String("app_user_id", appUserID), slog.Duration("backoff", next), slog.Any("error", err))
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		observability.ObserveEmail("failed")
		return fmt.Errorf("op=mail.send_wrapped_ready: %w", err)
	}
	observability.ObserveEmail("sent")
	return nil
}
