package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	domain "notification_service/internal/domain/email"

	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
)

const sendGridSendURL = "https://api.sendgrid.com/v3/mail/send"

// SendGridProvider delivers email through the SendGrid v3 API.
type SendGridProvider struct {
	APIKey   string
	From     string
	FromName string
	BaseURL  string
	Timeout  time.Duration

	httpClient *http.Client
	logger     *logrus.Logger
}

func NewSendGridProvider(apiKey, from, fromName string, logger *logrus.Logger) *SendGridProvider {
	timeout := 10 * time.Second
	return &SendGridProvider{
		APIKey:     apiKey,
		From:       from,
		FromName:   fromName,
		BaseURL:    sendGridSendURL,
		Timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (p *SendGridProvider) Name() string { return "sendgrid" }

// Send delivers one message. A non-2xx API response is an ordinary delivery
// failure reported through the Result.
func (p *SendGridProvider) Send(ctx context.Context, to, subject, body string, meta map[string]string) domain.Result {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(p.FromName, p.From))
	message.Subject = subject

	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail("", to))
	message.AddPersonalizations(personalization)
	message.AddContent(mail.NewContent("text/html", body))

	payload := mail.GetRequestBody(message)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return domain.Result{Success: false, Err: err.Error(), Provider: p.Name()}
	}
	request.Header.Set("Authorization", "Bearer "+p.APIKey)
	request.Header.Set("Content-Type", "application/json")
	for k, v := range meta {
		request.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(request)
	if err != nil {
		p.logger.Errorf("SendGrid send to %s failed: %v", to, err)
		return domain.Result{Success: false, Err: err.Error(), Provider: p.Name()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		errMsg := fmt.Sprintf("sendgrid API error: %d %s", resp.StatusCode, string(respBody))
		p.logger.Errorf("SendGrid send to %s failed: %s", to, errMsg)
		return domain.Result{Success: false, Err: errMsg, Provider: p.Name()}
	}

	messageID := resp.Header.Get("X-Message-Id")
	p.logger.Infof("Email sent successfully to %s via sendgrid (message ID: %s).", to, messageID)
	return domain.Result{Success: true, MessageID: messageID, Provider: p.Name()}
}
