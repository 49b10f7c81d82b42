package email

import (
	"fmt"

	domain "notification_service/internal/domain/email"
	"notification_service/internal/infra/config"

	"github.com/sirupsen/logrus"
)

// NewProvider builds the channel provider selected by configuration.
// Selection happens once at process wiring time; missing credentials are a
// configuration error, not a delivery failure.
func NewProvider(cfg *config.AppConfig, logger *logrus.Logger) (domain.Provider, error) {
	switch cfg.EmailProvider {
	case "smtp":
		if cfg.SMTPHost == "" {
			return nil, fmt.Errorf("missing SMTP host for email provider")
		}
		return NewSMTPProvider(
			cfg.SMTPHost, cfg.SMTPPort,
			cfg.SMTPUsername, cfg.SMTPPassword,
			cfg.EmailFrom, cfg.EmailFromName,
			logger,
		), nil

	case "sendgrid":
		if cfg.SendGridAPIKey == "" {
			return nil, fmt.Errorf("missing SendGrid API key for email provider")
		}
		return NewSendGridProvider(cfg.SendGridAPIKey, cfg.EmailFrom, cfg.EmailFromName, logger), nil

	default:
		return nil, fmt.Errorf("unsupported email provider: %s", cfg.EmailProvider)
	}
}
