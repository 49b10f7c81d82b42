package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	domain "notification_service/internal/domain/email"

	"github.com/sirupsen/logrus"
)

// sendMailHook allows tests to override SMTP sending behavior.
var sendMailHook = smtp.SendMail

// SMTPProvider delivers email over plain SMTP, with an implicit-TLS branch
// for port 465.
type SMTPProvider struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	Timeout  time.Duration

	logger *logrus.Logger
}

func NewSMTPProvider(host string, port int, username, password, from, fromName string, logger *logrus.Logger) *SMTPProvider {
	return &SMTPProvider{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		FromName: fromName,
		Timeout:  10 * time.Second,
		logger:   logger,
	}
}

func (p *SMTPProvider) Name() string { return "smtp" }

// Send delivers one message. Delivery failures are reported through the
// Result, never as a panic or error return.
func (p *SMTPProvider) Send(ctx context.Context, to, subject, body string, meta map[string]string) domain.Result {
	msg := p.buildMessage(to, subject, body, meta)
	addr := fmt.Sprintf("%s:%d", p.Host, p.Port)

	var auth smtp.Auth
	if p.Username != "" {
		auth = smtp.PlainAuth("", p.Username, p.Password, p.Host)
	}

	var err error
	if p.Port == 465 {
		err = p.sendImplicitTLS(addr, auth, to, msg)
	} else {
		err = sendMailHook(addr, auth, p.From, []string{to}, []byte(msg))
	}
	if err != nil {
		p.logger.Errorf("SMTP send to %s failed: %v", to, err)
		return domain.Result{Success: false, Err: err.Error(), Provider: p.Name()}
	}
	p.logger.Infof("Email sent successfully to %s via smtp.", to)
	return domain.Result{Success: true, Provider: p.Name()}
}

func (p *SMTPProvider) buildMessage(to, subject, body string, meta map[string]string) string {
	headers := make(map[string]string)
	headers["From"] = fmt.Sprintf("%s <%s>", p.FromName, p.From)
	headers["To"] = to
	headers["Subject"] = subject
	headers["MIME-Version"] = "1.0"
	headers["Content-Type"] = "text/html; charset=\"UTF-8\""
	for k, v := range meta {
		headers[k] = v
	}

	var msg strings.Builder
	for k, v := range headers {
		msg.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	msg.WriteString("\r\n" + body)
	return msg.String()
}

func (p *SMTPProvider) sendImplicitTLS(addr string, auth smtp.Auth, to, msg string) error {
	conn, err := tls.Dial("tcp", addr, p.tlsConfig())
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, p.Host)
	if err != nil {
		return err
	}
	defer c.Close()

	if auth != nil {
		if err = c.Auth(auth); err != nil {
			return err
		}
	}
	if err = c.Mail(p.From); err != nil {
		return err
	}
	if err = c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write([]byte(msg)); err != nil {
		return err
	}
	return w.Close()
}

func (p *SMTPProvider) tlsConfig() *tls.Config {
	if p.Host == "localhost" {
		return &tls.Config{
			InsecureSkipVerify: true,
			ServerName:         p.Host,
		}
	}
	return &tls.Config{
		ServerName: p.Host,
	}
}
