package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// sendTimeout bounds the whole SMTP conversation, dial included. Relay
// hosts on flaky networks are exactly what this tool runs next to.
const sendTimeout = 30 * time.Second

// SMTPConfig holds mail relay configuration
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	TLS      bool
}

// Validate checks if the SMTP configuration is valid
func (c *SMTPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("smtp port %d is invalid", c.Port)
	}
	if c.From == "" {
		return fmt.Errorf("smtp from address is required")
	}
	if len(c.To) == 0 {
		return fmt.Errorf("at least one smtp recipient is required")
	}
	return nil
}

// Mailer sends plain-text mail through a relay host.
type Mailer struct {
	config SMTPConfig
}

// NewMailer creates a mailer after validating the configuration.
func NewMailer(config SMTPConfig) (*Mailer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid smtp config: %w", err)
	}
	return &Mailer{config: config}, nil
}

// Send delivers one message to all configured recipients.
func (m *Mailer) Send(ctx context.Context, subject, body string) error {
	addr := net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
	klog.V(4).Infof("Sending mail %q to %s via %s", subject, strings.Join(m.config.To, ", "), addr)

	conn, err := m.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	// One deadline covers the full conversation so a stalled relay cannot
	// hold the run open.
	deadline := time.Now().Add(sendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, m.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if m.config.Username != "" {
		auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err = client.Mail(m.config.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, recipient := range m.config.To {
		if err = client.Rcpt(recipient); err != nil {
			return fmt.Errorf("smtp rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err = w.Write(m.buildMessage(subject, body)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("close message writer: %w", err)
	}

	return client.Quit()
}

func (m *Mailer) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: sendTimeout}
	if m.config.TLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				ServerName: m.config.Host,
				MinVersion: tls.VersionTLS12,
			},
		}
		return tlsDialer.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// buildMessage constructs the message with headers
func (m *Mailer) buildMessage(subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.config.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(m.config.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}
