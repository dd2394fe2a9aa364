package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"stockgate/pkg/render"
)

// SMTPConfig describes the relay used to deliver codes.
type SMTPConfig struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string
	From     string
	Brand    string

	ConnectionTimeout time.Duration
	GreetingTimeout   time.Duration
	SocketTimeout     time.Duration

	InsecureSkipVerify bool
	LocalName          string
}

// SMTP sends codes over an SMTP relay with implicit TLS or STARTTLS.
type SMTP struct {
	cfg  SMTPConfig
	tmpl *render.Engine

	// watch registers the cancellation hook for an open exchange.
	watch func(ctx context.Context, f func()) (stop func() bool)
}

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, errors.New("mailer: smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
		if cfg.Secure {
			cfg.Port = 465
		}
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, errors.New("mailer: sender address is required")
	}
	if cfg.Brand == "" {
		cfg.Brand = "Stockroom"
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 15 * time.Second
	}
	if cfg.GreetingTimeout <= 0 {
		cfg.GreetingTimeout = 10 * time.Second
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = 20 * time.Second
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	tmpl, err := render.New()
	if err != nil {
		return nil, fmt.Errorf("mailer: %w", err)
	}
	return &SMTP{cfg: cfg, tmpl: tmpl, watch: context.AfterFunc}, nil
}

func (s *SMTP) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// SendCode delivers msg. Connection, greeting and socket phases are each bounded.
func (s *SMTP) SendCode(ctx context.Context, msg Message) error {
	body, err := s.compose(msg)
	if err != nil {
		return err
	}

	c, release, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := c.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end data: %w", err)
	}
	return c.Quit()
}

// Verify connects, authenticates and quits without sending anything.
func (s *SMTP) Verify(ctx context.Context) error {
	c, release, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer release()
	return c.Quit()
}

// open dials the relay and returns a client past greeting, EHLO, TLS and AUTH.
// release must be called once the exchange is over; it unhooks ctx and closes
// the client.
func (s *SMTP) open(ctx context.Context) (*smtp.Client, func(), error) {
	dialer := &net.Dialer{Timeout: s.cfg.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.Addr())
	if err != nil {
		return nil, nil, fmt.Errorf("smtp connect: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify, //nolint:gosec // opt-in via SMTP_TLS_REJECT_UNAUTHORIZED=false
		MinVersion:         tls.VersionTLS12,
	}

	if s.cfg.Secure {
		tlsConn := tls.Client(conn, tlsConfig)
		_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.GreetingTimeout))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("smtp tls handshake: %w", err)
		}
		conn = tlsConn
	}

	// Abort the exchange as soon as ctx ends.
	watch := s.watch
	if watch == nil {
		watch = context.AfterFunc
	}
	stop := watch(ctx, func() { _ = conn.SetDeadline(time.Now()) })

	_ = conn.SetDeadline(time.Now().Add(s.cfg.GreetingTimeout))
	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		stop()
		conn.Close()
		return nil, nil, fmt.Errorf("smtp greeting: %w", err)
	}

	release := func() {
		stop()
		_ = c.Close()
	}

	_ = conn.SetDeadline(time.Now().Add(s.cfg.SocketTimeout))
	fail := func(step string, err error) (*smtp.Client, func(), error) {
		release()
		return nil, nil, fmt.Errorf("smtp %s: %w", step, err)
	}

	if err := c.Hello(s.cfg.LocalName); err != nil {
		return fail("ehlo", err)
	}
	if !s.cfg.Secure {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fail("starttls", err)
			}
		}
	}
	if s.cfg.Username != "" && s.cfg.Password != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
				return fail("auth", err)
			}
		}
	}
	return c, release, nil
}

func (s *SMTP) compose(msg Message) ([]byte, error) {
	if msg.To == "" || msg.Code == "" {
		return nil, errors.New("mailer: recipient and code are required")
	}
	if strings.ContainsAny(msg.To, "\r\n") {
		return nil, errors.New("mailer: invalid recipient")
	}

	minutes := int(msg.TTL / time.Minute)
	if minutes <= 0 {
		minutes = 10
	}
	view := codeView{Brand: s.cfg.Brand, Code: msg.Code, Minutes: minutes}

	text, err := s.tmpl.Render(codeTextTemplate, view)
	if err != nil {
		return nil, fmt.Errorf("render text body: %w", err)
	}
	html, err := s.tmpl.Render(codeHTMLTemplate, view)
	if err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}

	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)
	for _, part := range []struct {
		contentType string
		body        []byte
	}{
		{"text/plain; charset=UTF-8", []byte(text)},
		{"text/html; charset=UTF-8", []byte(html)},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(part.body); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	headers := []string{
		"From: " + s.cfg.From,
		"To: " + msg.To,
		"Subject: " + s.cfg.Brand + " sign-in verification code",
		"Date: " + time.Now().Format(time.RFC1123Z),
		"Message-ID: <" + uuid.NewString() + "@" + s.cfg.LocalName + ">",
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=" + mw.Boundary(),
	}
	for _, h := range headers {
		out.WriteString(h)
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")
	out.Write(parts.Bytes())
	return out.Bytes(), nil
}
