package smtpqueue

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
)

// Transport delivers one outgoing item over the wire. The production
// implementation speaks SMTP; tests substitute a fake.
type Transport interface {
	Send(ctx context.Context, params model.ConnectionParams, item model.OutgoingItem) error
}

// SMTPTransport delivers mail over SMTP with implicit TLS or STARTTLS
// per the account's connection parameters.
type SMTPTransport struct {
	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration
}

// Send connects, authenticates, and submits the message. Protocol
// rejections are classified into the engine error taxonomy by reply
// code; everything before the SMTP dialogue wraps ErrConnectionFailed.
func (t *SMTPTransport) Send(ctx context.Context, params model.ConnectionParams, item model.OutgoingItem) error {
	addr := fmt.Sprintf("%s:%d", params.SMTPHost, params.SMTPPort)

	client, err := t.connect(ctx, addr, params)
	if err != nil {
		return fmt.Errorf("connecting to SMTP %s: %v: %w", addr, err, model.ErrConnectionFailed)
	}
	defer client.Close()

	if err := client.Auth(smtpAuth(params)); err != nil {
		return fmt.Errorf("SMTP auth: %v: %w", err, model.ErrAuthenticationFailed)
	}

	if err := submit(client, item); err != nil {
		return err
	}

	return client.Quit()
}

// connect establishes a secured SMTP client per the TLS mode.
func (t *SMTPTransport) connect(ctx context.Context, addr string, params model.ConnectionParams) (*smtp.Client, error) {
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	tlsConfig := &tls.Config{ServerName: params.SMTPHost}

	if params.SMTPTLSMode == model.TLSModeImplicit {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("TLS dial to %s: %w", addr, err)
		}
		client, err := smtp.NewClient(conn, params.SMTPHost)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating SMTP client: %w", err)
		}
		return client, nil
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial to %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, params.SMTPHost)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	if err := client.StartTLS(tlsConfig); err != nil {
		client.Close()
		return nil, fmt.Errorf("SMTP STARTTLS: %w", err)
	}
	return client, nil
}

// submit runs the MAIL/RCPT/DATA dialogue on an authenticated client.
func submit(client *smtp.Client, item model.OutgoingItem) error {
	if err := client.Mail(item.From); err != nil {
		return classifyReply("SMTP MAIL FROM", err)
	}

	for _, rcpt := range recipientList(item.To) {
		if err := client.Rcpt(rcpt); err != nil {
			return classifyReply("SMTP RCPT TO", err)
		}
	}

	raw, err := composeMessage(item)
	if err != nil {
		return fmt.Errorf("composing message: %v: %w", err, model.ErrPermanentFailure)
	}

	writer, err := client.Data()
	if err != nil {
		return classifyReply("SMTP DATA", err)
	}
	if _, err := writer.Write(raw); err != nil {
		writer.Close()
		return fmt.Errorf("writing message body: %v: %w", err, model.ErrRetryableFailure)
	}
	if err := writer.Close(); err != nil {
		return classifyReply("SMTP DATA close", err)
	}
	return nil
}

// composeMessage renders the item as an RFC 5322 message with a single
// text/plain part.
func composeMessage(item model.OutgoingItem) ([]byte, error) {
	var to []*mail.Address
	for _, addr := range recipientList(item.To) {
		to = append(to, &mail.Address{Address: addr})
	}

	var header mail.Header
	header.SetDate(time.Now())
	header.SetAddressList("From", []*mail.Address{{Address: item.From}})
	header.SetAddressList("To", to)
	header.SetSubject(item.Subject)
	header.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	writer, err := mail.CreateSingleInlineWriter(&buf, header)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(writer, item.Body); err != nil {
		writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func recipientList(to string) []string {
	var rcpts []string
	for _, addr := range strings.Split(to, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			rcpts = append(rcpts, addr)
		}
	}
	return rcpts
}

// classifyReply maps an SMTP reply code onto the error taxonomy:
// 452/552 are quota conditions, other 4xx are retryable, 5xx are
// permanent. Non-protocol errors (dropped connection mid-dialogue)
// count as retryable.
func classifyReply(op string, err error) error {
	var protoErr *textproto.Error
	if !errors.As(err, &protoErr) {
		return fmt.Errorf("%s: %v: %w", op, err, model.ErrRetryableFailure)
	}

	switch {
	case protoErr.Code == 452 || protoErr.Code == 552:
		return fmt.Errorf("%s: %v: %w", op, err, model.ErrQuotaExceeded)
	case protoErr.Code >= 400 && protoErr.Code < 500:
		return fmt.Errorf("%s: %v: %w", op, err, model.ErrRetryableFailure)
	default:
		return fmt.Errorf("%s: %v: %w", op, err, model.ErrPermanentFailure)
	}
}

// smtpAuth picks the SASL mechanism matching the account's auth mode.
func smtpAuth(params model.ConnectionParams) smtp.Auth {
	if params.AuthMode == model.AuthModeOAuth2 {
		return &xoauth2Auth{username: params.Address, token: params.AccessToken}
	}
	return smtp.PlainAuth("", params.Address, params.Password, params.SMTPHost)
}

// xoauth2Auth implements the XOAUTH2 mechanism for net/smtp.
type xoauth2Auth struct {
	username string
	token    string
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("XOAUTH2 requires a TLS connection")
	}
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, a.token)
	return "XOAUTH2", []byte(resp), nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	// The server sends a challenge only on failure; an empty reply
	// makes it return the final error status.
	if more {
		return []byte(""), nil
	}
	return nil, nil
}
