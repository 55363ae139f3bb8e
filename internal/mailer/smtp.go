package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/maine/set_news_watcher/internal/config"
	"github.com/maine/set_news_watcher/internal/news"
)

const (
	implicitTLSPort = 465
	dialTimeout     = 30 * time.Second
	base64LineLen   = 76
)

// ErrNoSTARTTLS — сервер не умеет STARTTLS, а слать пароль открытым текстом нельзя.
var ErrNoSTARTTLS = errors.New("smtp server does not support STARTTLS")

// Sender отправляет дайджест письмом через SMTP.
type Sender struct {
	cfg    config.SMTP
	logger zerolog.Logger
	now    func() time.Time
}

// New создаёт SMTP-отправителя.
func New(cfg config.SMTP, logger zerolog.Logger) *Sender {
	return &Sender{
		cfg:    cfg,
		logger: logger.With().Str("component", "smtp").Logger(),
		now:    time.Now,
	}
}

func (s *Sender) Name() string {
	return "smtp"
}

// Send реализует app.Sender. Одна попытка: повтор произойдёт при следующем запуске.
func (s *Sender) Send(ctx context.Context, digest news.Digest) error {
	msg, err := s.BuildMessage(digest)
	if err != nil {
		return err
	}

	if err := s.deliver(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}

	s.logger.Info().
		Str("subject", digest.Subject).
		Int("recipients", len(s.cfg.To)).
		Int("attachments", len(digest.Attachments)).
		Msg("email sent")
	return nil
}

// BuildMessage собирает письмо: UTF-8 тело в quoted-printable, вложения в multipart/mixed.
func (s *Sender) BuildMessage(digest news.Digest) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", s.cfg.From)
	writeHeader(&buf, "To", strings.Join(s.cfg.To, ", "))
	writeHeader(&buf, "Subject", mime.BEncoding.Encode("utf-8", digest.Subject))
	writeHeader(&buf, "Date", s.now().Format(time.RFC1123Z))
	writeHeader(&buf, "MIME-Version", "1.0")

	if len(digest.Attachments) == 0 {
		writeHeader(&buf, "Content-Type", "text/plain; charset=UTF-8")
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, digest.Body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	textPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=UTF-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if err := writeQuotedPrintable(textPart, digest.Body); err != nil {
		return nil, err
	}

	for _, path := range digest.Attachments {
		if err := writeAttachment(mw, path); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}

func writeQuotedPrintable(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	return nil
}

func writeAttachment(mw *multipart.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read attachment %s: %w", path, err)
	}

	name := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
	})
	if err != nil {
		return fmt.Errorf("create attachment part: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > base64LineLen {
		if _, err := fmt.Fprintf(part, "%s\r\n", encoded[:base64LineLen]); err != nil {
			return fmt.Errorf("write attachment: %w", err)
		}
		encoded = encoded[base64LineLen:]
	}
	if _, err := fmt.Fprintf(part, "%s\r\n", encoded); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	return nil
}

// deliver открывает соединение (STARTTLS или сразу TLS на 465), авторизуется и отправляет письмо.
func (s *Sender) deliver(ctx context.Context, msg []byte) error {
	host := s.cfg.Host
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{ServerName: host}

	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if s.cfg.Port == implicitTLSPort {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if s.cfg.Port != implicitTLSPort {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		} else if s.cfg.User != "" {
			return ErrNoSTARTTLS
		}
	}

	if s.cfg.User != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range s.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return client.Quit()
}
