package mailer

import (
	"bufio"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maine/set_news_watcher/internal/config"
	"github.com/maine/set_news_watcher/internal/news"
)

func testSender(cfg config.SMTP) *Sender {
	s := New(cfg, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2024, 6, 14, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestBuildMessage_PlainText(t *testing.T) {
	s := testSender(config.SMTP{From: "bot@example.com", To: []string{"a@example.com", "b@example.com"}})
	subject := "SET Alert (KBANK) 14/06/2024: 1 new item(s) รายงาน"
	body := "[1] รายงานผลการซื้อหุ้นคืน\nชื่อบริษัท: ธนาคารกสิกรไทย"

	raw, err := s.BuildMessage(news.Digest{Subject: subject, Body: body})
	require.NoError(t, err)

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)

	require.Equal(t, "bot@example.com", msg.Header.Get("From"))
	require.Equal(t, "a@example.com, b@example.com", msg.Header.Get("To"))
	require.Contains(t, msg.Header.Get("Subject"), "=?utf-8?b?")

	decoded, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	require.Equal(t, subject, decoded)

	require.Equal(t, "quoted-printable", msg.Header.Get("Content-Transfer-Encoding"))
	text, err := io.ReadAll(quotedprintable.NewReader(msg.Body))
	require.NoError(t, err)
	require.Equal(t, strings.ReplaceAll(body, "\n", "\r\n"), string(text))
}

func TestBuildMessage_Attachments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	content := strings.Repeat("attachment line\n", 20)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s := testSender(config.SMTP{From: "bot@example.com", To: []string{"a@example.com"}})
	raw, err := s.BuildMessage(news.Digest{Subject: "test", Body: "hello", Attachments: []string{path}})
	require.NoError(t, err)

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)
	require.Equal(t, "test", msg.Header.Get("Subject"))

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(msg.Body, params["boundary"])

	textPart, err := mr.NextPart()
	require.NoError(t, err)
	text, err := io.ReadAll(textPart)
	require.NoError(t, err)
	require.Equal(t, "hello", string(text))

	filePart, err := mr.NextPart()
	require.NoError(t, err)
	require.Equal(t, "report.txt", filePart.FileName())
	require.Equal(t, "base64", filePart.Header.Get("Content-Transfer-Encoding"))

	_, err = mr.NextPart()
	require.ErrorIs(t, err, io.EOF)
}

func TestBuildMessage_MissingAttachment(t *testing.T) {
	s := testSender(config.SMTP{From: "bot@example.com", To: []string{"a@example.com"}})
	_, err := s.BuildMessage(news.Digest{Subject: "x", Body: "y", Attachments: []string{"/nonexistent/file.pdf"}})
	require.Error(t, err)
}

// fakeSMTP принимает одно письмо без TLS и авторизации.
func fakeSMTP(t *testing.T) (port int, received <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
			switch cmd {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250 localhost")
			case "MAIL", "RCPT", "RSET", "NOOP":
				_ = tp.PrintfLine("250 OK")
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				data, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				out <- string(data)
				_ = tp.PrintfLine("250 queued")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("502 unknown")
			}
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, out
}

func TestSend_PlainServerWithoutAuth(t *testing.T) {
	port, received := fakeSMTP(t)
	s := testSender(config.SMTP{Host: "127.0.0.1", Port: port, From: "bot@example.com", To: []string{"a@example.com"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, news.Digest{Subject: "hello", Body: "world"}))

	select {
	case data := <-received:
		msg, err := mail.ReadMessage(bufio.NewReader(strings.NewReader(data)))
		require.NoError(t, err)
		require.Equal(t, "hello", msg.Header.Get("Subject"))
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}

func TestSend_RefusesPasswordWithoutTLS(t *testing.T) {
	port, _ := fakeSMTP(t)
	s := testSender(config.SMTP{
		Host: "127.0.0.1", Port: port, User: "bot", Pass: "secret",
		From: "bot@example.com", To: []string{"a@example.com"},
	})

	err := s.Send(context.Background(), news.Digest{Subject: "hello", Body: "world"})
	require.ErrorIs(t, err, ErrNoSTARTTLS)
}

func TestSend_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := testSender(config.SMTP{Host: "127.0.0.1", Port: port, From: "f@example.com", To: []string{"t@example.com"}})
	err = s.Send(context.Background(), news.Digest{Subject: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), strconv.Itoa(port))
}
