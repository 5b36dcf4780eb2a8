package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"chipin-service/internal/domain"
)

type fakeEmailSender struct {
	err  error
	keys []string
}

func (f *fakeEmailSender) SendEmail(ctx context.Context, msg Email, key string) error {
	f.keys = append(f.keys, key)
	return f.err
}

type fakeLogStore struct {
	logs []domain.EmailLog
}

func (f *fakeLogStore) SaveLog(ctx context.Context, l domain.EmailLog) error {
	f.logs = append(f.logs, l)
	return nil
}

func TestLoggingEmailSenderRecordsOutcome(t *testing.T) {
	next := &fakeEmailSender{}
	store := &fakeLogStore{}
	s := NewLoggingEmailSender(next, store)

	if err := s.SendEmail(context.Background(), Email{To: "guest@example.com", Subject: "Hi"}, "reminder:r1:email"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next.err = errors.New("smtp down")
	if err := s.SendEmail(context.Background(), Email{To: "guest@example.com", Subject: "Hi"}, "reminder:r2:email"); err == nil {
		t.Fatal("expected send error to be returned")
	}

	if len(store.logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(store.logs))
	}
	if store.logs[0].Status != domain.StatusSent || store.logs[0].Reference != "reminder:r1:email" {
		t.Fatalf("unexpected first log: %+v", store.logs[0])
	}
	if store.logs[1].Status != domain.StatusFailed || store.logs[1].ErrorMessage.String != "smtp down" {
		t.Fatalf("unexpected second log: %+v", store.logs[1])
	}
}

func TestSMTPEmailSenderRequiresHost(t *testing.T) {
	s := NewSMTPEmailSender("", "587", "", "", "", 0)
	if err := s.SendEmail(context.Background(), Email{To: "a@b.co"}, ""); err == nil {
		t.Fatal("expected configuration error")
	}
}

// silentSMTPServer accepts connections and never sends the greeting.
func silentSMTPServer(t *testing.T) (host, port string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		for {
			select {
			case c := <-conns:
				c.Close()
			default:
				return
			}
		}
	})
	host, port, _ = net.SplitHostPort(ln.Addr().String())
	return host, port
}

func TestSMTPEmailSenderTimesOutOnSilentServer(t *testing.T) {
	host, port := silentSMTPServer(t)
	s := NewSMTPEmailSender(host, port, "", "", "chipin@example.com", 200*time.Millisecond)

	start := time.Now()
	err := s.SendEmail(context.Background(), Email{To: "a@b.co", Subject: "Hi", Text: "hello"}, "key-1")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("send took %s, want it bounded by the timeout", elapsed)
	}
}

func TestSMTPEmailSenderStopsOnContextCancel(t *testing.T) {
	host, port := silentSMTPServer(t)
	s := NewSMTPEmailSender(host, port, "", "", "chipin@example.com", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := s.SendEmail(ctx, Email{To: "a@b.co", Subject: "Hi", Text: "hello"}, ""); err == nil {
		t.Fatal("expected error after cancel")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("send took %s after the context expired", elapsed)
	}
}

// scriptedSMTPServer answers one session and hands back the DATA payload.
func scriptedSMTPServer(t *testing.T) (host, port string, data <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 fake ready")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
			switch verb {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250 fake")
			case "MAIL", "RCPT":
				_ = tp.PrintfLine("250 ok")
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				lines, err := tp.ReadDotLines()
				if err != nil {
					return
				}
				out <- strings.Join(lines, "\n")
				_ = tp.PrintfLine("250 queued")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("500 unknown")
			}
		}
	}()
	host, port, _ = net.SplitHostPort(ln.Addr().String())
	return host, port, out
}

func TestSMTPEmailSenderDeliversMessage(t *testing.T) {
	host, port, data := scriptedSMTPServer(t)
	s := NewSMTPEmailSender(host, port, "", "", "ChipIn <chipin@example.com>", 2*time.Second)

	err := s.SendEmail(context.Background(), Email{To: " Host@Example.com ", Subject: "Payout ready", Text: "hello"}, "payout-1")
	if err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	select {
	case body := <-data:
		if !strings.Contains(body, "X-Idempotency-Key: payout-1") || !strings.Contains(body, "Subject: Payout ready") {
			t.Fatalf("unexpected message:\n%s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server received no message")
	}
}

func TestCloudWhatsAppSenderSendsTemplate(t *testing.T) {
	var got waRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v23.0/12345/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	s := NewCloudWhatsAppSender(srv.URL+"/", "v23.0", "12345", "token", "en_US")
	res, err := s.SendTemplate(context.Background(), "082 123 4567", "contribution_reminder", []string{"Maya", "Bike"}, "")
	if err != nil {
		t.Fatalf("SendTemplate: %v", err)
	}
	if res.MessageID != "wamid.1" || res.Skipped {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got.To != "+27821234567" || got.Template.Name != "contribution_reminder" || got.Template.Language.Code != "en_US" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if len(got.Template.Components) != 1 || len(got.Template.Components[0].Parameters) != 2 {
		t.Fatalf("unexpected components: %+v", got.Template.Components)
	}
}

func TestCloudWhatsAppSenderSkipsInvalidNumber(t *testing.T) {
	s := NewCloudWhatsAppSender("http://unused", "v23.0", "1", "token", "en_US")
	res, err := s.SendTemplate(context.Background(), "12", "t", nil, "")
	if err != nil || !res.Skipped {
		t.Fatalf("expected skip, got %+v err=%v", res, err)
	}
}

func TestCloudWhatsAppSenderReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad template"}}`))
	}))
	defer srv.Close()

	s := NewCloudWhatsAppSender(srv.URL, "v23.0", "1", "token", "en_US")
	if _, err := s.SendTemplate(context.Background(), "0821234567", "t", nil, ""); err == nil {
		t.Fatal("expected api error")
	}
}
