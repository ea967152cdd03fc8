package notify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"mime"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"certwatch/internal/config"
	"certwatch/internal/status"
	"certwatch/internal/storage"
)

func intPtr(n int) *int {
	return &n
}

func hostPortOf(t *testing.T, addr string) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return host, port
}

// makeServerTLSCert 生成自签服务端证书（含 127.0.0.1 SAN）及信任它的 CA 池
func makeServerTLSCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"CertWatch Test"}, CommonName: "127.0.0.1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

// fakeSMTPServer 脚本化的 SMTP 服务器：明文阶段只接受 EHLO/STARTTLS，
// TLS 升级后记录认证、信封与正文，供测试断言
type fakeSMTPServer struct {
	listener net.Listener
	cert     tls.Certificate
	pool     *x509.CertPool
	done     chan struct{}

	// 会话记录（serveOne 写入，close(done) 之后读取）
	authLine  string
	mailFrom  string
	rcptLines []string
	dataLines []string
}

func startFakeSMTPServer(t *testing.T) *fakeSMTPServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cert, pool := makeServerTLSCert(t)

	srv := &fakeSMTPServer{
		listener: ln,
		cert:     cert,
		pool:     pool,
		done:     make(chan struct{}),
	}
	t.Cleanup(func() { ln.Close() })
	go srv.serveOne()

	return srv
}

func (s *fakeSMTPServer) serveOne() {
	defer close(s.done)

	conn, err := s.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	text := textproto.NewConn(conn)
	if err := text.PrintfLine("220 fake.test ESMTP ready"); err != nil {
		return
	}

	// 明文阶段
	for {
		line, err := text.ReadLine()
		if err != nil {
			return
		}
		if strings.HasPrefix(line, "EHLO") {
			_ = text.PrintfLine("250-fake.test")
			_ = text.PrintfLine("250 STARTTLS")
			continue
		}
		if line == "STARTTLS" {
			_ = text.PrintfLine("220 2.0.0 ready to start TLS")
			break
		}
		_ = text.PrintfLine("502 5.5.1 unsupported")
	}

	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{s.cert}})
	if err := tlsConn.Handshake(); err != nil {
		return
	}
	_ = tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
	text = textproto.NewConn(tlsConn)

	// 加密阶段
	for {
		line, err := text.ReadLine()
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(line, "EHLO"):
			_ = text.PrintfLine("250-fake.test")
			_ = text.PrintfLine("250 AUTH PLAIN")
		case strings.HasPrefix(line, "AUTH PLAIN"):
			s.authLine = line
			_ = text.PrintfLine("235 2.7.0 authentication successful")
		case strings.HasPrefix(line, "MAIL FROM:"):
			s.mailFrom = line
			_ = text.PrintfLine("250 2.1.0 OK")
		case strings.HasPrefix(line, "RCPT TO:"):
			s.rcptLines = append(s.rcptLines, line)
			_ = text.PrintfLine("250 2.1.5 OK")
		case line == "DATA":
			_ = text.PrintfLine("354 end data with <CR><LF>.<CR><LF>")
			lines, err := text.ReadDotLines()
			if err != nil {
				return
			}
			s.dataLines = lines
			_ = text.PrintfLine("250 2.0.0 accepted")
		case line == "QUIT":
			_ = text.PrintfLine("221 2.0.0 bye")
			return
		default:
			_ = text.PrintfLine("502 5.5.1 unsupported")
		}
	}
}

func TestEmailSendFullSession(t *testing.T) {
	srv := startFakeSMTPServer(t)
	host, port := hostPortOf(t, srv.listener.Addr().String())

	ch := NewEmailChannel(config.EmailConfig{
		SMTPHost:        host,
		SMTPPort:        port,
		Username:        "alerts@example.com",
		Password:        "secret",
		From:            "alerts@example.com",
		To:              []string{"ops@example.com", "oncall@example.com"},
		TimeoutDuration: 5 * time.Second,
	})
	ch.tlsConfig = &tls.Config{ServerName: "127.0.0.1", RootCAs: srv.pool}

	alert := &storage.AlertRecord{
		ID:      1,
		Kind:    "CRITICAL",
		Message: "example.com:443 escalated from OK to CRITICAL, 3 days remaining",
		SentAt:  1700000000,
	}
	cert := &storage.CertificateRecord{
		Hostname:      "example.com",
		Port:          443,
		Status:        status.StatusCritical,
		DaysRemaining: intPtr(3),
		ExpireDate:    "2026-08-26",
		IssuerName:    "Let's Encrypt",
	}

	if err := ch.Send(context.Background(), alert, cert); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	<-srv.done

	wantAuth := "AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("\x00alerts@example.com\x00secret"))
	if srv.authLine != wantAuth {
		t.Errorf("auth line = %q, want %q", srv.authLine, wantAuth)
	}
	if srv.mailFrom != "MAIL FROM:<alerts@example.com>" {
		t.Errorf("mail from = %q", srv.mailFrom)
	}
	if len(srv.rcptLines) != 2 || srv.rcptLines[0] != "RCPT TO:<ops@example.com>" || srv.rcptLines[1] != "RCPT TO:<oncall@example.com>" {
		t.Errorf("rcpt lines = %v", srv.rcptLines)
	}

	payload := strings.Join(srv.dataLines, "\n")
	if !strings.Contains(payload, "From: alerts@example.com") {
		t.Errorf("missing From header in payload:\n%s", payload)
	}
	if !strings.Contains(payload, "To: ops@example.com, oncall@example.com") {
		t.Errorf("missing To header in payload:\n%s", payload)
	}

	// 主题经 MIME 编码传输，解码后应还原为原始主题
	var rawSubject string
	for _, line := range srv.dataLines {
		if strings.HasPrefix(line, "Subject: ") {
			rawSubject = strings.TrimPrefix(line, "Subject: ")
			break
		}
	}
	if rawSubject == "" {
		t.Fatalf("no Subject header in payload:\n%s", payload)
	}
	decoded, err := (&mime.WordDecoder{}).DecodeHeader(rawSubject)
	if err != nil {
		t.Fatalf("decode subject %q: %v", rawSubject, err)
	}
	if decoded != "🚨 CRITICAL: SSL Certificate Alert for example.com:443" {
		t.Errorf("decoded subject = %q", decoded)
	}

	for _, want := range []string{
		"Host: example.com:443",
		"Status: CRITICAL",
		"Alert Type: CRITICAL",
		"Days Remaining: 3",
		"Expiry Date: 2026-08-26",
		"Issuer Name: Let's Encrypt",
		"This is an automated alert from certwatch",
	} {
		if !strings.Contains(payload, want) {
			t.Errorf("body missing %q in payload:\n%s", want, payload)
		}
	}
}

func TestEmailSendRequiresSTARTTLS(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

		text := textproto.NewConn(conn)
		_ = text.PrintfLine("220 fake.test ESMTP ready")
		for {
			line, err := text.ReadLine()
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "EHLO") {
				// 不通告 STARTTLS 扩展
				_ = text.PrintfLine("250 fake.test")
				continue
			}
			_ = text.PrintfLine("502 5.5.1 unsupported")
		}
	}()

	host, port := hostPortOf(t, ln.Addr().String())
	ch := NewEmailChannel(config.EmailConfig{
		SMTPHost:        host,
		SMTPPort:        port,
		Username:        "alerts@example.com",
		Password:        "secret",
		From:            "alerts@example.com",
		To:              []string{"ops@example.com"},
		TimeoutDuration: 3 * time.Second,
	})

	alert := &storage.AlertRecord{Kind: "WARNING", SentAt: 1700000000}
	cert := &storage.CertificateRecord{Hostname: "example.com", Port: 443, Status: status.StatusWarning}

	err = ch.Send(context.Background(), alert, cert)
	if err == nil {
		t.Fatal("expected error when server lacks STARTTLS, got nil")
	}
	if !strings.Contains(err.Error(), "STARTTLS") {
		t.Errorf("error should mention STARTTLS, got %v", err)
	}

	ln.Close()
	<-done
}

func TestEmailSendTimeoutOnSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	// 接受连接但永不发送问候语
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	}()

	host, port := hostPortOf(t, ln.Addr().String())
	ch := NewEmailChannel(config.EmailConfig{
		SMTPHost:        host,
		SMTPPort:        port,
		From:            "alerts@example.com",
		To:              []string{"ops@example.com"},
		TimeoutDuration: 300 * time.Millisecond,
	})

	alert := &storage.AlertRecord{Kind: "CRITICAL", SentAt: 1700000000}
	cert := &storage.CertificateRecord{Hostname: "example.com", Port: 443, Status: status.StatusCritical}

	start := time.Now()
	err = ch.Send(context.Background(), alert, cert)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if elapsed > 3*time.Second {
		t.Errorf("send took %v, deadline not applied", elapsed)
	}
}

func TestSubjectLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind string
		want string
	}{
		{"CRITICAL", "🚨 CRITICAL: SSL Certificate Alert for example.com:443"},
		{"WARNING", "⚠️  WARNING: SSL Certificate Alert for example.com:443"},
		{"EXPIRED", "❌ EXPIRED: SSL Certificate Alert for example.com:443"},
		{"ERROR", "🔴 ERROR: SSL Certificate Alert for example.com:443"},
		{"RENEWAL", "✅ RENEWED: SSL Certificate Alert for example.com:443"},
		{"CUSTOM", "📧 SSL Certificate Alert for example.com:443 - CUSTOM"},
	}

	for _, tc := range cases {
		if got := subjectLine(tc.kind, "example.com", 443); got != tc.want {
			t.Errorf("subjectLine(%s) = %q, want %q", tc.kind, got, tc.want)
		}
	}
}

func TestBodyTextAllFields(t *testing.T) {
	t.Parallel()

	cert := &storage.CertificateRecord{
		Hostname:      "shop.example.com",
		Port:          8443,
		Status:        status.StatusWarning,
		DaysRemaining: intPtr(15),
		ExpireDate:    "2026-09-07",
		IssuerName:    "DigiCert Inc",
	}

	divider := strings.Repeat("=", 60)
	want := "SSL Certificate Alert\n" +
		divider + "\n\n" +
		"Host: shop.example.com:8443\n" +
		"Status: WARNING\n" +
		"Alert Type: WARNING\n\n" +
		"Days Remaining: 15\n" +
		"Expiry Date: 2026-09-07\n" +
		"Issuer Name: DigiCert Inc\n" +
		"\n" + divider + "\n" +
		"This is an automated alert from certwatch\n"

	if got := bodyText("WARNING", cert); got != want {
		t.Errorf("bodyText mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestBodyTextErrorOnly(t *testing.T) {
	t.Parallel()

	cert := &storage.CertificateRecord{
		Hostname:     "broken.example.com",
		Port:         443,
		Status:       status.StatusError,
		ErrorMessage: "connection refused",
	}

	got := bodyText("ERROR", cert)
	if strings.Contains(got, "Days Remaining:") {
		t.Errorf("body should omit days line when unknown:\n%s", got)
	}
	if strings.Contains(got, "Expiry Date:") || strings.Contains(got, "Issuer Name:") {
		t.Errorf("body should omit empty cert fields:\n%s", got)
	}
	if !strings.Contains(got, "Error Message:\nconnection refused\n") {
		t.Errorf("body missing error block:\n%s", got)
	}
}
