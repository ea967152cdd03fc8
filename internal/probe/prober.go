// Package probe 负责对单个端点执行 TLS 握手并提取证书信息
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"certwatch/internal/status"
)

// maxErrorLen 存储的错误信息长度上限
const maxErrorLen = 256

// defaultTimeout 兜底探测超时
const defaultTimeout = 15 * time.Second

// Result 单个端点的探测结果
type Result struct {
	Hostname  string
	Port      int
	Succeeded bool

	// DaysRemaining 证书剩余天数（探测失败且无法取得到期日时为 nil）
	DaysRemaining *int

	// ExpiresAt 到期日（"2006-01-02"，未知时为空）
	ExpiresAt string

	// Issuer 签发者（组织名优先，无组织名时退回 CN）
	Issuer string

	// ErrorMessage 探测失败的原因（已截断，成功时为空）
	ErrorMessage string

	Status    status.Status
	CheckedAt int64 // Unix 秒
	Latency   int   // ms
}

// Prober TLS 证书探测器
// 无共享可变状态，可被多个 goroutine 并发使用
type Prober struct {
	timeout time.Duration

	// rootCAs 为空时使用系统根证书
	rootCAs *x509.CertPool
}

// NewProber 创建探测器
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Prober{timeout: timeout}
}

// Probe 探测单个端点的证书
// 超时即失败，不做自动重试；任何失败都返回可展示的 Result，不返回 error
func (p *Prober) Probe(ctx context.Context, hostname string, port int) *Result {
	result := &Result{
		Hostname:  hostname,
		Port:      port,
		CheckedAt: time.Now().Unix(),
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	addr := net.JoinHostPort(hostname, strconv.Itoa(port))

	leaf, err := p.fetchLeaf(ctx, addr, hostname, false)
	if err == nil {
		p.fillCertFacts(result, leaf)
		result.Succeeded = true
		result.Status = status.Classify(true, *result.DaysRemaining, "")
		result.Latency = int(time.Since(start).Milliseconds())
		return result
	}

	// 过期类校验失败：跳过校验重连一次，补抓真实的到期日和签发者
	// 叶子证书确实过期时按成功结果返回（负剩余天数判为 EXPIRED，数据完整）
	if isExpiryError(err) {
		if leaf, rerr := p.fetchLeaf(ctx, addr, hostname, true); rerr == nil {
			if days := daysUntil(leaf.NotAfter, time.Now().UTC()); days < 0 {
				p.fillCertFacts(result, leaf)
				result.Succeeded = true
				result.Status = status.Classify(true, days, "")
				result.Latency = int(time.Since(start).Milliseconds())
				return result
			}
			// 叶子证书未过期，过期的是链上其它证书，保留原始错误
		}
	}

	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("探测超时(%v): %v", p.timeout, err)
	}
	result.ErrorMessage = boundMessage(msg)
	result.Status = status.Classify(false, 0, result.ErrorMessage)
	result.Latency = int(time.Since(start).Milliseconds())
	return result
}

// fetchLeaf 建立 TLS 连接并返回对端叶子证书
func (p *Prober) fetchLeaf(ctx context.Context, addr, hostname string, insecure bool) (*x509.Certificate, error) {
	dialer := &tls.Dialer{
		Config: &tls.Config{
			ServerName:         hostname,
			RootCAs:            p.rootCAs,
			InsecureSkipVerify: insecure,
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("对端未返回证书")
	}
	return state.PeerCertificates[0], nil
}

// fillCertFacts 从叶子证书提取剩余天数、到期日和签发者
func (p *Prober) fillCertFacts(result *Result, leaf *x509.Certificate) {
	days := daysUntil(leaf.NotAfter, time.Now().UTC())
	result.DaysRemaining = &days
	result.ExpiresAt = leaf.NotAfter.UTC().Format("2006-01-02")
	result.Issuer = issuerName(leaf)
}

// daysUntil 计算到期剩余天数，向下取整
// 过期 1 小时即为 -1 天，而不是 0 天
func daysUntil(notAfter, now time.Time) int {
	return int(math.Floor(notAfter.Sub(now).Hours() / 24))
}

// issuerName 优先取签发者组织名，缺失时退回 CN
func issuerName(leaf *x509.Certificate) string {
	if len(leaf.Issuer.Organization) > 0 && leaf.Issuer.Organization[0] != "" {
		return leaf.Issuer.Organization[0]
	}
	return leaf.Issuer.CommonName
}

// isExpiryError 判断校验失败是否由证书过期引起
// 过期优先于一般校验错误，保证状态判为 EXPIRED 而不是 ERROR
func isExpiryError(err error) bool {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "expired")
}

// boundMessage 截断过长的错误信息
func boundMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxErrorLen {
		return msg
	}
	return string(runes[:maxErrorLen]) + "..."
}
