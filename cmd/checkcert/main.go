package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"certwatch/internal/config"
	"certwatch/internal/probe"
	"certwatch/internal/report"
	"certwatch/internal/status"
)

func main() {
	host := flag.String("host", "", "Hostname to check (omit to check every domain in the config)")
	port := flag.Int("port", 443, "TLS port")
	timeout := flag.Duration("timeout", 15*time.Second, "Probe timeout")
	configFile := flag.String("config", "config.yaml", "Config file path (used when -host is not set)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	// 记录 -timeout 是否被显式指定，配置文件模式下未指定时沿用配置值
	timeoutSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "timeout" {
			timeoutSet = true
		}
	})

	var rows []report.Row
	if *host != "" {
		rows = checkSingle(*host, *port, *timeout, *verbose)
	} else {
		rows = checkConfigured(*configFile, *timeout, timeoutSet, *verbose)
	}

	fmt.Print(report.FormatTable(rows))
	fmt.Println()

	summary := report.Summarize(rows)
	if bad := summary.Checked - summary.OK; bad > 0 {
		fmt.Printf("⚠️  %d/%d 个端点需要关注 (warning=%d critical=%d expired=%d error=%d)\n",
			bad, summary.Checked, summary.Warning, summary.Critical, summary.Expired, summary.Errors)
		os.Exit(1)
	}
	fmt.Printf("✅ 全部正常，共检查 %d 个端点\n", summary.Checked)
}

// checkSingle 检查命令行指定的单个端点，不读取配置文件
func checkSingle(host string, port int, timeout time.Duration, verbose bool) []report.Row {
	hostname := config.CleanHostname(host)
	if hostname == "" {
		fmt.Printf("❌ 无效的域名: %s\n", host)
		os.Exit(1)
	}
	if port < 1 || port > 65535 {
		fmt.Printf("❌ 无效的端口: %d\n", port)
		os.Exit(1)
	}

	if verbose {
		fmt.Printf("🔍 检查 %s:%d (超时 %v)\n\n", hostname, port, timeout)
	}

	prober := probe.NewProber(timeout)
	result := prober.Probe(context.Background(), hostname, port)

	if verbose {
		fmt.Printf("%s %s:%d (%dms)\n\n", statusMark(result.Status), hostname, port, result.Latency)
	}

	return []report.Row{rowFromResult(result)}
}

// checkConfigured 检查配置文件中的全部启用域名
func checkConfigured(configFile string, timeout time.Duration, timeoutSet, verbose bool) []report.Row {
	// 加载 .env 文件（仅用于本地开发，不覆盖已有环境变量）
	if err := config.LoadDotenvFromConfigDir(configFile, verbose); err != nil {
		fmt.Printf("⚠️  %v\n", err)
		// 不中断执行，继续尝试加载配置
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(configFile)
	if err != nil {
		fmt.Printf("❌ 加载配置失败: %v\n", err)
		os.Exit(1)
	}

	domains := cfg.EnabledDomains()
	if len(domains) == 0 {
		fmt.Println("❌ 配置中没有启用的域名")
		os.Exit(1)
	}

	if !timeoutSet && cfg.TimeoutDuration > 0 {
		timeout = cfg.TimeoutDuration
	}

	limit := cfg.MaxConcurrency
	if limit == -1 {
		limit = len(domains)
	}
	if limit < 1 {
		limit = 10
	}

	if verbose {
		fmt.Printf("🔍 检查 %d 个域名 (超时 %v, 并发 %d)\n\n", len(domains), timeout, limit)
	}

	prober := probe.NewProber(timeout)
	rows := make([]report.Row, len(domains))

	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, d := range domains {
		g.Go(func() error {
			result := prober.Probe(context.Background(), d.Hostname, d.Port)
			if verbose {
				fmt.Printf("  %s %s:%d (%dms)\n", statusMark(result.Status), d.Hostname, d.Port, result.Latency)
			}
			rows[i] = rowFromResult(result)
			return nil
		})
	}
	_ = g.Wait()

	if verbose {
		fmt.Println()
	}
	return rows
}

// rowFromResult 直接从探测结果构造报表行，不经过存储
func rowFromResult(r *probe.Result) report.Row {
	return report.Row{
		Hostname:      r.Hostname,
		Port:          r.Port,
		Status:        r.Status,
		DaysRemaining: r.DaysRemaining,
		ExpireDate:    r.ExpiresAt,
		IssuerName:    r.Issuer,
		ErrorMessage:  r.ErrorMessage,
	}
}

func statusMark(st status.Status) string {
	switch st {
	case status.StatusOK:
		return "✅"
	case status.StatusWarning:
		return "⚠️ "
	case status.StatusCritical:
		return "🚨"
	case status.StatusExpired:
		return "❌"
	default:
		return "🔴"
	}
}
