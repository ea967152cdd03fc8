package generator

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// TemplateRegistry 模板注册表
type TemplateRegistry struct {
	templates map[string]string
}

// NewTemplateRegistry 创建新的模板注册表
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{
		templates: map[string]string{
			"starter":    starterTemplate,
			"web":        webTemplate,
			"mail":       mailTemplate,
			"production": productionTemplate,
		},
	}
}

// GetTemplate 获取模板
func (tr *TemplateRegistry) GetTemplate(name string) (string, error) {
	template, ok := tr.templates[name]
	if !ok {
		return "", fmt.Errorf("未知的模板: %s", name)
	}
	return template, nil
}

// ListTemplates 列出所有可用模板
func (tr *TemplateRegistry) ListTemplates() []string {
	var names []string
	for name := range tr.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// quoteYAML 将字符串安全地编码为 YAML 双引号标量（ASCII-only escaping）
func quoteYAML(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch ch {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			// 控制字符做最小化转义，避免破坏 YAML 结构
			if ch < 0x20 {
				b.WriteString(fmt.Sprintf(`\x%02x`, ch))
			} else {
				b.WriteByte(ch)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// SplitHostPort 解析 host[:port] 条目
// 容忍常见输入错误：协议前缀、路径后缀、大写域名
// 端口缺省时返回 0，加载配置时由 default_port 回填
func SplitHostPort(entry string) (string, int, error) {
	host := strings.ToLower(strings.TrimSpace(entry))
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}

	port := 0
	if i := strings.IndexByte(host, ':'); i >= 0 {
		n, err := strconv.Atoi(host[i+1:])
		if err != nil || n < 1 || n > 65535 {
			return "", 0, fmt.Errorf("端口无效: %q", entry)
		}
		port = n
		host = host[:i]
	}

	if host == "" {
		return "", 0, fmt.Errorf("域名不能为空: %q", entry)
	}
	return host, port, nil
}

// ParseHostsFile 解析纯文本域名清单
// 每行一个 host[:port]，支持空行与 # 注释（含行内注释）
// 重复端点静默去重，保留首个出现的条目
func ParseHostsFile(r io.Reader) ([]map[string]string, error) {
	scanner := bufio.NewScanner(r)
	var domains []map[string]string
	seen := make(map[string]bool)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		hostname, port, err := SplitHostPort(line)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", lineNo, err)
		}

		if seen[endpointKey(hostname, port)] {
			continue
		}
		seen[endpointKey(hostname, port)] = true

		domain := map[string]string{"hostname": hostname}
		if port != 0 {
			domain["port"] = strconv.Itoa(port)
		}
		domains = append(domains, domain)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取域名清单失败: %w", err)
	}
	if len(domains) == 0 {
		return nil, fmt.Errorf("域名清单为空（每行一个 host[:port]）")
	}
	return domains, nil
}

// endpointKey 端点去重键（未指定端口按生成配置中的 default_port 443 归一化）
func endpointKey(hostname string, port int) string {
	if port == 0 {
		port = 443
	}
	return fmt.Sprintf("%s:%d", hostname, port)
}

// GenerateConfig 生成 YAML 配置（带端点校验 + YAML 转义）
func GenerateConfig(interval, timeout string, domains []map[string]string) (string, error) {
	var sb strings.Builder

	// 全局配置
	sb.WriteString("# CertWatch 配置文件\n")
	sb.WriteString("# 由 genconfig 工具生成\n\n")
	sb.WriteString("# 全局配置\n")
	sb.WriteString(fmt.Sprintf("interval: %s\n", quoteYAML(interval)))
	sb.WriteString(fmt.Sprintf("timeout: %s\n", quoteYAML(timeout)))
	sb.WriteString("default_port: 443\n")
	sb.WriteString("listen_port: \"8080\"\n") // 固定值无需转义
	sb.WriteString("\n# 存储配置\n")
	sb.WriteString("storage:\n")
	sb.WriteString("  type: \"sqlite\"\n")
	sb.WriteString("  sqlite:\n")
	sb.WriteString("    path: \"certs.db\"\n")
	sb.WriteString("\n# 告警配置\n")
	sb.WriteString("alerts:\n")
	sb.WriteString("  dedup_window: \"24h\"\n")

	// 监测域名
	sb.WriteString("\n# 监测域名列表\n")
	sb.WriteString("domains:\n")

	seen := make(map[string]int, len(domains))
	for i, domain := range domains {
		hostname := strings.ToLower(strings.TrimSpace(domain["hostname"]))
		portText := strings.TrimSpace(domain["port"])
		disabled := strings.EqualFold(strings.TrimSpace(domain["disabled"]), "true")
		reason := strings.TrimSpace(domain["disabled_reason"])

		if hostname == "" {
			return "", fmt.Errorf("domain[%d]: hostname 不能为空", i)
		}

		port := 0
		if portText != "" {
			n, err := strconv.Atoi(portText)
			if err != nil || n < 1 || n > 65535 {
				return "", fmt.Errorf("domain[%d]: 端口 '%s' 无效，必须在 [1,65535] 范围内", i, portText)
			}
			port = n
		}

		key := endpointKey(hostname, port)
		if prev, dup := seen[key]; dup {
			return "", fmt.Errorf("domain[%d] 与 domain[%d] 端点重复: %s", i, prev, key)
		}
		seen[key] = i

		// 未指定端口的启用域名用纯字符串写法，加载时回填 default_port
		if port == 0 && !disabled {
			sb.WriteString("  - " + quoteYAML(hostname) + "\n")
			continue
		}

		sb.WriteString("  - hostname: " + quoteYAML(hostname) + "\n")
		if port != 0 {
			sb.WriteString(fmt.Sprintf("    port: %d\n", port))
		}
		if disabled {
			sb.WriteString("    disabled: true\n")
			if reason != "" {
				sb.WriteString("    disabled_reason: " + quoteYAML(reason) + "\n")
			}
		}
	}

	return sb.String(), nil
}

// GenerateFromTemplate 从模板生成配置
func GenerateFromTemplate(templateName string) (string, error) {
	registry := NewTemplateRegistry()
	return registry.GetTemplate(templateName)
}

// WriteConfig 写入配置到文件
func WriteConfig(config, filepath string, append bool) error {
	if !append {
		return os.WriteFile(filepath, []byte(config), 0644)
	}

	// append=true：domains-only 追加，避免重复顶层 key 破坏 YAML 结构
	items, err := extractDomainsOnlyItems(config)
	if err != nil {
		return err
	}

	existingBytes, err := os.ReadFile(filepath)
	if err != nil {
		// 文件不存在：退化为直接写入完整配置（更符合"生成新配置"预期）
		if os.IsNotExist(err) {
			return os.WriteFile(filepath, []byte(config), 0644)
		}
		return err
	}
	existing := string(existingBytes)

	_, end, ok := findDomainsBlockEndOffset(existing)
	if !ok {
		// 文件里没有 domains：直接追加一个新段
		var b strings.Builder
		b.WriteString(existing)
		if !strings.HasSuffix(existing, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\ndomains:\n")
		b.WriteString(items)
		return os.WriteFile(filepath, []byte(b.String()), 0644)
	}

	// 将新 items 插入到现有 domains 段末尾（在下一个顶层 key 前）
	var b strings.Builder
	b.Grow(len(existing) + len(items) + 8)
	b.WriteString(existing[:end])
	if end > 0 && existing[end-1] != '\n' {
		b.WriteString("\n")
	}
	// items 已保证以 "  - " 开头且以 "\n" 结尾
	b.WriteString(items)
	b.WriteString(existing[end:])

	// 覆盖写回（避免在未知布局下纯追加导致插入点错误）
	f, err := os.OpenFile(filepath, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.WriteString(f, b.String())
	return err
}

func extractDomainsOnlyItems(yamlText string) (string, error) {
	// 从生成的 YAML 中提取 domains 列表项（不含顶层 key）
	// 假设：单文档 YAML、顶层 domains: 段、两空格缩进列表项
	lines := strings.Split(yamlText, "\n")
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "domains:" && strings.TrimLeft(line, " \t") == line {
			start = i + 1
			break
		}
	}
	if start == -1 {
		return "", fmt.Errorf("无法在生成内容中找到 domains: 段")
	}
	var out []string
	for i := start; i < len(lines); i++ {
		line := lines[i]
		trim := strings.TrimSpace(line)
		// 遇到下一个顶层 key 则停止（简单规则：无缩进 + 以冒号结尾/包含冒号）
		if trim != "" && strings.TrimLeft(line, " \t") == line && !strings.HasPrefix(trim, "#") && strings.Contains(trim, ":") {
			break
		}
		out = append(out, line)
	}
	// 去掉前后空行
	for len(out) > 0 && strings.TrimSpace(out[0]) == "" {
		out = out[1:]
	}
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	joined := strings.Join(out, "\n")
	if strings.TrimSpace(joined) == "" {
		return "", fmt.Errorf("domains 段为空，无法追加")
	}
	// 必须包含至少一个列表项
	if !strings.Contains(joined, "\n  - ") && !strings.HasPrefix(joined, "  - ") {
		return "", fmt.Errorf("domains 段不包含列表项（期望以 '  - ' 开头）")
	}
	if !strings.HasSuffix(joined, "\n") {
		joined += "\n"
	}
	return joined, nil
}

func findDomainsBlockEndOffset(existing string) (startOffset int, endOffset int, ok bool) {
	// 在现有 YAML 中定位 domains 段的起止位置（byte offset）
	// 假设：单文档 YAML、顶层 domains: 段、两空格缩进列表项
	// 基于行扫描计算 byte offset，避免复杂 YAML 解析依赖
	offset := 0
	lines := strings.SplitAfter(existing, "\n")
	startOffset = -1
	endOffset = -1
	inDomains := false

	for _, raw := range lines {
		line := strings.TrimSuffix(raw, "\n")
		trim := strings.TrimSpace(line)
		isTopLevel := trim != "" && strings.TrimLeft(line, " \t") == line && !strings.HasPrefix(trim, "#")

		if !inDomains {
			if trim == "domains:" && strings.TrimLeft(line, " \t") == line {
				inDomains = true
				startOffset = offset
			}
			offset += len(raw)
			continue
		}

		// domains 段结束：遇到下一个顶层 key
		if isTopLevel && strings.Contains(trim, ":") {
			endOffset = offset
			return startOffset, endOffset, true
		}

		offset += len(raw)
	}

	if inDomains {
		return startOffset, len(existing), true
	}
	return 0, 0, false
}

const starterTemplate = `# CertWatch 起步配置
# 修改 domains 列表后即可运行

interval: "6h"
timeout: "15s"
default_port: 443
listen_port: "8080"

storage:
  type: "sqlite"
  sqlite:
    path: "certs.db"

alerts:
  dedup_window: "24h"
  # 通道默认全部关闭，补全字段后按需开启
  email:
    enabled: false
    smtp_host: "smtp.example.com"
    smtp_port: 587
    username: "alerts@example.com"
    # 密码通过环境变量 CERTWATCH_SMTP_PASSWORD 注入，不要写进配置文件
    from: "alerts@example.com"
    to:
      - "oncall@example.com"
  webhook:
    enabled: false
    # URL 可通过环境变量 CERTWATCH_WEBHOOK_URL 注入
    url: ""

domains:
  - "example.com"
  - hostname: "api.example.com"
    port: 8443
`

const webTemplate = `# 对外 Web 站点监测配置
# 全部走默认 443 端口

interval: "6h"
timeout: "15s"
default_port: 443
listen_port: "8080"

storage:
  type: "sqlite"
  sqlite:
    path: "certs.db"

alerts:
  dedup_window: "24h"

domains:
  - "www.example.com"
  - "example.com"
  - "blog.example.com"
  - "shop.example.com"
`

const mailTemplate = `# 邮件服务监测配置
# 仅适用于隐式 TLS 端口（SMTPS/IMAPS/POP3S），STARTTLS 端口无法探测

interval: "12h"
timeout: "15s"
default_port: 443
listen_port: "8080"

storage:
  type: "sqlite"
  sqlite:
    path: "certs.db"

alerts:
  dedup_window: "24h"

domains:
  - hostname: "mail.example.com"
    port: 465
  - hostname: "mail.example.com"
    port: 993
  - hostname: "mail.example.com"
    port: 995
`

const productionTemplate = `# 生产环境配置
# PostgreSQL 存储 + 历史数据清理/归档 + 邮件告警

interval: "6h"
timeout: "15s"
default_port: 443
max_concurrency: 20
listen_port: "8080"

storage:
  type: "postgres"
  postgres:
    host: "127.0.0.1"
    port: 5432
    user: "certwatch"
    # 密码通过环境变量 CERTWATCH_POSTGRES_PASSWORD 注入
    database: "certwatch"
    sslmode: "require"
  retention:
    enabled: true
    days: 365
  archive:
    enabled: true
    archive_days: 330
    output_dir: "./archive"

alerts:
  dedup_window: "24h"
  email:
    enabled: false
    smtp_host: "smtp.example.com"
    smtp_port: 587
    username: "alerts@example.com"
    from: "alerts@example.com"
    to:
      - "oncall@example.com"

domains:
  - "example.com"
  - "api.example.com"
`
