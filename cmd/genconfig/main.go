package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"certwatch/cmd/genconfig/generator"
)

func main() {
	mode := flag.String("mode", "interactive", "生成模式: interactive(交互式) 或 template(模板快速生成)")
	template := flag.String("template", "", "模板名称 (仅在 mode=template 时使用)")
	from := flag.String("from", "", "域名清单文件路径 (每行一个 host[:port]，指定后忽略 -mode)")
	output := flag.String("output", "", "输出文件路径 (不指定则输出到 stdout)")
	appendMode := flag.Bool("append", false, "追加到现有配置文件 (domains-only，仅在指定 output 时生效)")
	listTemplates := flag.Bool("list", false, "列出所有可用模板")

	flag.Parse()

	// 列出模板
	if *listTemplates {
		registry := generator.NewTemplateRegistry()
		fmt.Println("📋 可用模板:")
		for _, name := range registry.ListTemplates() {
			fmt.Printf("  - %s\n", name)
		}
		fmt.Println("\n使用方式: go run ./cmd/genconfig -mode template -template <name>")
		return
	}

	var config string
	var err error

	switch {
	case *from != "":
		config, err = runHostsFileMode(*from)
	case *mode == "interactive":
		config, err = runInteractiveMode()
	case *mode == "template":
		if *template == "" {
			fmt.Println("❌ 模板模式需要指定 -template 参数")
			fmt.Println("使用 -list 查看所有可用模板")
			os.Exit(1)
		}
		config, err = generator.GenerateFromTemplate(*template)
	default:
		fmt.Printf("❌ 未知的模式: %s\n", *mode)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("❌ 生成配置失败: %v\n", err)
		os.Exit(1)
	}

	// 输出配置
	if *output == "" {
		fmt.Println(config)
	} else {
		err := generator.WriteConfig(config, *output, *appendMode)
		if err != nil {
			fmt.Printf("❌ 写入文件失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ 配置已保存到: %s\n", *output)
	}
}

// runHostsFileMode 从纯文本域名清单生成配置
func runHostsFileMode(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("打开域名清单失败: %w", err)
	}
	defer f.Close()

	domains, err := generator.ParseHostsFile(f)
	if err != nil {
		return "", err
	}
	return generator.GenerateConfig("6h", "15s", domains)
}

func runInteractiveMode() (string, error) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("\n🚀 CertWatch 配置生成器 - 交互式模式")
	fmt.Println(strings.Repeat("=", 50))

	// 收集全局配置
	fmt.Println("\n📋 全局配置")
	interval := promptWithDefault(reader, "巡检间隔 (Go duration 格式)", "6h")
	timeout := promptWithDefault(reader, "单次探测超时时间", "15s")

	// 收集监测域名
	fmt.Println("\n📝 监测域名")
	domains := []map[string]string{}

	for {
		fmt.Printf("\n--- 域名 #%d ---\n", len(domains)+1)

		entry := prompt(reader, "域名 (host 或 host:port)")
		hostname, port, err := generator.SplitHostPort(entry)
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			continue
		}

		domain := map[string]string{"hostname": hostname}
		if port != 0 {
			domain["port"] = strconv.Itoa(port)
		}
		domains = append(domains, domain)

		addMore := promptWithDefault(reader, "继续添加域名? (y/n)", "n")
		if strings.ToLower(addMore) != "y" {
			break
		}
	}

	// 生成配置
	return generator.GenerateConfig(interval, timeout, domains)
}

func prompt(reader *bufio.Reader, label string) string {
	for {
		fmt.Printf("%s: ", label)
		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		fmt.Println("❌ 不能为空，请重新输入")
	}
}

func promptWithDefault(reader *bufio.Reader, label, defaultValue string) string {
	fmt.Printf("%s [%s]: ", label, defaultValue)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}
