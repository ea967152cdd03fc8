package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// DomainConfig 单个监测域名配置
// YAML 中支持两种写法：
//
//	domains:
//	  - example.com              # 纯字符串，使用 default_port
//	  - hostname: api.example.com
//	    port: 8443
type DomainConfig struct {
	Hostname string `yaml:"hostname" json:"hostname"`

	// 端口（0 表示未指定，归一化时回填 default_port）
	Port int `yaml:"port" json:"port"`

	// 彻底停用：不探测、不出现在巡检报告中
	Disabled       bool   `yaml:"disabled" json:"disabled"`
	DisabledReason string `yaml:"disabled_reason" json:"disabled_reason,omitempty"`
}

// UnmarshalYAML 同时接受标量与映射两种节点
func (d *DomainConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var hostname string
		if err := node.Decode(&hostname); err != nil {
			return fmt.Errorf("解析域名条目失败: %w", err)
		}
		d.Hostname = hostname
		return nil

	case yaml.MappingNode:
		// 使用别名类型避免递归调用 UnmarshalYAML
		type domainAlias DomainConfig
		var alias domainAlias
		if err := node.Decode(&alias); err != nil {
			return fmt.Errorf("解析域名条目失败: %w", err)
		}
		*d = DomainConfig(alias)
		return nil

	default:
		return fmt.Errorf("域名条目必须是字符串或映射（第 %d 行）", node.Line)
	}
}

// Key 返回端点唯一标识（hostname:port）
func (d *DomainConfig) Key() string {
	return fmt.Sprintf("%s:%d", d.Hostname, d.Port)
}
