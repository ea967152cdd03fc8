// Package buildinfo 提供构建版本信息
// 通过 -ldflags 在构建时注入，例如:
//
//	go build -ldflags "-X certwatch/internal/buildinfo.Version=v2.0.0 \
//	  -X certwatch/internal/buildinfo.GitCommit=$(git rev-parse --short HEAD) \
//	  -X certwatch/internal/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package buildinfo

import "runtime"

var (
	// Version 版本号（构建时注入，默认 dev）
	Version = "dev"

	// GitCommit Git 提交哈希（构建时注入）
	GitCommit = "unknown"

	// BuildTime 构建时间（构建时注入）
	BuildTime = "unknown"
)

// GetVersion 返回版本号
func GetVersion() string {
	return Version
}

// GetGitCommit 返回 Git 提交哈希
func GetGitCommit() string {
	return GitCommit
}

// GetBuildTime 返回构建时间
func GetBuildTime() string {
	return BuildTime
}

// GetGoVersion 返回编译使用的 Go 版本
func GetGoVersion() string {
	return runtime.Version()
}
