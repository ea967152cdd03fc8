// Package status 提供证书健康状态的判定与严重度比较
package status

import "strings"

// Status 证书健康状态
type Status string

const (
	// StatusOK 剩余有效期充足（>= 30 天）
	StatusOK Status = "OK"
	// StatusWarning 即将到期（7-29 天）
	StatusWarning Status = "WARNING"
	// StatusCritical 紧急（0-6 天）
	StatusCritical Status = "CRITICAL"
	// StatusExpired 已过期
	StatusExpired Status = "EXPIRED"
	// StatusError 探测失败（网络/DNS/握手等运行性问题，与到期刻度无关）
	StatusError Status = "ERROR"
)

// 状态阈值（天数下闭上开：7 天为 WARNING，30 天为 OK）
const (
	// DaysCritical 少于该天数进入 CRITICAL
	DaysCritical = 7
	// DaysWarning 少于该天数进入 WARNING
	DaysWarning = 30
)

// severity 严重度映射
// ERROR 与 EXPIRED 并列最高：ERROR 代表运行性故障，不参与到期刻度比较
var severity = map[Status]int{
	StatusOK:       0,
	StatusWarning:  1,
	StatusCritical: 2,
	StatusExpired:  3,
	StatusError:    3,
}

// Severity 返回状态的严重度数值，未知状态按 0 处理
func Severity(s Status) int {
	return severity[s]
}

// Valid 判断是否为已知状态值
func Valid(s Status) bool {
	_, ok := severity[s]
	return ok
}

// Classify 根据探测结果判定状态（纯函数）
// 探测失败时优先识别"证书已过期"类错误：错误文本含 expired 判为 EXPIRED，
// 其余失败一律 ERROR；探测成功时按剩余天数分档
func Classify(succeeded bool, daysRemaining int, errMsg string) Status {
	if !succeeded {
		if strings.Contains(strings.ToLower(errMsg), "expired") {
			return StatusExpired
		}
		return StatusError
	}

	if daysRemaining < 0 {
		return StatusExpired
	}
	if daysRemaining < DaysCritical {
		return StatusCritical
	}
	if daysRemaining < DaysWarning {
		return StatusWarning
	}
	return StatusOK
}

// IsEscalation 判断状态变更是否构成升级（只在变差时告警）
// 规则：新状态严重度严格高于旧状态；ERROR 相对任何非 ERROR 状态一律视为升级
// （包括 EXPIRED -> ERROR，二者严重度数值相同但 ERROR 是独立的故障类别）；
// 恢复方向（严重度下降或持平）永不告警
func IsEscalation(old, new Status) bool {
	if new == StatusError {
		return old != StatusError
	}
	return Severity(new) > Severity(old)
}
