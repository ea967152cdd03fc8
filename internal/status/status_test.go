package status

import "testing"

// TestClassifyByDays 校验按剩余天数分档（下闭上开边界）
func TestClassifyByDays(t *testing.T) {
	tests := []struct {
		name string
		days int
		want Status
	}{
		{"充足有效期", 100, StatusOK},
		{"边界上方一天", 31, StatusOK},
		{"恰好 30 天为 OK", 30, StatusOK},
		{"29 天进入 WARNING", 29, StatusWarning},
		{"WARNING 中段", 15, StatusWarning},
		{"恰好 7 天为 WARNING", 7, StatusWarning},
		{"6 天进入 CRITICAL", 6, StatusCritical},
		{"最后一天", 1, StatusCritical},
		{"当天到期", 0, StatusCritical},
		{"已过期一天", -1, StatusExpired},
		{"过期许久", -365, StatusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(true, tt.days, "")
			if got != tt.want {
				t.Errorf("Classify(true, %d) = %s, want %s", tt.days, got, tt.want)
			}
		})
	}
}

// TestClassifyFailure 校验探测失败时的状态判定（过期识别优先于一般错误）
func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name   string
		errMsg string
		want   Status
	}{
		{"握手超时", "tls handshake timeout", StatusError},
		{"DNS 解析失败", "lookup nonexistent.invalid: no such host", StatusError},
		{"连接被拒", "connection refused", StatusError},
		{"证书过期类错误优先判为 EXPIRED", "x509: certificate has expired or is not yet valid", StatusExpired},
		{"过期关键字大小写不敏感", "Certificate EXPIRED since 2024-01-01", StatusExpired},
		{"空错误文本", "", StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(false, 0, tt.errMsg)
			if got != tt.want {
				t.Errorf("Classify(false, 0, %q) = %s, want %s", tt.errMsg, got, tt.want)
			}
		})
	}
}

// TestSeverity 校验严重度映射（ERROR 与 EXPIRED 并列最高，未知状态为 0）
func TestSeverity(t *testing.T) {
	tests := []struct {
		s    Status
		want int
	}{
		{StatusOK, 0},
		{StatusWarning, 1},
		{StatusCritical, 2},
		{StatusExpired, 3},
		{StatusError, 3},
		{Status("UNKNOWN"), 0},
	}

	for _, tt := range tests {
		if got := Severity(tt.s); got != tt.want {
			t.Errorf("Severity(%s) = %d, want %d", tt.s, got, tt.want)
		}
	}
}

// TestIsEscalation 逐对校验升级判定
func TestIsEscalation(t *testing.T) {
	tests := []struct {
		name string
		old  Status
		new  Status
		want bool
	}{
		{"状态未变", StatusOK, StatusOK, false},
		{"变差 OK->WARNING", StatusOK, StatusWarning, true},
		{"变差 WARNING->CRITICAL", StatusWarning, StatusCritical, true},
		{"变差 CRITICAL->EXPIRED", StatusCritical, StatusExpired, true},
		{"跨档变差 OK->EXPIRED", StatusOK, StatusExpired, true},
		{"恢复 WARNING->OK", StatusWarning, StatusOK, false},
		{"恢复 CRITICAL->WARNING", StatusCritical, StatusWarning, false},
		{"恢复 ERROR->OK", StatusError, StatusOK, false},
		{"新增故障 OK->ERROR", StatusOK, StatusError, true},
		{"故障升级 CRITICAL->ERROR", StatusCritical, StatusError, true},
		{"EXPIRED->ERROR 仍视为升级", StatusExpired, StatusError, true},
		{"ERROR->EXPIRED 不告警", StatusError, StatusExpired, false},
		{"ERROR 持续不重复告警", StatusError, StatusError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEscalation(tt.old, tt.new); got != tt.want {
				t.Errorf("IsEscalation(%s, %s) = %v, want %v", tt.old, tt.new, got, tt.want)
			}
		})
	}
}

// TestEscalationMatrix 全量状态对性质校验：
// 升级当且仅当新严重度严格大于旧严重度，例外是转入 ERROR 一律升级
func TestEscalationMatrix(t *testing.T) {
	all := []Status{StatusOK, StatusWarning, StatusCritical, StatusExpired, StatusError}

	for _, old := range all {
		for _, new := range all {
			want := Severity(new) > Severity(old)
			if new == StatusError {
				want = old != StatusError
			}
			if got := IsEscalation(old, new); got != want {
				t.Errorf("IsEscalation(%s, %s) = %v, want %v", old, new, got, want)
			}
		}
	}
}
