package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"certwatch/internal/status"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "certwatch_test.db"))
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	if err := store.Init(); err != nil {
		t.Fatalf("初始化测试数据库失败: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func intPtr(n int) *int {
	return &n
}

// saveTestCert 写入一条带 DISCOVERED 事件的当前态记录
func saveTestCert(t *testing.T, store *SQLiteStorage, hostname string, port int, days *int, st status.Status, checkedAt int64) *CertificateRecord {
	t.Helper()

	rec := &CertificateRecord{
		Hostname:      hostname,
		Port:          port,
		DaysRemaining: days,
		Status:        st,
		IssuerName:    "Let's Encrypt",
		ExpireDate:    "2026-11-20",
		LastChecked:   checkedAt,
		FirstSeen:     checkedAt,
	}
	events := []*CertEvent{{
		Kind:      EventDiscovered,
		NewValue:  string(st),
		CreatedAt: checkedAt,
	}}
	if err := store.SaveCertificate(rec, events); err != nil {
		t.Fatalf("保存证书记录失败 (%s:%d): %v", hostname, port, err)
	}
	return rec
}

func TestSaveAndGetCertificate(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now().Unix()

	rec := &CertificateRecord{
		Hostname:      "example.com",
		Port:          443,
		DaysRemaining: intPtr(45),
		Status:        status.StatusOK,
		IssuerName:    "Let's Encrypt",
		ExpireDate:    "2026-10-07",
		LastChecked:   now,
		FirstSeen:     now,
	}
	event := &CertEvent{
		Kind:      EventDiscovered,
		NewValue:  "OK",
		CreatedAt: now,
	}

	if err := store.SaveCertificate(rec, []*CertEvent{event}); err != nil {
		t.Fatalf("保存证书记录失败: %v", err)
	}
	if rec.ID == 0 {
		t.Error("保存后应回填记录 ID")
	}
	if event.ID == 0 {
		t.Error("保存后应回填事件 ID")
	}
	if event.CertID != rec.ID {
		t.Errorf("事件应关联到证书记录: got cert_id=%d want %d", event.CertID, rec.ID)
	}

	got, err := store.GetCertificate("example.com", 443)
	if err != nil {
		t.Fatalf("查询证书记录失败: %v", err)
	}
	if got == nil {
		t.Fatal("应查到刚保存的记录")
	}
	if got.ID != rec.ID {
		t.Errorf("ID 不一致: got %d want %d", got.ID, rec.ID)
	}
	if got.DaysRemaining == nil || *got.DaysRemaining != 45 {
		t.Errorf("剩余天数不一致: got %v want 45", got.DaysRemaining)
	}
	if got.Status != status.StatusOK {
		t.Errorf("状态不一致: got %s want OK", got.Status)
	}
	if got.IssuerName != "Let's Encrypt" {
		t.Errorf("签发者不一致: got %q", got.IssuerName)
	}
	if got.ExpireDate != "2026-10-07" {
		t.Errorf("到期日不一致: got %q", got.ExpireDate)
	}
	if got.FirstSeen != now {
		t.Errorf("首次发现时间不一致: got %d want %d", got.FirstSeen, now)
	}
}

func TestGetCertificateMissing(t *testing.T) {
	store := newTestStorage(t)

	got, err := store.GetCertificate("nosuch.example.com", 443)
	if err != nil {
		t.Fatalf("查询不存在的记录不应报错: %v", err)
	}
	if got != nil {
		t.Errorf("不存在的记录应返回 nil, got %+v", got)
	}
}

func TestSaveCertificateUpsertPreservesFirstSeen(t *testing.T) {
	store := newTestStorage(t)
	firstSeen := int64(1700000000)

	rec := saveTestCert(t, store, "example.com", 443, intPtr(45), status.StatusOK, firstSeen)
	originalID := rec.ID

	// 第二次保存同一端点，first_seen 入参不同
	later := firstSeen + 86400
	update := &CertificateRecord{
		Hostname:      "example.com",
		Port:          443,
		DaysRemaining: intPtr(44),
		Status:        status.StatusOK,
		IssuerName:    "Let's Encrypt",
		ExpireDate:    "2026-10-07",
		LastChecked:   later,
		FirstSeen:     later,
	}
	if err := store.SaveCertificate(update, nil); err != nil {
		t.Fatalf("更新证书记录失败: %v", err)
	}

	if update.ID != originalID {
		t.Errorf("更新不应改变记录 ID: got %d want %d", update.ID, originalID)
	}
	if update.FirstSeen != firstSeen {
		t.Errorf("更新应保留原 first_seen 并回填: got %d want %d", update.FirstSeen, firstSeen)
	}

	got, err := store.GetCertificate("example.com", 443)
	if err != nil {
		t.Fatalf("查询证书记录失败: %v", err)
	}
	if got.FirstSeen != firstSeen {
		t.Errorf("数据库中 first_seen 应保留发现时间: got %d want %d", got.FirstSeen, firstSeen)
	}
	if got.LastChecked != later {
		t.Errorf("last_checked 应更新: got %d want %d", got.LastChecked, later)
	}
	if got.DaysRemaining == nil || *got.DaysRemaining != 44 {
		t.Errorf("剩余天数应更新: got %v want 44", got.DaysRemaining)
	}
}

func TestSaveCertificateRollsBackOnBadEvent(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now().Unix()

	// 先写入一条正常记录
	saveTestCert(t, store, "example.com", 443, intPtr(30), status.StatusOK, now)

	// 更新 + 非法事件类型（触发 CHECK 约束），整个事务应回滚
	update := &CertificateRecord{
		Hostname:      "example.com",
		Port:          443,
		DaysRemaining: intPtr(5),
		Status:        status.StatusCritical,
		IssuerName:    "Let's Encrypt",
		ExpireDate:    "2026-10-07",
		LastChecked:   now + 3600,
		FirstSeen:     now,
	}
	badEvent := &CertEvent{
		Kind:      EventKind("BOGUS"),
		CreatedAt: now + 3600,
	}
	if err := store.SaveCertificate(update, []*CertEvent{badEvent}); err == nil {
		t.Fatal("非法事件类型应报错")
	}

	got, err := store.GetCertificate("example.com", 443)
	if err != nil {
		t.Fatalf("查询证书记录失败: %v", err)
	}
	if got.Status != status.StatusOK {
		t.Errorf("事务回滚后状态不应更新: got %s want OK", got.Status)
	}
	if got.DaysRemaining == nil || *got.DaysRemaining != 30 {
		t.Errorf("事务回滚后剩余天数不应更新: got %v want 30", got.DaysRemaining)
	}

	// 事件表也不应留下任何新行
	events, _, err := store.GetEvents(&EventFilters{Hostname: "example.com"})
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("回滚后应只有最初的 DISCOVERED 事件, got %d 条", len(events))
	}
}

func TestSaveCertificateRollsBackFreshInsert(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now().Unix()

	rec := &CertificateRecord{
		Hostname:    "new.example.com",
		Port:        443,
		Status:      status.StatusError,
		LastChecked: now,
		FirstSeen:   now,
	}
	badEvent := &CertEvent{
		Kind:      EventKind("BOGUS"),
		CreatedAt: now,
	}
	if err := store.SaveCertificate(rec, []*CertEvent{badEvent}); err == nil {
		t.Fatal("非法事件类型应报错")
	}

	got, err := store.GetCertificate("new.example.com", 443)
	if err != nil {
		t.Fatalf("查询证书记录失败: %v", err)
	}
	if got != nil {
		t.Errorf("事务回滚后不应留下当前态记录: got %+v", got)
	}
}

func TestListCertificatesOrder(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now().Unix()

	saveTestCert(t, store, "healthy.example.com", 443, intPtr(60), status.StatusOK, now)
	saveTestCert(t, store, "urgent.example.com", 443, intPtr(3), status.StatusCritical, now)
	// 探测失败的端点没有剩余天数
	broken := &CertificateRecord{
		Hostname:     "broken.example.com",
		Port:         443,
		Status:       status.StatusError,
		ErrorMessage: "connection refused",
		LastChecked:  now,
		FirstSeen:    now,
	}
	if err := store.SaveCertificate(broken, nil); err != nil {
		t.Fatalf("保存证书记录失败: %v", err)
	}

	records, err := store.ListCertificates()
	if err != nil {
		t.Fatalf("查询证书列表失败: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("应返回 3 条记录, got %d", len(records))
	}

	// NULL 的剩余天数排最前，其余按天数升序
	wantOrder := []string{"broken.example.com", "urgent.example.com", "healthy.example.com"}
	for i, want := range wantOrder {
		if records[i].Hostname != want {
			t.Errorf("第 %d 条记录应为 %s, got %s", i, want, records[i].Hostname)
		}
	}
	if records[0].DaysRemaining != nil {
		t.Errorf("探测失败记录的剩余天数应为 nil, got %v", *records[0].DaysRemaining)
	}
}

func TestGetEventsFiltersAndCursor(t *testing.T) {
	store := newTestStorage(t)
	base := int64(1700000000)

	certA := saveTestCert(t, store, "a.example.com", 443, intPtr(30), status.StatusOK, base)
	certB := saveTestCert(t, store, "b.example.com", 8443, intPtr(10), status.StatusWarning, base+1)

	// 给 a.example.com 追加两条事件
	updateA := &CertificateRecord{
		Hostname:      "a.example.com",
		Port:          443,
		DaysRemaining: intPtr(5),
		Status:        status.StatusCritical,
		IssuerName:    "Let's Encrypt",
		ExpireDate:    "2026-11-20",
		LastChecked:   base + 100,
		FirstSeen:     base,
	}
	if err := store.SaveCertificate(updateA, []*CertEvent{
		{Kind: EventStatusChange, OldValue: "OK", NewValue: "CRITICAL", CreatedAt: base + 100},
		{Kind: EventError, NewValue: "handshake timeout", CreatedAt: base + 100},
	}); err != nil {
		t.Fatalf("追加事件失败: %v", err)
	}

	// 给 b.example.com 追加一条续期事件
	updateB := &CertificateRecord{
		Hostname:      "b.example.com",
		Port:          8443,
		DaysRemaining: intPtr(90),
		Status:        status.StatusOK,
		IssuerName:    "Let's Encrypt",
		ExpireDate:    "2027-02-10",
		LastChecked:   base + 200,
		FirstSeen:     base + 1,
	}
	if err := store.SaveCertificate(updateB, []*CertEvent{
		{Kind: EventRenewed, OldValue: "2026-11-20", NewValue: "2027-02-10", CreatedAt: base + 200},
	}); err != nil {
		t.Fatalf("追加事件失败: %v", err)
	}

	t.Run("不过滤返回全部且新事件在前", func(t *testing.T) {
		events, _, err := store.GetEvents(nil)
		if err != nil {
			t.Fatalf("查询事件失败: %v", err)
		}
		if len(events) != 5 {
			t.Fatalf("应返回 5 条事件, got %d", len(events))
		}
		for i := 1; i < len(events); i++ {
			if events[i].ID >= events[i-1].ID {
				t.Errorf("事件应按 ID 降序: events[%d].ID=%d >= events[%d].ID=%d",
					i, events[i].ID, i-1, events[i-1].ID)
			}
		}
		if events[0].Kind != EventRenewed {
			t.Errorf("最新事件应为 RENEWED, got %s", events[0].Kind)
		}
	})

	t.Run("按域名过滤", func(t *testing.T) {
		events, _, err := store.GetEvents(&EventFilters{Hostname: "a.example.com"})
		if err != nil {
			t.Fatalf("查询事件失败: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("a.example.com 应有 3 条事件, got %d", len(events))
		}
		for _, e := range events {
			if e.CertID != certA.ID {
				t.Errorf("过滤结果混入了其它端点的事件: cert_id=%d", e.CertID)
			}
			if e.Hostname != "a.example.com" || e.Port != 443 {
				t.Errorf("JOIN 字段不正确: %s:%d", e.Hostname, e.Port)
			}
		}
	})

	t.Run("按端口过滤", func(t *testing.T) {
		events, _, err := store.GetEvents(&EventFilters{Port: 8443})
		if err != nil {
			t.Fatalf("查询事件失败: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("端口 8443 应有 2 条事件, got %d", len(events))
		}
		for _, e := range events {
			if e.CertID != certB.ID {
				t.Errorf("过滤结果混入了其它端点的事件: cert_id=%d", e.CertID)
			}
		}
	})

	t.Run("按事件类型过滤", func(t *testing.T) {
		events, _, err := store.GetEvents(&EventFilters{Kinds: []EventKind{EventRenewed, EventError}})
		if err != nil {
			t.Fatalf("查询事件失败: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("应返回 2 条事件, got %d", len(events))
		}
	})

	t.Run("游标分页", func(t *testing.T) {
		var all []*CertEvent
		var cursor int64
		pages := 0
		for {
			events, next, err := store.GetEvents(&EventFilters{BeforeID: cursor, Limit: 2})
			if err != nil {
				t.Fatalf("分页查询失败: %v", err)
			}
			all = append(all, events...)
			pages++
			if next == 0 {
				break
			}
			cursor = next
			if pages > 10 {
				t.Fatal("分页未收敛")
			}
		}
		if len(all) != 5 {
			t.Fatalf("分页应遍历全部 5 条事件, got %d", len(all))
		}
		if pages != 3 {
			t.Errorf("limit=2 遍历 5 条事件应为 3 页, got %d", pages)
		}
		seen := make(map[int64]bool)
		for _, e := range all {
			if seen[e.ID] {
				t.Errorf("分页出现重复事件: id=%d", e.ID)
			}
			seen[e.ID] = true
		}
	})
}

func TestInsertAlertIfAbsentDedup(t *testing.T) {
	store := newTestStorage(t)
	base := time.Unix(1700000000, 0).UTC()
	window := 24 * time.Hour

	certA := saveTestCert(t, store, "a.example.com", 443, intPtr(5), status.StatusCritical, base.Unix())
	certB := saveTestCert(t, store, "b.example.com", 443, intPtr(5), status.StatusCritical, base.Unix())

	first, err := store.InsertAlertIfAbsent(certA.ID, "CRITICAL", "剩余 5 天", base, window)
	if err != nil {
		t.Fatalf("写入告警失败: %v", err)
	}
	if first == nil {
		t.Fatal("窗口内无同类告警时应写入成功")
	}
	if first.ID == 0 || first.SentAt != base.Unix() {
		t.Errorf("告警记录字段不完整: %+v", first)
	}

	t.Run("窗口内同端点同类型被抑制", func(t *testing.T) {
		dup, err := store.InsertAlertIfAbsent(certA.ID, "CRITICAL", "剩余 5 天", base.Add(time.Hour), window)
		if err != nil {
			t.Fatalf("去重检查失败: %v", err)
		}
		if dup != nil {
			t.Errorf("窗口内重复告警应被抑制, got %+v", dup)
		}
	})

	t.Run("同端点不同类型不受影响", func(t *testing.T) {
		other, err := store.InsertAlertIfAbsent(certA.ID, AlertKindRenewal, "证书已续期", base.Add(time.Hour), window)
		if err != nil {
			t.Fatalf("写入告警失败: %v", err)
		}
		if other == nil {
			t.Error("不同类型的告警不应被抑制")
		}
	})

	t.Run("不同端点同类型不受影响", func(t *testing.T) {
		cross, err := store.InsertAlertIfAbsent(certB.ID, "CRITICAL", "剩余 5 天", base.Add(time.Hour), window)
		if err != nil {
			t.Fatalf("写入告警失败: %v", err)
		}
		if cross == nil {
			t.Error("不同端点的告警不应被抑制")
		}
	})

	t.Run("窗口过后允许再次告警", func(t *testing.T) {
		later, err := store.InsertAlertIfAbsent(certA.ID, "CRITICAL", "剩余 4 天", base.Add(25*time.Hour), window)
		if err != nil {
			t.Fatalf("写入告警失败: %v", err)
		}
		if later == nil {
			t.Error("超出去重窗口后应允许再次告警")
		}
	})

	t.Run("恰好间隔一个窗口允许告警", func(t *testing.T) {
		boundary1, err := store.InsertAlertIfAbsent(certB.ID, "WARNING", "剩余 20 天", base, window)
		if err != nil {
			t.Fatalf("写入告警失败: %v", err)
		}
		if boundary1 == nil {
			t.Fatal("首条告警应写入成功")
		}
		boundary2, err := store.InsertAlertIfAbsent(certB.ID, "WARNING", "剩余 19 天", base.Add(window), window)
		if err != nil {
			t.Fatalf("写入告警失败: %v", err)
		}
		if boundary2 == nil {
			t.Error("间隔恰好等于窗口时应允许告警")
		}
	})
}

func TestMarkAlertDelivery(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now()

	cert := saveTestCert(t, store, "example.com", 443, intPtr(5), status.StatusCritical, now.Unix())
	alert, err := store.InsertAlertIfAbsent(cert.ID, "CRITICAL", "剩余 5 天", now, 24*time.Hour)
	if err != nil || alert == nil {
		t.Fatalf("写入告警失败: alert=%v err=%v", alert, err)
	}

	delivery := `{"email":{"ok":true},"webhook":{"ok":false,"error":"连接超时"}}`
	if err := store.MarkAlertDelivery(alert.ID, delivery); err != nil {
		t.Fatalf("回填投递结果失败: %v", err)
	}

	alerts, err := store.ListAlerts(nil)
	if err != nil {
		t.Fatalf("查询告警列表失败: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("应有 1 条告警, got %d", len(alerts))
	}
	if alerts[0].Delivery != delivery {
		t.Errorf("投递结果不一致: got %q want %q", alerts[0].Delivery, delivery)
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now()

	cert := saveTestCert(t, store, "example.com", 443, intPtr(5), status.StatusCritical, now.Unix())
	alert, err := store.InsertAlertIfAbsent(cert.ID, "CRITICAL", "剩余 5 天", now, 24*time.Hour)
	if err != nil || alert == nil {
		t.Fatalf("写入告警失败: alert=%v err=%v", alert, err)
	}

	if err := store.AcknowledgeAlert(alert.ID, "ops@example.com"); err != nil {
		t.Fatalf("确认告警失败: %v", err)
	}

	alerts, err := store.ListAlerts(nil)
	if err != nil {
		t.Fatalf("查询告警列表失败: %v", err)
	}
	if !alerts[0].Acknowledged {
		t.Error("告警应标记为已确认")
	}
	if alerts[0].AcknowledgedBy != "ops@example.com" {
		t.Errorf("确认人不一致: got %q", alerts[0].AcknowledgedBy)
	}
	if alerts[0].AcknowledgedAt == 0 {
		t.Error("确认时间应被记录")
	}

	t.Run("重复确认返回 ErrNotFound", func(t *testing.T) {
		err := store.AcknowledgeAlert(alert.ID, "other@example.com")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("重复确认应返回 ErrNotFound, got %v", err)
		}
	})

	t.Run("确认不存在的告警返回 ErrNotFound", func(t *testing.T) {
		err := store.AcknowledgeAlert(99999, "ops@example.com")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("不存在的告警应返回 ErrNotFound, got %v", err)
		}
	})
}

func TestListAlertsFilters(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now()

	certA := saveTestCert(t, store, "a.example.com", 443, intPtr(5), status.StatusCritical, now.Unix())
	certB := saveTestCert(t, store, "b.example.com", 443, intPtr(20), status.StatusWarning, now.Unix())

	alertA, err := store.InsertAlertIfAbsent(certA.ID, "CRITICAL", "剩余 5 天", now, 24*time.Hour)
	if err != nil || alertA == nil {
		t.Fatalf("写入告警失败: alert=%v err=%v", alertA, err)
	}
	alertB, err := store.InsertAlertIfAbsent(certB.ID, "WARNING", "剩余 20 天", now, 24*time.Hour)
	if err != nil || alertB == nil {
		t.Fatalf("写入告警失败: alert=%v err=%v", alertB, err)
	}
	if err := store.AcknowledgeAlert(alertA.ID, "ops"); err != nil {
		t.Fatalf("确认告警失败: %v", err)
	}

	t.Run("按域名过滤", func(t *testing.T) {
		alerts, err := store.ListAlerts(&AlertFilters{Hostname: "a.example.com"})
		if err != nil {
			t.Fatalf("查询告警列表失败: %v", err)
		}
		if len(alerts) != 1 || alerts[0].Hostname != "a.example.com" {
			t.Errorf("域名过滤结果不正确: %+v", alerts)
		}
	})

	t.Run("只看未确认", func(t *testing.T) {
		alerts, err := store.ListAlerts(&AlertFilters{OnlyUnack: true})
		if err != nil {
			t.Fatalf("查询告警列表失败: %v", err)
		}
		if len(alerts) != 1 {
			t.Fatalf("未确认告警应有 1 条, got %d", len(alerts))
		}
		if alerts[0].ID != alertB.ID {
			t.Errorf("未确认过滤返回了错误的告警: id=%d", alerts[0].ID)
		}
	})
}

func TestPurgeOldRecords(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	oldTs := now.AddDate(0, 0, -90).Unix()
	cutoff := now.AddDate(0, 0, -30)

	cert := saveTestCert(t, store, "example.com", 443, intPtr(30), status.StatusOK, oldTs)

	// 再追加 4 条旧事件（加上 DISCOVERED 共 5 条旧事件）
	update := &CertificateRecord{
		Hostname:      "example.com",
		Port:          443,
		DaysRemaining: intPtr(30),
		Status:        status.StatusOK,
		IssuerName:    "Let's Encrypt",
		ExpireDate:    "2026-11-20",
		LastChecked:   oldTs,
		FirstSeen:     oldTs,
	}
	if err := store.SaveCertificate(update, []*CertEvent{
		{Kind: EventStatusChange, CreatedAt: oldTs},
		{Kind: EventError, CreatedAt: oldTs},
		{Kind: EventIssuerChange, CreatedAt: oldTs},
		{Kind: EventRenewed, CreatedAt: oldTs},
	}); err != nil {
		t.Fatalf("追加事件失败: %v", err)
	}

	// 2 条新事件
	if err := store.SaveCertificate(update, []*CertEvent{
		{Kind: EventStatusChange, CreatedAt: now.Unix()},
		{Kind: EventRenewed, CreatedAt: now.Unix()},
	}); err != nil {
		t.Fatalf("追加事件失败: %v", err)
	}

	// 3 条旧告警 + 1 条新告警
	oldTime := time.Unix(oldTs, 0)
	for _, kind := range []string{"WARNING", "CRITICAL", "ERROR"} {
		alert, err := store.InsertAlertIfAbsent(cert.ID, kind, "历史告警", oldTime, 24*time.Hour)
		if err != nil || alert == nil {
			t.Fatalf("写入历史告警失败 (%s): alert=%v err=%v", kind, alert, err)
		}
	}
	fresh, err := store.InsertAlertIfAbsent(cert.ID, AlertKindRenewal, "证书已续期", now, 24*time.Hour)
	if err != nil || fresh == nil {
		t.Fatalf("写入告警失败: alert=%v err=%v", fresh, err)
	}

	// batch=2：首轮应删 2 条事件 + 2 条告警
	deleted, err := store.PurgeOldRecords(ctx, cutoff, 2)
	if err != nil {
		t.Fatalf("清理失败: %v", err)
	}
	if deleted != 4 {
		t.Errorf("首轮应删除 4 行, got %d", deleted)
	}

	// 循环清理直到没有可删数据，总量应为 5 事件 + 3 告警
	total := deleted
	for i := 0; i < 10 && deleted > 0; i++ {
		deleted, err = store.PurgeOldRecords(ctx, cutoff, 2)
		if err != nil {
			t.Fatalf("清理失败: %v", err)
		}
		total += deleted
	}
	if total != 8 {
		t.Errorf("累计应删除 8 行, got %d", total)
	}

	events, _, err := store.GetEvents(nil)
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("清理后应剩 2 条新事件, got %d", len(events))
	}
	alerts, err := store.ListAlerts(nil)
	if err != nil {
		t.Fatalf("查询告警列表失败: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("清理后应剩 1 条新告警, got %d", len(alerts))
	}

	// 当前态记录不参与清理
	got, err := store.GetCertificate("example.com", 443)
	if err != nil || got == nil {
		t.Errorf("清理不应影响当前态记录: got=%v err=%v", got, err)
	}
}

func TestExportEventsDayCSV(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	dayStart := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	rec := &CertificateRecord{
		Hostname:    "example.com",
		Port:        443,
		Status:      status.StatusOK,
		LastChecked: dayStart.Unix(),
		FirstSeen:   dayStart.Unix(),
	}
	if err := store.SaveCertificate(rec, []*CertEvent{
		{Kind: EventDiscovered, NewValue: "OK", CreatedAt: dayStart.Unix()},
		{Kind: EventStatusChange, OldValue: "OK", NewValue: "WARNING", CreatedAt: dayEnd.Unix() - 1},
		{Kind: EventRenewed, CreatedAt: dayStart.Unix() - 1}, // 前一天
		{Kind: EventIssuerChange, CreatedAt: dayEnd.Unix()},  // 次日
	}); err != nil {
		t.Fatalf("保存证书记录失败: %v", err)
	}

	var buf bytes.Buffer
	count, err := store.ExportEventsDay(ctx, dayStart.Unix(), dayEnd.Unix(), &buf)
	if err != nil {
		t.Fatalf("导出事件失败: %v", err)
	}
	if count != 2 {
		t.Errorf("当日事件应为 2 条, got %d", count)
	}

	records, err := csv.NewReader(bytes.NewReader(buf.Bytes())).ReadAll()
	if err != nil {
		t.Fatalf("解析导出 CSV 失败: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("CSV 应为表头 + 2 行, got %d 行", len(records))
	}
	if strings.Join(records[0], ",") != strings.Join(eventsCSVHeader, ",") {
		t.Errorf("CSV 表头不一致: %v", records[0])
	}
	if records[1][4] != "DISCOVERED" {
		t.Errorf("首行应为当日最早的 DISCOVERED 事件, got %v", records[1])
	}
	if records[1][2] != "example.com" {
		t.Errorf("CSV 应包含 JOIN 出的域名, got %v", records[1])
	}
}

func TestExportAlertsDayCSV(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	dayStart := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	cert := saveTestCert(t, store, "example.com", 443, intPtr(5), status.StatusCritical, dayStart.Unix())

	inDay1, err := store.InsertAlertIfAbsent(cert.ID, "CRITICAL", "剩余 5 天", dayStart.Add(time.Hour), 24*time.Hour)
	if err != nil || inDay1 == nil {
		t.Fatalf("写入告警失败: alert=%v err=%v", inDay1, err)
	}
	inDay2, err := store.InsertAlertIfAbsent(cert.ID, "WARNING", "剩余 20 天", dayStart.Add(2*time.Hour), 24*time.Hour)
	if err != nil || inDay2 == nil {
		t.Fatalf("写入告警失败: alert=%v err=%v", inDay2, err)
	}
	outOfDay, err := store.InsertAlertIfAbsent(cert.ID, "ERROR", "探测失败", dayEnd.Add(2*time.Hour), 24*time.Hour)
	if err != nil || outOfDay == nil {
		t.Fatalf("写入告警失败: alert=%v err=%v", outOfDay, err)
	}

	var buf bytes.Buffer
	count, err := store.ExportAlertsDay(ctx, dayStart.Unix(), dayEnd.Unix(), &buf)
	if err != nil {
		t.Fatalf("导出告警失败: %v", err)
	}
	if count != 2 {
		t.Errorf("当日告警应为 2 条, got %d", count)
	}

	records, err := csv.NewReader(bytes.NewReader(buf.Bytes())).ReadAll()
	if err != nil {
		t.Fatalf("解析导出 CSV 失败: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("CSV 应为表头 + 2 行, got %d 行", len(records))
	}
	if strings.Join(records[0], ",") != strings.Join(alertsCSVHeader, ",") {
		t.Errorf("CSV 表头不一致: %v", records[0])
	}
}

func TestWithContextCancellation(t *testing.T) {
	store := newTestStorage(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.WithContext(ctx).GetCertificate("example.com", 443); err == nil {
		t.Error("已取消的 context 应导致查询失败")
	}

	// 原实例不受影响
	if _, err := store.GetCertificate("example.com", 443); err != nil {
		t.Errorf("原实例查询不应受影响: %v", err)
	}
}
