package events

import (
	"path/filepath"
	"sync"
	"testing"

	"certwatch/internal/probe"
	"certwatch/internal/status"
	"certwatch/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, storage.Storage) {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "events_test.db"))
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	if err := store.Init(); err != nil {
		t.Fatalf("初始化测试数据库失败: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return NewEngine(store), store
}

func okResult(checkedAt int64) *probe.Result {
	days := 45
	return &probe.Result{
		Hostname:      "example.com",
		Port:          443,
		Succeeded:     true,
		DaysRemaining: &days,
		ExpiresAt:     "2026-10-07",
		Issuer:        "Let's Encrypt",
		Status:        status.StatusOK,
		CheckedAt:     checkedAt,
	}
}

func TestEngineProcessResultDiscovers(t *testing.T) {
	engine, _ := newTestEngine(t)

	rec, evts, err := engine.ProcessResult(okResult(1700000000))
	if err != nil {
		t.Fatalf("处理探测结果失败: %v", err)
	}
	if rec == nil || rec.ID == 0 {
		t.Fatal("落库后应返回带 ID 的记录")
	}
	if len(evts) != 1 || evts[0].Kind != storage.EventDiscovered {
		t.Fatalf("首次发现应产生一条 DISCOVERED, got %v", evts)
	}
	if evts[0].ID == 0 || evts[0].CertID != rec.ID {
		t.Errorf("事件应已落库并关联记录: id=%d cert_id=%d", evts[0].ID, evts[0].CertID)
	}
}

func TestEngineProcessResultIdempotent(t *testing.T) {
	engine, store := newTestEngine(t)

	if _, _, err := engine.ProcessResult(okResult(1700000000)); err != nil {
		t.Fatalf("首次处理失败: %v", err)
	}

	// 重放同样的结果：零新事件，当前态不变
	rec, evts, err := engine.ProcessResult(okResult(1700000360))
	if err != nil {
		t.Fatalf("重放处理失败: %v", err)
	}
	if len(evts) != 0 {
		t.Fatalf("重放相同状态不应产生事件, got %d 条", len(evts))
	}
	if rec.LastChecked != 1700000360 {
		t.Errorf("last_checked 应推进到最新探测时间, got %d", rec.LastChecked)
	}

	all, _, err := store.GetEvents(nil)
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("数据库中应只有一条 DISCOVERED, got %d", len(all))
	}
}

func TestEngineProcessResultDetectsEscalation(t *testing.T) {
	engine, _ := newTestEngine(t)

	if _, _, err := engine.ProcessResult(okResult(1700000000)); err != nil {
		t.Fatalf("首次处理失败: %v", err)
	}

	days := 5
	critical := &probe.Result{
		Hostname:      "example.com",
		Port:          443,
		Succeeded:     true,
		DaysRemaining: &days,
		ExpiresAt:     "2026-10-07",
		Issuer:        "Let's Encrypt",
		Status:        status.StatusCritical,
		CheckedAt:     1700000600,
	}
	rec, evts, err := engine.ProcessResult(critical)
	if err != nil {
		t.Fatalf("处理探测结果失败: %v", err)
	}
	if rec.Status != status.StatusCritical {
		t.Errorf("当前态应更新为 CRITICAL, got %s", rec.Status)
	}
	if len(evts) != 1 || evts[0].Kind != storage.EventStatusChange {
		t.Fatalf("应产生一条 STATUS_CHANGE, got %v", evts)
	}
}

func TestEngineProcessResultDropsStale(t *testing.T) {
	engine, store := newTestEngine(t)

	if _, _, err := engine.ProcessResult(okResult(1700000600)); err != nil {
		t.Fatalf("首次处理失败: %v", err)
	}

	// 更早的结果应被丢弃，不落库也不产生事件
	days := 5
	stale := &probe.Result{
		Hostname:      "example.com",
		Port:          443,
		Succeeded:     true,
		DaysRemaining: &days,
		Status:        status.StatusCritical,
		CheckedAt:     1700000000,
	}
	rec, evts, err := engine.ProcessResult(stale)
	if err != nil {
		t.Fatalf("处理过期结果失败: %v", err)
	}
	if len(evts) != 0 {
		t.Fatalf("过期结果不应产生事件, got %d 条", len(evts))
	}
	if rec.Status != status.StatusOK {
		t.Errorf("返回的应是已存的当前态, got %s", rec.Status)
	}

	got, err := store.GetCertificate("example.com", 443)
	if err != nil {
		t.Fatalf("查询证书记录失败: %v", err)
	}
	if got.LastChecked != 1700000600 || got.Status != status.StatusOK {
		t.Errorf("当前态不应被过期结果覆盖: last_checked=%d status=%s", got.LastChecked, got.Status)
	}
}

func TestEngineProcessResultNil(t *testing.T) {
	engine, _ := newTestEngine(t)

	if _, _, err := engine.ProcessResult(nil); err == nil {
		t.Fatal("nil 结果应报错")
	}
}

func TestEngineConcurrentSameEndpoint(t *testing.T) {
	engine, store := newTestEngine(t)

	// 并发重放同一端点的同一结果：锁 + 差分保证只发现一次
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := engine.ProcessResult(okResult(1700000000)); err != nil {
				t.Errorf("并发处理失败: %v", err)
			}
		}()
	}
	wg.Wait()

	evts, _, err := store.GetEvents(nil)
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("并发重放应只产生一条 DISCOVERED, got %d", len(evts))
	}

	records, err := store.ListCertificates()
	if err != nil {
		t.Fatalf("查询证书列表失败: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("应只有一条当前态记录, got %d", len(records))
	}
}
