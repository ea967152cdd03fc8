package events

import (
	"fmt"
	"strconv"
	"sync"

	"certwatch/internal/logger"
	"certwatch/internal/probe"
	"certwatch/internal/storage"
)

// Engine 事件引擎
// 协调差分检测和存储层，把探测结果落为当前态 + 事件
type Engine struct {
	storage storage.Storage
	locks   sync.Map // hostname+"\n"+port -> *sync.Mutex，同一端点的落库串行化
}

// NewEngine 创建事件引擎
func NewEngine(store storage.Storage) *Engine {
	return &Engine{storage: store}
}

// lockFor 获取指定端点的锁
func (e *Engine) lockFor(hostname string, port int) *sync.Mutex {
	key := hostname + "\n" + strconv.Itoa(port)
	v, _ := e.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ProcessResult 处理一次探测结果
// 读取上一次当前态、差分出事件、当前态与事件在同一事务内落库
//
// 同一端点串行化：否则并发处理（定时周期与手动触发重叠）会出现：
//   - 两个 goroutine 读到同一个 prev，重复生成事件
//   - 当前态被旧结果覆盖
//
// 不同端点互不阻塞。返回落库后的记录（含 ID）和本次生成的事件。
func (e *Engine) ProcessResult(result *probe.Result) (*storage.CertificateRecord, []*storage.CertEvent, error) {
	if result == nil {
		return nil, nil, fmt.Errorf("result 不能为空")
	}

	mu := e.lockFor(result.Hostname, result.Port)
	mu.Lock()
	defer mu.Unlock()

	prev, err := e.storage.GetCertificate(result.Hostname, result.Port)
	if err != nil {
		logger.Error("events", "读取证书当前态失败",
			"hostname", result.Hostname, "port", result.Port, "error", err)
		return nil, nil, err
	}

	// 防御：丢弃比已存状态更旧的结果（手动触发与定时周期重叠时可能出现）
	if prev != nil && result.CheckedAt < prev.LastChecked {
		return prev, nil, nil
	}

	next := RecordFromResult(result)
	evts := Detect(prev, next)

	if err := e.storage.SaveCertificate(next, evts); err != nil {
		logger.Error("events", "保存证书状态失败",
			"hostname", result.Hostname, "port", result.Port, "error", err)
		return nil, nil, err
	}

	for _, ev := range evts {
		logger.Info("events", "证书事件",
			"hostname", result.Hostname, "port", result.Port,
			"kind", ev.Kind, "old", ev.OldValue, "new", ev.NewValue)
	}

	return next, evts, nil
}
