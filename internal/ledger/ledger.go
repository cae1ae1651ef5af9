package ledger

import (
	"sync"
	"time"

	"cdpmock/pkg/model"
)

// Key 记录键：捕获源分配的请求ID只在目标内有意义
type Key struct {
	Target    model.TargetID
	RequestID string
}

// KeyOf 构造记录键
func KeyOf(target model.TargetID, requestID string) Key {
	return Key{Target: target, RequestID: requestID}
}

type entry struct {
	rec model.RequestRecord
}

// Ledger 请求账本：按插入顺序保存记录，支持键查找、合并与范围清空
type Ledger struct {
	mu      sync.RWMutex
	order   []*entry
	byKey   map[Key]*entry
	aliases map[Key]Key
}

// New 创建空账本
func New() *Ledger {
	return &Ledger{
		byKey:   make(map[Key]*entry),
		aliases: make(map[Key]Key),
	}
}

// Insert 插入新记录；键已存在（含别名）时不覆盖并返回 false
func (l *Ledger) Insert(rec model.RequestRecord) bool {
	key := KeyOf(rec.TargetID, rec.ID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.resolveLocked(key); ok {
		return false
	}
	e := &entry{rec: rec.Clone()}
	l.order = append(l.order, e)
	l.byKey[key] = e
	return true
}

// Get 按键（或别名）查找记录副本
func (l *Ledger) Get(key Key) (model.RequestRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.resolveLocked(key)
	if !ok {
		return model.RequestRecord{}, false
	}
	return e.rec.Clone(), true
}

// Update 在锁内对记录应用合并补丁；记录不存在时返回 false
func (l *Ledger) Update(key Key, patch func(rec *model.RequestRecord)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.resolveLocked(key)
	if !ok {
		return false
	}
	patch(&e.rec)
	return true
}

// Alias 让 from 指向 to 对应的记录；to 不存在或 from 已是独立记录时返回 false
func (l *Ledger) Alias(from, to Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from == to {
		return false
	}
	if _, own := l.byKey[from]; own {
		return false
	}
	target, ok := l.canonicalLocked(to)
	if !ok {
		return false
	}
	l.aliases[from] = target
	return true
}

// Resolve 返回键对应记录的规范键
func (l *Ledger) Resolve(key Key) (Key, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.canonicalLocked(key)
}

// FindRecent 查找同一目标、同一URL、指定来源且创建时间不早于 since 的最新记录
func (l *Ledger) FindRecent(target model.TargetID, url string, source model.CaptureSource, since time.Time) (Key, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.order) - 1; i >= 0; i-- {
		r := &l.order[i].rec
		if r.CreatedAt.Before(since) {
			// 按插入顺序近似按时间递增，之后的记录更早
			break
		}
		if r.TargetID == target && r.URL == url && r.Source == source {
			return KeyOf(r.TargetID, r.ID), true
		}
	}
	return Key{}, false
}

// List 返回记录副本；target 为空时返回全部
func (l *Ledger) List(target model.TargetID) []model.RequestRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.RequestRecord, 0, len(l.order))
	for _, e := range l.order {
		if target != "" && e.rec.TargetID != target {
			continue
		}
		out = append(out, e.rec.Clone())
	}
	return out
}

// Len 记录数量
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Clear 清空记录；target 非空时只清除该目标的记录，返回清除数量
func (l *Ledger) Clear(target model.TargetID) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if target == "" {
		n := len(l.order)
		l.order = nil
		l.byKey = make(map[Key]*entry)
		l.aliases = make(map[Key]Key)
		return n
	}

	kept := l.order[:0]
	removed := 0
	for _, e := range l.order {
		if e.rec.TargetID == target {
			delete(l.byKey, KeyOf(e.rec.TargetID, e.rec.ID))
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(l.order); i++ {
		l.order[i] = nil
	}
	l.order = kept
	for from, to := range l.aliases {
		if from.Target == target || to.Target == target {
			delete(l.aliases, from)
		}
	}
	return removed
}

func (l *Ledger) canonicalLocked(key Key) (Key, bool) {
	if _, ok := l.byKey[key]; ok {
		return key, true
	}
	if to, ok := l.aliases[key]; ok {
		if _, ok := l.byKey[to]; ok {
			return to, true
		}
	}
	return Key{}, false
}

func (l *Ledger) resolveLocked(key Key) (*entry, bool) {
	k, ok := l.canonicalLocked(key)
	if !ok {
		return nil, false
	}
	return l.byKey[k], true
}
