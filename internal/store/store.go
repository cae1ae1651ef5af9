package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cdpmock/internal/ctxkeys"
	"cdpmock/internal/logger"
	"cdpmock/internal/storage"
)

const (
	KeyRules        = "rules"
	KeyDebugEnabled = "debugEnabled"
)

// watchBuffer 每个订阅者的缓冲大小，满时丢弃最旧的通知
const watchBuffer = 16

// Change 键值变更通知
type Change struct {
	Key      string
	OldValue string
	NewValue string
}

type watcher struct {
	keys map[string]struct{}
	ch   chan Change
}

// Store 带变更通知的键值配置存储
type Store struct {
	db  *gorm.DB
	log logger.Logger

	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

// New 创建配置存储
func New(db *gorm.DB, l logger.Logger) *Store {
	if l == nil {
		l = logger.NewNop()
	}
	return &Store{
		db:       db,
		log:      l,
		watchers: make(map[*watcher]struct{}),
	}
}

// Get 读取键值，不存在时 ok 为 false
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var row storage.Setting
	err := s.db.WithContext(ctxkeys.WithTraceID(ctx)).Where("name = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %s: %w", ErrRead, key, err)
	}
	return row.Value, true, nil
}

// Set 写入键值，值发生变化时通知订阅者
func (s *Store) Set(ctx context.Context, key, value string) error {
	ctx = ctxkeys.WithTraceID(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	old, existed, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	row := storage.Setting{Name: key, Value: value}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, key, err)
	}

	if existed && old == value {
		return nil
	}
	s.log.Debug("配置项已更新", "key", key, "traceId", ctxkeys.TraceID(ctx))
	s.publishLocked(Change{Key: key, OldValue: old, NewValue: value})
	return nil
}

// Watch 订阅指定键的变更，ctx 结束后通道关闭；keys 为空时订阅全部键
func (s *Store) Watch(ctx context.Context, keys ...string) <-chan Change {
	w := &watcher{keys: make(map[string]struct{}, len(keys)), ch: make(chan Change, watchBuffer)}
	for _, k := range keys {
		w.keys[k] = struct{}{}
	}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, w)
		close(w.ch)
		s.mu.Unlock()
	}()
	return w.ch
}

// publishLocked 非阻塞投递，调用方持有 s.mu
func (s *Store) publishLocked(c Change) {
	for w := range s.watchers {
		if len(w.keys) > 0 {
			if _, ok := w.keys[c.Key]; !ok {
				continue
			}
		}
		select {
		case w.ch <- c:
		default:
			// 缓冲已满：丢弃最旧的一条，保证最新值可达
			select {
			case <-w.ch:
			default:
			}
			select {
			case w.ch <- c:
			default:
			}
		}
	}
}
