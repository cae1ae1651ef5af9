package rulesfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"cdpmock/internal/logger"
	"cdpmock/pkg/model"
)

// DefaultDebounce 合并连续保存产生的多次文件事件
const DefaultDebounce = 300 * time.Millisecond

var ErrParse = errors.New("parse rules file")

// document 规则文件可以是规则列表，也可以是带 rules 键的对象
type document struct {
	Rules []model.Rule `yaml:"rules"`
}

// Parse 解析 YAML（或 JSON）格式的规则
func Parse(data []byte) ([]model.Rule, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return []model.Rule{}, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if len(node.Content) == 0 {
		return []model.Rule{}, nil
	}

	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var rules []model.Rule
		if err := root.Decode(&rules); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
		return rules, nil
	case yaml.MappingNode:
		var doc document
		if err := root.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
		if doc.Rules == nil {
			doc.Rules = []model.Rule{}
		}
		return doc.Rules, nil
	}
	return nil, fmt.Errorf("%w: expected list or mapping", ErrParse)
}

// Load 读取并解析规则文件
func Load(path string) ([]model.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Sink 规则写入目标
type Sink interface {
	SaveRules(ctx context.Context, rules []model.Rule) error
}

// Watcher 监听规则文件，变化后同步到配置存储
type Watcher struct {
	path     string
	sink     Sink
	debounce time.Duration
	log      logger.Logger
}

// NewWatcher 创建规则文件监听器
func NewWatcher(path string, sink Sink, l logger.Logger) *Watcher {
	if l == nil {
		l = logger.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return &Watcher{path: abs, sink: sink, debounce: DefaultDebounce, log: l}
}

// SetDebounce 设置去抖间隔
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Sync 立即读取文件并写入存储
func (w *Watcher) Sync(ctx context.Context) error {
	rules, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := w.sink.SaveRules(ctx, rules); err != nil {
		return err
	}
	w.log.Info("规则文件已同步", "path", w.path, "count", len(rules))
	return nil
}

// Run 首次同步后持续监听，直到 ctx 结束；监听所在目录以兼容编辑器的重命名保存
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Sync(ctx); err != nil {
		w.log.Err(err, "规则文件首次同步失败", "path", w.path)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.log.Debug("规则文件变更", "op", ev.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Err(err, "规则文件监听错误")
		case <-timer.C:
			if err := w.Sync(ctx); err != nil {
				w.log.Err(err, "规则文件同步失败，保留现有规则", "path", w.path)
			}
		}
	}
}
