package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmock/pkg/model"
)

func rec(target model.TargetID, id, url string, at time.Time) model.RequestRecord {
	return model.RequestRecord{ID: id, TargetID: target, URL: url, CreatedAt: at, Source: model.SourcePassive}
}

func TestInsertAndGet(t *testing.T) {
	l := New()
	now := time.Now()

	require.True(t, l.Insert(rec("t1", "1", "https://a", now)))
	assert.False(t, l.Insert(rec("t1", "1", "https://other", now)), "duplicate key must not overwrite")

	got, ok := l.Get(KeyOf("t1", "1"))
	require.True(t, ok)
	assert.Equal(t, "https://a", got.URL)

	// 同一请求ID在不同目标下互不影响
	require.True(t, l.Insert(rec("t2", "1", "https://b", now)))
	assert.Equal(t, 2, l.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	l := New()
	r := rec("t1", "1", "https://a", time.Now())
	r.ResponseHeaders = model.Header{"a": "1"}
	l.Insert(r)

	got, _ := l.Get(KeyOf("t1", "1"))
	got.ResponseHeaders["a"] = "mutated"

	again, _ := l.Get(KeyOf("t1", "1"))
	assert.Equal(t, "1", again.ResponseHeaders["a"])
}

func TestUpdate(t *testing.T) {
	l := New()
	l.Insert(rec("t1", "1", "https://a", time.Now()))

	ok := l.Update(KeyOf("t1", "1"), func(r *model.RequestRecord) { r.Status = 204 })
	require.True(t, ok)
	got, _ := l.Get(KeyOf("t1", "1"))
	assert.Equal(t, 204, got.Status)

	assert.False(t, l.Update(KeyOf("t1", "missing"), func(*model.RequestRecord) {}))
}

func TestAlias(t *testing.T) {
	l := New()
	l.Insert(rec("t1", "net-1", "https://a", time.Now()))

	require.True(t, l.Alias(KeyOf("t1", "fetch-1"), KeyOf("t1", "net-1")))
	assert.False(t, l.Alias(KeyOf("t1", "x"), KeyOf("t1", "missing")))
	assert.False(t, l.Alias(KeyOf("t1", "net-1"), KeyOf("t1", "net-1")))

	l.Update(KeyOf("t1", "fetch-1"), func(r *model.RequestRecord) { r.Intercepted = true })
	got, ok := l.Get(KeyOf("t1", "net-1"))
	require.True(t, ok)
	assert.True(t, got.Intercepted)

	canonical, ok := l.Resolve(KeyOf("t1", "fetch-1"))
	require.True(t, ok)
	assert.Equal(t, KeyOf("t1", "net-1"), canonical)

	// 别名指向已存在的键时不能再插入同名记录
	assert.False(t, l.Insert(rec("t1", "fetch-1", "https://a", time.Now())))
}

func TestFindRecent(t *testing.T) {
	l := New()
	base := time.Now()
	old := rec("t1", "old", "https://a", base.Add(-10*time.Second))
	old.Source = model.SourceActive
	l.Insert(old)
	fresh := rec("t1", "fresh", "https://a", base)
	fresh.Source = model.SourceActive
	l.Insert(fresh)
	l.Insert(rec("t1", "passive", "https://a", base))

	key, ok := l.FindRecent("t1", "https://a", model.SourceActive, base.Add(-5*time.Second))
	require.True(t, ok)
	assert.Equal(t, "fresh", key.RequestID)

	_, ok = l.FindRecent("t2", "https://a", model.SourceActive, base.Add(-5*time.Second))
	assert.False(t, ok)

	_, ok = l.FindRecent("t1", "https://a", model.SourceActive, base.Add(time.Second))
	assert.False(t, ok)
}

func TestClearScoped(t *testing.T) {
	l := New()
	now := time.Now()
	l.Insert(rec("t1", "1", "https://a", now))
	l.Insert(rec("t2", "2", "https://b", now))
	l.Insert(rec("t1", "3", "https://c", now))
	l.Alias(KeyOf("t1", "alias"), KeyOf("t1", "1"))

	assert.Equal(t, 2, l.Clear("t1"))

	all := l.List("")
	require.Len(t, all, 1)
	assert.Equal(t, model.TargetID("t2"), all[0].TargetID)
	_, ok := l.Get(KeyOf("t1", "alias"))
	assert.False(t, ok)

	assert.Equal(t, 1, l.Clear(""))
	assert.Empty(t, l.List(""))
}

func TestListScopedKeepsOrder(t *testing.T) {
	l := New()
	now := time.Now()
	l.Insert(rec("t1", "1", "https://a", now))
	l.Insert(rec("t2", "2", "https://b", now))
	l.Insert(rec("t1", "3", "https://c", now))

	got := l.List("t1")
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
	assert.Len(t, l.List(""), 3)
}
