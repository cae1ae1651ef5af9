package reconcile

import "errors"

// ErrReconciliationMiss 事件引用了账本中不存在的请求
var ErrReconciliationMiss = errors.New("reconciliation miss")
