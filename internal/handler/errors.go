package handler

import "errors"

// ErrProtocolCommand fulfill/continue 命令被浏览器拒绝或超时
var ErrProtocolCommand = errors.New("protocol command failed")
