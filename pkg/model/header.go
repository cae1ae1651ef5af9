package model

import "strings"

// Header 封装通用的头部操作，键统一存储为小写
type Header map[string]string

// NewHeader 从任意大小写的键值对构造 Header
func NewHeader(src map[string]string) Header {
	h := make(Header, len(src))
	for k, v := range src {
		h.Set(k, v)
	}
	return h
}

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 复制 Header，nil 保持为 nil
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// HeaderEntry 有序的头部条目，用于构造协议响应
type HeaderEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
