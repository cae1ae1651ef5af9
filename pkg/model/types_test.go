package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResourceType(t *testing.T) {
	tests := []struct {
		in   string
		want ResourceType
	}{
		{"main_frame", ResourceMainFrame},
		{"xmlhttprequest", ResourceXHR},
		{"Document", ResourceMainFrame},
		{"XHR", ResourceXHR},
		{"Fetch", ResourceXHR},
		{"CSPViolationReport", ResourceCSPReport},
		{"TextTrack", ResourceMedia},
		{"Manifest", ResourceOther},
		{"", ResourceOther},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResourceType(tt.in))
		})
	}
}

func TestClassifyContentType(t *testing.T) {
	assert.Equal(t, ContentJSON, ClassifyContentType("application/json; charset=utf-8"))
	assert.Equal(t, ContentText, ClassifyContentType("text/html"))
	assert.Equal(t, ContentImage, ClassifyContentType("image/png"))
	assert.Equal(t, ContentOther, ClassifyContentType("application/octet-stream"))
	assert.Equal(t, ContentOther, ClassifyContentType(""))
}

func TestHeaderLowercasesKeys(t *testing.T) {
	h := NewHeader(map[string]string{"Content-Type": "text/plain", "X-Trace": "1"})
	assert.Equal(t, "text/plain", h["content-type"])
	assert.Equal(t, "1", h.Get("X-TRACE"))

	h.Del("x-trace")
	assert.Empty(t, h.Get("x-trace"))

	var empty Header
	assert.Nil(t, empty.Clone())
	assert.Empty(t, empty.Get("anything"))
}

func TestRequestRecordCloneIsDeep(t *testing.T) {
	body := `{"ok":true}`
	n := int64(12)
	rec := RequestRecord{
		ID:              "1",
		ResponseHeaders: Header{"a": "b"},
		SyntheticBody:   &body,
		ContentLength:   &n,
	}
	cp := rec.Clone()
	cp.ResponseHeaders["a"] = "changed"
	*cp.SyntheticBody = "x"
	*cp.ContentLength = 1

	assert.Equal(t, "b", rec.ResponseHeaders["a"])
	assert.Equal(t, `{"ok":true}`, *rec.SyntheticBody)
	assert.Equal(t, int64(12), *rec.ContentLength)
}
