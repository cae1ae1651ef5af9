package store

import "errors"

var (
	ErrRead          = errors.New("read setting")
	ErrWrite         = errors.New("write setting")
	ErrDecode        = errors.New("decode setting")
	ErrRuleNotFound  = errors.New("rule not found")
	ErrDuplicateRule = errors.New("duplicate rule id")
	ErrInvalidRule   = errors.New("invalid rule")
)
