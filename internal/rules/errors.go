package rules

import "errors"

var (
	ErrRuleCompile       = errors.New("compile rule pattern")
	ErrUnknownMatchType  = errors.New("unknown match type")
	ErrRegexMatchTimeout = errors.New("regex match timeout")
)
