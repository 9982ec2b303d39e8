package services

import (
	"errors"
	"fmt"
)

// Kind 错误分类，两个入口（HTTP / Discord）都只按 Kind 渲染
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindPermissionDenied
	KindUpstream
	KindConflict
	KindDecryption
	KindInvalidToken
	KindExpired
	KindUnknownHandler
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindUpstream:
		return "upstream_failure"
	case KindConflict:
		return "conflict"
	case KindDecryption:
		return "decryption"
	case KindInvalidToken:
		return "invalid_token"
	case KindExpired:
		return "expired"
	case KindUnknownHandler:
		return "unknown_handler"
	default:
		return "internal"
	}
}

type kinded interface {
	Kind() Kind
}

type sentinel struct {
	kind Kind
	msg  string
}

func (s *sentinel) Error() string { return s.msg }
func (s *sentinel) Kind() Kind    { return s.kind }

var (
	ErrNotFound         error = &sentinel{KindNotFound, "not found"}
	ErrGuildNotFound    error = &sentinel{KindNotFound, "guild is not registered"}
	ErrMemberNotFound   error = &sentinel{KindNotFound, "member not found"}
	ErrSecretNotFound   error = &sentinel{KindNotFound, "secret not found"}
	ErrPermissionDenied error = &sentinel{KindPermissionDenied, "permission denied"}
	ErrConflict         error = &sentinel{KindConflict, "conflicting state"}
	ErrAlreadyOnboarded error = &sentinel{KindConflict, "member already onboarded"}
	ErrMemberRemoved    error = &sentinel{KindConflict, "member was removed"}
	ErrNotOnboarded     error = &sentinel{KindConflict, "member is not onboarded"}
	ErrGuildExists      error = &sentinel{KindConflict, "guild already registered"}
	ErrDecryption       error = &sentinel{KindDecryption, "secret could not be decrypted"}
	ErrInvalidToken     error = &sentinel{KindInvalidToken, "interaction token is invalid"}
	ErrExpired          error = &sentinel{KindExpired, "interaction token expired"}
	ErrUnknownHandler   error = &sentinel{KindUnknownHandler, "no handler for interaction kind"}
)

// ValidationError 指出具体的非法字段
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() Kind { return KindValidation }

// UpstreamError Discord 或其他外部依赖调用失败，可重试
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
func (e *UpstreamError) Kind() Kind    { return KindUpstream }

// KindOf 返回错误链上第一个带分类的错误的 Kind，未分类即 KindInternal
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// Retryable 只有上游失败值得调用方重试
func Retryable(err error) bool {
	return KindOf(err) == KindUpstream
}
