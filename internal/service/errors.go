package service

import (
	"errors"
)

// Kind 错误分类, 决定对外暴露方式与 HTTP 状态码
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindCredentials
	KindAuthorization
	KindUnavailable
	KindIntegrity
)

// KeyRegistry
var (
	ErrKeyNotFound        = errors.New("license key not found")
	ErrKeyAlreadyConsumed = errors.New("license key already consumed")
	ErrKeyExpired         = errors.New("license key expired")
	ErrKeyRevoked         = errors.New("license key revoked")
	ErrKeyInUse           = errors.New("license key still referenced by accounts")
)

// DeviceBindingStore / QuotaEnforcer
var (
	ErrDeviceConflict      = errors.New("device bound to another account")
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrQuotaBelowUsage     = errors.New("quota below current usage")
	ErrSeatNotHeld         = errors.New("no seat held for tenant")
)

// AuthGateway
var (
	ErrKeyInvalid         = errors.New("license key invalid")
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountBlocked     = errors.New("account blocked")
	ErrDeviceNotBound     = errors.New("device not bound")
	ErrWrongAuthority     = errors.New("wrong authority for account origin")
	ErrLicenseExpired     = errors.New("license expired")
	ErrLicenseRevoked     = errors.New("license revoked")
	ErrSessionInvalid     = errors.New("session invalid")
)

// ModeAuthority
var (
	ErrAuthorityOffline = errors.New("authority offline")
	ErrHubUnreachable   = errors.New("hub unreachable")
	ErrHubNotFound      = errors.New("hub not found")
	ErrHubExists        = errors.New("hub already exists")
	ErrHubDraining      = errors.New("hub draining")
	ErrHubState         = errors.New("invalid hub state transition")
)

// TicketWorkflow
var (
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrTicketNotDeletable  = errors.New("ticket not deletable")
	ErrTicketTransition    = errors.New("invalid ticket transition")
	ErrOrphanNotFound      = errors.New("orphan not found")
	ErrOrphanResolved      = errors.New("orphan already resolved")
	ErrInvalidInput        = errors.New("invalid input")
	ErrOperatorNotFound    = errors.New("operator not found")
	ErrInsufficientPrivile = errors.New("insufficient privileges")
)

var kinds = []struct {
	err  error
	kind Kind
	code string
}{
	{ErrInvalidInput, KindValidation, "INVALID_INPUT"},
	{ErrKeyAlreadyConsumed, KindConflict, "KEY_ALREADY_CONSUMED"},
	{ErrKeyNotFound, KindConflict, "KEY_NOT_FOUND"},
	{ErrKeyExpired, KindConflict, "KEY_EXPIRED"},
	{ErrKeyRevoked, KindConflict, "KEY_REVOKED"},
	{ErrKeyInvalid, KindConflict, "KEY_INVALID"},
	{ErrKeyInUse, KindConflict, "KEY_IN_USE"},
	{ErrUsernameTaken, KindConflict, "USERNAME_TAKEN"},
	{ErrQuotaExceeded, KindConflict, "QUOTA_EXCEEDED"},
	{ErrQuotaBelowUsage, KindConflict, "QUOTA_BELOW_USAGE"},
	{ErrDeviceConflict, KindConflict, "DEVICE_CONFLICT"},
	{ErrDeviceLimitExceeded, KindConflict, "DEVICE_LIMIT_EXCEEDED"},
	{ErrHubExists, KindConflict, "HUB_EXISTS"},
	{ErrHubState, KindConflict, "HUB_STATE"},
	{ErrTicketNotDeletable, KindConflict, "TICKET_NOT_DELETABLE"},
	{ErrTicketTransition, KindConflict, "TICKET_TRANSITION"},
	{ErrOrphanResolved, KindConflict, "ORPHAN_RESOLVED"},
	{ErrInvalidCredentials, KindCredentials, "INVALID_CREDENTIALS"},
	{ErrSessionInvalid, KindCredentials, "SESSION_INVALID"},
	{ErrAccountBlocked, KindAuthorization, "ACCOUNT_BLOCKED"},
	{ErrWrongAuthority, KindAuthorization, "WRONG_AUTHORITY"},
	{ErrDeviceNotBound, KindAuthorization, "DEVICE_NOT_BOUND"},
	{ErrLicenseExpired, KindAuthorization, "LICENSE_EXPIRED"},
	{ErrLicenseRevoked, KindAuthorization, "LICENSE_REVOKED"},
	{ErrInsufficientPrivile, KindAuthorization, "FORBIDDEN"},
	{ErrAccountNotFound, KindNotFound, "ACCOUNT_NOT_FOUND"},
	{ErrTicketNotFound, KindNotFound, "TICKET_NOT_FOUND"},
	{ErrHubNotFound, KindNotFound, "HUB_NOT_FOUND"},
	{ErrOrphanNotFound, KindNotFound, "ORPHAN_NOT_FOUND"},
	{ErrOperatorNotFound, KindNotFound, "OPERATOR_NOT_FOUND"},
	{ErrAuthorityOffline, KindUnavailable, "AUTHORITY_OFFLINE"},
	{ErrHubUnreachable, KindUnavailable, "HUB_UNREACHABLE"},
	{ErrHubDraining, KindUnavailable, "HUB_DRAINING"},
	{ErrSeatNotHeld, KindIntegrity, "SEAT_NOT_HELD"},
}

// KindOf 返回错误所属分类. 多重包装时按表顺序取第一个匹配项
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Code 返回稳定的错误码, 供 API 响应使用
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "INTERNAL"
}

// Public 将内部错误转换为面向终端用户的错误, 避免账户枚举
func Public(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidInput):
		return ErrInvalidInput
	case errors.Is(err, ErrKeyInvalid),
		errors.Is(err, ErrKeyNotFound),
		errors.Is(err, ErrKeyAlreadyConsumed),
		errors.Is(err, ErrKeyExpired),
		errors.Is(err, ErrKeyRevoked):
		return ErrKeyInvalid
	case errors.Is(err, ErrAccountNotFound):
		return ErrInvalidCredentials
	case errors.Is(err, ErrDeviceLimitExceeded):
		return ErrDeviceConflict
	}
	if KindOf(err) == KindInternal || KindOf(err) == KindIntegrity {
		return errors.New("internal error")
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err
		}
	}
	return err
}
