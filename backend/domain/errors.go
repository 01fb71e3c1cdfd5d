package domain

import (
	"errors"
	"fmt"
	"strings"
)

// 错误分类
var (
	// ErrRemoteUnavailable IPC 通道未连接
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrEngineUnreachable 控制面端口不可达
	ErrEngineUnreachable = errors.New("engine unreachable")

	// ErrIntegrity 资源校验和不匹配
	ErrIntegrity = errors.New("asset integrity check failed")

	// ErrVerification 离线订阅签名校验失败
	ErrVerification = errors.New("subscription verification failed")

	// ErrTransientFetch 日志/探测拉取失败，可自愈
	ErrTransientFetch = errors.New("transient fetch failure")

	// ErrPermissionDenied 用户未授予 VPN 权限
	ErrPermissionDenied = errors.New("vpn permission denied")

	// ErrInvalidInput 输入无效
	ErrInvalidInput = errors.New("invalid input")
)

// IntegrityError 列出校验失败的资源
type IntegrityError struct {
	Mismatched []string
	Missing    []string
}

func (e *IntegrityError) Error() string {
	var parts []string
	if len(e.Mismatched) > 0 {
		parts = append(parts, "mismatched: "+strings.Join(e.Mismatched, ", "))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(parts) == 0 {
		return ErrIntegrity.Error()
	}
	return fmt.Sprintf("%s (%s)", ErrIntegrity.Error(), strings.Join(parts, "; "))
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// VerificationError 签名或密钥不匹配
type VerificationError struct {
	KeyID  string
	Reason string
}

func (e *VerificationError) Error() string {
	if e.KeyID == "" {
		return fmt.Sprintf("%s: %s", ErrVerification.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: key %s: %s", ErrVerification.Error(), e.KeyID, e.Reason)
}

func (e *VerificationError) Unwrap() error { return ErrVerification }

// OperationFailedError Engine 通过回调或控制面报告的失败
type OperationFailedError struct {
	Op     string
	Reason string
}

func (e *OperationFailedError) Error() string {
	if e.Reason == "" {
		return e.Op + " failed"
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Reason)
}

// Reason 提取用于展示的错误原因
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var op *OperationFailedError
	if errors.As(err, &op) && op.Reason != "" {
		return op.Reason
	}
	return err.Error()
}
