package repository

import "errors"

// 通用仓储错误
var (
	// ErrInvalidData 数据无效
	ErrInvalidData = errors.New("invalid entity data")
)
