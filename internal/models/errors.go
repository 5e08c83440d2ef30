package models

import "errors"

// ErrValidation 控制命令参数不合法（订阅主题、阈值），状态不变
var ErrValidation = errors.New("validation error")
