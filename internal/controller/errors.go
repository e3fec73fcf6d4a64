package controller

import "errors"

var (
	// ErrNoResponse 表示网络失败且缓存中没有可用条目，调用方应按网络错误处理。
	ErrNoResponse = errors.New("network failed and no cached response")
	// ErrInvalidPhase 表示生命周期调用顺序错误，例如未安装就激活。
	ErrInvalidPhase = errors.New("invalid controller phase")
	// ErrUnknownAction 表示控制消息中的 action 无法识别。
	ErrUnknownAction = errors.New("unknown control action")
	// ErrNoController 表示 Registration 尚未注册任何控制器。
	ErrNoController = errors.New("no controller registered")
)
