package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供拦截请求的方法/目标/来源字段，供控制器与 HTTP 层复用。
func RequestFields(version, method, target, source string) logrus.Fields {
	return logrus.Fields{
		"cache_version": version,
		"method":        method,
		"target":        target,
		"source":        source,
	}
}

// LifecycleFields 描述控制器生命周期事件（install/activate/skip_waiting）。
func LifecycleFields(action, version, phase string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"cache_version": version,
		"phase":         phase,
	}
}
