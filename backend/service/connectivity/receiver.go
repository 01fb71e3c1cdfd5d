// Package connectivity 解析 Engine 宿主转发的系统网络广播。
package connectivity

import (
	"strings"

	"github.com/sirupsen/logrus"

	"leafclient/backend/domain"
)

// EventTypeConnectivityChanged 唯一识别的广播类型
const EventTypeConnectivityChanged = "connectivity_changed"

const (
	dataLost      = "lost"
	dataRecovered = "recovered"
)

// Parse 解析广播；无法识别的 eventType/data 记录日志后忽略
func Parse(eventType, data string, timestamp int64) (domain.ConnectivityEvent, bool) {
	if !strings.EqualFold(strings.TrimSpace(eventType), EventTypeConnectivityChanged) {
		logrus.Debugf("[Connectivity] ignore broadcast eventType=%q", eventType)
		return domain.ConnectivityEvent{}, false
	}
	switch strings.ToLower(strings.TrimSpace(data)) {
	case dataLost:
		logrus.Infof("[Connectivity] network lost at %d", timestamp)
		return domain.ConnectivityEvent{Lost: true, Timestamp: timestamp}, true
	case dataRecovered:
		logrus.Infof("[Connectivity] network recovered at %d", timestamp)
		return domain.ConnectivityEvent{Lost: false, Timestamp: timestamp}, true
	default:
		logrus.Warnf("[Connectivity] unknown connectivity data %q", data)
		return domain.ConnectivityEvent{}, false
	}
}
