package coordinator

import "leafclient/backend/domain"

// ServiceListener IPC 连接生命周期
type ServiceListener interface {
	OnConnect()
	OnDisconnect()
	OnError(err error)
}

// LeafListener Engine 生命周期回调。启动/停止/重载的结果只经由这里送达。
type LeafListener interface {
	OnStarting()
	OnStartSuccess()
	OnStartFailed(reason string)
	OnReloadSuccess()
	OnReloadFailed(reason string)
	OnStopSuccess()
	OnStopFailed(reason string)
}

// ConnectivityListener 网络连通性变化
type ConnectivityListener interface {
	OnConnectivityChanged(event domain.ConnectivityEvent)
}

// SubscriptionCallback 订阅操作回调。
//
// OnUpdating 至多一次且先于终止事件；OnSuccess 与 OnFailure 恰好触发其一。
type SubscriptionCallback interface {
	OnUpdating()
	OnSuccess()
	OnFailure(err error)
}

// SubscriptionFuncs 函数形式的 SubscriptionCallback，nil 字段忽略
type SubscriptionFuncs struct {
	Updating func()
	Success  func()
	Failure  func(err error)
}

func (f SubscriptionFuncs) OnUpdating() {
	if f.Updating != nil {
		f.Updating()
	}
}

func (f SubscriptionFuncs) OnSuccess() {
	if f.Success != nil {
		f.Success()
	}
}

func (f SubscriptionFuncs) OnFailure(err error) {
	if f.Failure != nil {
		f.Failure(err)
	}
}
