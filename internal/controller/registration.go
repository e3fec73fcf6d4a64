package controller

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mobility-trailblazers/offline-edge/internal/logging"
	"github.com/mobility-trailblazers/offline-edge/internal/policy"
)

// ActionSkipWaiting 是强制等待中的版本立即接管的控制消息。
const ActionSkipWaiting = "skipWaiting"

// Message 是页面发给控制器的控制消息。
type Message struct {
	Action string `json:"action"`
}

// PostMessage 处理控制消息；目前只识别 skipWaiting。
func (c *Controller) PostMessage(msg Message) error {
	switch msg.Action {
	case ActionSkipWaiting:
		c.skipWaiting.Store(true)
		c.logLifecycle("message").Info("skip_waiting_requested")
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
	}
}

// Registration 串行执行安装与激活，并持有当前生效与等待中的控制器。
// 请求处理只读取 active 指针，不与生命周期操作争用锁。
type Registration struct {
	fetcher Fetcher
	logger  *logrus.Logger

	lifecycle sync.Mutex
	waiting   *Controller
	active    atomic.Pointer[Controller]
}

// NewRegistration 创建空的 Registration；没有生效控制器时请求直接透传到网络。
func NewRegistration(fetcher Fetcher, logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registration{fetcher: fetcher, logger: logger}
}

// Register 安装新版本；若其请求跳过等待则立即激活并替换旧版本，否则进入等待。
func (r *Registration) Register(ctx context.Context, c *Controller) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if _, err := c.Install(ctx); err != nil {
		c.markRedundant()
		return fmt.Errorf("install %s: %w", c.Version(), err)
	}

	if previous := r.waiting; previous != nil && previous != c {
		previous.markRedundant()
	}
	r.waiting = c
	return r.promoteLocked(ctx)
}

// PostMessage 把控制消息交给等待中的版本（没有时交给生效版本），必要时完成接管。
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	target := r.waiting
	if target == nil {
		target = r.active.Load()
	}
	if target == nil {
		return ErrNoController
	}
	if err := target.PostMessage(msg); err != nil {
		return err
	}
	return r.promoteLocked(ctx)
}

func (r *Registration) promoteLocked(ctx context.Context) error {
	next := r.waiting
	if next == nil || !next.SkipWaiting() {
		if next != nil {
			r.logger.WithFields(logging.LifecycleFields("register", next.Version(), string(next.Phase()))).
				Info("controller_waiting")
		}
		return nil
	}

	if phase := next.Phase(); phase != PhaseInstalled {
		return fmt.Errorf("activate %s: %w: %s", next.Version(), ErrInvalidPhase, phase)
	}

	// 旧版本须先停止写入并排空后台写入，新版本才能删除旧命名空间。
	if previous := r.active.Load(); previous != nil && previous != next {
		previous.markRedundant()
		previous.Flush()
	}
	if _, err := next.Activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", next.Version(), err)
	}
	r.waiting = nil
	r.active.Store(next)
	return nil
}

// Handle 把请求交给生效的控制器；尚无控制器时直接访问网络。
func (r *Registration) Handle(ctx context.Context, req *http.Request) (*Result, error) {
	if c := r.active.Load(); c != nil {
		return c.Handle(ctx, req)
	}
	resp, err := r.fetcher.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	// 尚无页面源可比较，以请求自身的源判定。
	typ := policy.Classify(req.URL, req.URL, resp.StatusCode, resp.Header)
	return &Result{Response: resp, Source: SourcePassthrough, Type: typ}, nil
}

// Active 返回当前生效的控制器，可能为 nil。
func (r *Registration) Active() *Controller { return r.active.Load() }

// Waiting 返回等待接管的控制器，可能为 nil。
func (r *Registration) Waiting() *Controller {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.waiting
}

// Flush 等待生效控制器的后台写入完成。
func (r *Registration) Flush() {
	if c := r.active.Load(); c != nil {
		c.Flush()
	}
}

// ControllerStatus 是单个控制器的诊断快照。
type ControllerStatus struct {
	Version     string `json:"version"`
	Phase       Phase  `json:"phase"`
	Claimed     bool   `json:"claimed"`
	SkipWaiting bool   `json:"skip_waiting"`
	Entries     int    `json:"entries"`
}

// Status 汇总 Registration 的诊断信息。
type Status struct {
	Active     *ControllerStatus `json:"active,omitempty"`
	Waiting    *ControllerStatus `json:"waiting,omitempty"`
	Namespaces []string          `json:"namespaces"`
}

// Status 返回当前生效/等待的版本以及存储中的命名空间。
func (r *Registration) Status(ctx context.Context) Status {
	active := r.Active()
	waiting := r.Waiting()

	status := Status{Namespaces: []string{}}
	status.Active = controllerStatus(ctx, active)
	status.Waiting = controllerStatus(ctx, waiting)

	source := active
	if source == nil {
		source = waiting
	}
	if source != nil {
		if names, err := source.Store().ListNamespaces(ctx); err == nil {
			status.Namespaces = names
		} else {
			r.logger.WithError(err).WithField("action", "status").Warn("cache_list_failed")
		}
	}
	return status
}

func controllerStatus(ctx context.Context, c *Controller) *ControllerStatus {
	if c == nil {
		return nil
	}
	out := &ControllerStatus{
		Version:     c.Version(),
		Phase:       c.Phase(),
		Claimed:     c.Claimed(),
		SkipWaiting: c.SkipWaiting(),
	}
	if keys, err := c.Store().Keys(ctx, c.Version()); err == nil {
		out.Entries = len(keys)
	}
	return out
}
