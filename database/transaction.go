package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 🔄 事务协调器
// =============================================================================

// TxState 事务状态。全部迁移单向且一次性：
// Pending -[Begin]-> Active -[Commit]-> Committed
//
//	Active -[Rollback]-> RolledBack
//	Active -[执行失败]-> Failed
type TxState string

const (
	TxPending    TxState = "pending"
	TxActive     TxState = "active"
	TxCommitted  TxState = "committed"
	TxRolledBack TxState = "rolled_back"
	TxFailed     TxState = "failed"
)

// terminal 报告状态是否为终态
func (s TxState) terminal() bool {
	return s == TxCommitted || s == TxRolledBack || s == TxFailed
}

// Savepoint 事务内的命名回滚点
type Savepoint struct {
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	OperationsAt int64     `json:"operations_at"`
}

// TxRecord 事务元数据快照
type TxRecord struct {
	ID         string      `json:"id"`
	State      TxState     `json:"state"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at,omitempty"`
	Operations int64       `json:"operations"`
	Nested     bool        `json:"nested"`
	ParentID   string      `json:"parent_id,omitempty"`
	Savepoints []Savepoint `json:"savepoints"`
}

// TxOptions 事务行为配置
type TxOptions struct {
	// 超时后自动回滚；0 表示不限时
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// 是否允许保存点（含嵌套事务）
	SavepointsEnabled bool `yaml:"savepoints_enabled" json:"savepoints_enabled"`
}

// DefaultTxOptions 返回默认事务配置
func DefaultTxOptions() TxOptions {
	return TxOptions{
		Timeout:           30 * time.Second,
		SavepointsEnabled: true,
	}
}

var savepointNameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// TxCoordinator 包装一个已借出的连接，提供 begin/commit/rollback 与
// 嵌套保存点。单次使用：终态后不可复用。
//
// 执行失败只把状态置为 Failed，不做隐式回滚——回滚本身可能失败且
// 必须可观察，由调用方（Manager.Transaction）负责收尾。
type TxCoordinator struct {
	id     string
	conn   *sql.Conn
	opts   TxOptions
	logger *zap.Logger

	parent *TxCoordinator
	spName string // 嵌套事务对应的保存点名

	mu           sync.Mutex
	tx           *sql.Tx
	state        TxState
	savepoints   []Savepoint
	operations   int64
	startedAt    time.Time
	endedAt      time.Time
	timer        *time.Timer
	finishReason string
}

// NewTxCoordinator 在一个独占连接上创建顶层协调器
func NewTxCoordinator(conn *sql.Conn, opts TxOptions, logger *zap.Logger) *TxCoordinator {
	id := uuid.NewString()
	return &TxCoordinator{
		id:     id,
		conn:   conn,
		opts:   opts,
		logger: logger.With(zap.String("component", "tx"), zap.String("tx_id", id)),
		state:  TxPending,
	}
}

// Nested 创建共享同一底层事务的嵌套协调器。
// 嵌套事务以保存点实现，在不要求引擎原生支持嵌套事务的前提下保证安全。
func (c *TxCoordinator) Nested() (*TxCoordinator, error) {
	if !c.opts.SavepointsEnabled {
		return nil, fmt.Errorf("%w: savepoints disabled", ErrInvalidTxState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != TxActive {
		return nil, fmt.Errorf("%w: parent is %s", ErrInvalidTxState, c.state)
	}

	id := uuid.NewString()
	return &TxCoordinator{
		id:     id,
		conn:   c.conn,
		opts:   c.opts,
		logger: c.logger.With(zap.String("tx_id", id), zap.String("parent_id", c.id)),
		parent: c,
		spName: "tx_" + strings.ReplaceAll(id[:8], "-", ""),
		tx:     c.tx,
		state:  TxPending,
	}, nil
}

// ID 返回协调器标识
func (c *TxCoordinator) ID() string { return c.id }

// State 返回当前状态
func (c *TxCoordinator) State() TxState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Record 返回元数据快照
func (c *TxCoordinator) Record() TxRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	sps := make([]Savepoint, len(c.savepoints))
	copy(sps, c.savepoints)
	rec := TxRecord{
		ID:         c.id,
		State:      c.state,
		StartedAt:  c.startedAt,
		EndedAt:    c.endedAt,
		Operations: c.operations,
		Nested:     c.parent != nil,
		Savepoints: sps,
	}
	if c.parent != nil {
		rec.ParentID = c.parent.id
	}
	return rec
}

// =============================================================================
// 🎯 生命周期
// =============================================================================

// Begin 启动事务。顶层发出真正的 BEGIN；嵌套发出 SAVEPOINT。
func (c *TxCoordinator) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != TxPending {
		return fmt.Errorf("%w: begin from %s", ErrInvalidTxState, c.state)
	}

	if c.parent == nil {
		tx, err := c.conn.BeginTx(ctx, nil)
		if err != nil {
			c.state = TxFailed
			return Classify(err)
		}
		c.tx = tx
	} else {
		if _, err := c.tx.ExecContext(ctx, "SAVEPOINT "+c.spName); err != nil {
			c.state = TxFailed
			return Classify(err)
		}
	}

	c.state = TxActive
	c.startedAt = time.Now()

	if c.opts.Timeout > 0 {
		c.timer = time.AfterFunc(c.opts.Timeout, c.timeoutRollback)
	}
	return nil
}

// timeoutRollback 超时后强制回滚。不打断在途语句（底层驱动调用仍会
// 跑完），调用方随后的 Commit 会得到 "already finished" 错误。
func (c *TxCoordinator) timeoutRollback() {
	c.mu.Lock()
	if c.state != TxActive {
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if c.parent == nil {
		err = c.tx.Rollback()
	} else {
		_, err = c.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+c.spName)
	}
	c.state = TxRolledBack
	c.finishReason = "timeout"
	c.endedAt = time.Now()
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("timeout rollback failed", zap.Error(err))
		return
	}
	c.logger.Warn("transaction rolled back by timeout",
		zap.Duration("timeout", c.opts.Timeout),
	)
}

// Commit 提交。嵌套事务翻译为 RELEASE SAVEPOINT；只有最外层发出真正的 COMMIT。
func (c *TxCoordinator) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireActiveLocked("commit"); err != nil {
		return err
	}

	var err error
	if c.parent == nil {
		err = c.tx.Commit()
	} else {
		_, err = c.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+c.spName)
	}

	c.stopTimerLocked()
	c.endedAt = time.Now()
	if err != nil {
		c.state = TxFailed
		return Classify(err)
	}
	c.state = TxCommitted
	c.savepoints = nil
	return nil
}

// Rollback 回滚。嵌套事务翻译为 ROLLBACK TO SAVEPOINT；
// 只有最外层发出真正的 ROLLBACK。
// 除 Active 外也允许从 Failed 状态回滚：语句失败不做隐式回滚，
// 收尾由调用方在这里完成。
func (c *TxCoordinator) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != TxActive && c.state != TxFailed {
		if err := c.requireActiveLocked("rollback"); err != nil {
			return err
		}
	}

	wasFailed := c.state == TxFailed

	var err error
	if c.parent == nil {
		err = c.tx.Rollback()
	} else {
		_, err = c.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+c.spName)
	}

	c.stopTimerLocked()
	c.endedAt = time.Now()
	if err != nil {
		c.state = TxFailed
		return Classify(err)
	}
	// Failed 是终态：失败后的收尾回滚不改写状态
	if !wasFailed {
		c.state = TxRolledBack
	}
	c.savepoints = nil
	return nil
}

// =============================================================================
// 📝 语句执行
// =============================================================================

// Exec 执行写语句。仅在 Active 状态合法。
// 执行失败使协调器进入 Failed，但不隐式回滚。
// 驱动调用期间不持锁：超时回滚不打断在途语句，但会在语句返回后
// 立刻被观察到——此时语句可能已生效也可能没有。
func (c *TxCoordinator) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	tx, err := c.enterStatement("exec")
	if err != nil {
		return nil, err
	}

	res, execErr := tx.ExecContext(ctx, query, args...)
	if err := c.leaveStatement("exec", execErr); err != nil {
		return nil, err
	}
	return res, nil
}

// Query 执行读语句，返回多行结果
func (c *TxCoordinator) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	tx, err := c.enterStatement("query")
	if err != nil {
		return nil, err
	}

	rows, queryErr := tx.QueryContext(ctx, query, args...)
	if err := c.leaveStatement("query", queryErr); err != nil {
		if rows != nil {
			rows.Close()
		}
		return nil, err
	}
	return rows, nil
}

// enterStatement 校验状态并取出 tx，供不持锁的驱动调用使用
func (c *TxCoordinator) enterStatement(op string) (*sql.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(op); err != nil {
		return nil, err
	}
	return c.tx, nil
}

// leaveStatement 在驱动调用返回后复核状态并结算
func (c *TxCoordinator) leaveStatement(op string, execErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if execErr != nil {
		if c.state == TxActive {
			c.state = TxFailed
			c.stopTimerLocked()
			c.endedAt = time.Now()
		}
		return Classify(execErr)
	}
	// 语句执行期间超时回滚可能已经终结事务
	if err := c.requireActiveLocked(op); err != nil {
		return err
	}
	c.operations++
	return nil
}

// QueryRow 执行读语句，返回单行结果。
// 驱动错误延迟到 Row.Scan 才暴露，这里按无错结算。
func (c *TxCoordinator) QueryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	tx, err := c.enterStatement("query_row")
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, query, args...)
	if err := c.leaveStatement("query_row", nil); err != nil {
		return nil, err
	}
	return row, nil
}

// =============================================================================
// 📍 保存点
// =============================================================================

// CreateSavepoint 压入一个保存点；name 为空时自动生成抗冲突名字
func (c *TxCoordinator) CreateSavepoint(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = "sp_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	}
	if !savepointNameRE.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrSavepointName, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opts.SavepointsEnabled {
		return "", fmt.Errorf("%w: savepoints disabled", ErrInvalidTxState)
	}
	if err := c.requireActiveLocked("savepoint"); err != nil {
		return "", err
	}
	for _, sp := range c.savepoints {
		if sp.Name == name {
			return "", fmt.Errorf("%w: duplicate %q", ErrSavepointName, name)
		}
	}

	if _, err := c.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		c.state = TxFailed
		return "", Classify(err)
	}

	c.savepoints = append(c.savepoints, Savepoint{
		Name:         name,
		CreatedAt:    time.Now(),
		OperationsAt: c.operations,
	})
	return name, nil
}

// RollbackToSavepoint 回滚到指定保存点，并移除其后创建的所有保存点
// （保存点构成栈，目标自身保留）
func (c *TxCoordinator) RollbackToSavepoint(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireActiveLocked("rollback_to_savepoint"); err != nil {
		return err
	}

	idx := -1
	for i, sp := range c.savepoints {
		if sp.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrSavepointNotFound, name)
	}

	if _, err := c.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		c.state = TxFailed
		return Classify(err)
	}

	c.savepoints = c.savepoints[:idx+1]
	return nil
}

// ReleaseSavepoint 释放栈顶保存点。释放非栈顶条目会被拒绝，
// 防止乱序释放。
func (c *TxCoordinator) ReleaseSavepoint(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireActiveLocked("release_savepoint"); err != nil {
		return err
	}

	found := false
	for _, sp := range c.savepoints {
		if sp.Name == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrSavepointNotFound, name)
	}
	if top := c.savepoints[len(c.savepoints)-1].Name; top != name {
		return fmt.Errorf("%w: %q is not the top savepoint (top is %q)", ErrSavepointOrder, name, top)
	}

	if _, err := c.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		c.state = TxFailed
		return Classify(err)
	}

	c.savepoints = c.savepoints[:len(c.savepoints)-1]
	return nil
}

// Savepoints 返回当前保存点栈副本（栈底在前）
func (c *TxCoordinator) Savepoints() []Savepoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Savepoint, len(c.savepoints))
	copy(out, c.savepoints)
	return out
}

// =============================================================================
// 🔧 内部方法
// =============================================================================

// requireActiveLocked 必须在持有 c.mu 时调用
func (c *TxCoordinator) requireActiveLocked(op string) error {
	switch {
	case c.state == TxActive:
		return nil
	case c.state.terminal():
		if c.finishReason == "timeout" {
			return fmt.Errorf("%w: rolled back by timeout", ErrTxFinished)
		}
		return fmt.Errorf("%w: %s in state %s", ErrTxFinished, op, c.state)
	default:
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTxState, op, c.state)
	}
}

// stopTimerLocked 必须在持有 c.mu 时调用
func (c *TxCoordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
