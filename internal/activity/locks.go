// Package activity はアクティビティの同期、アップサート、集計を提供する。
package activity

import (
	"context"
	"sync"
)

// UserLocks はユーザー単位の排他ロック。
// 手動同期・バッチ同期・Webhook処理が同じユーザーを同時に処理しないようにする。
// プロセス内のみで有効。
type UserLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

// NewUserLocks はUserLocksを生成する。
func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[string]*userLock)}
}

// Lock は指定ユーザーのロックを取得し、解放関数を返す。
// ctxがキャンセルされた場合はロックを取得せずにエラーを返す。
func (u *UserLocks) Lock(ctx context.Context, userID string) (func(), error) {
	u.mu.Lock()
	l, ok := u.locks[userID]
	if !ok {
		l = &userLock{ch: make(chan struct{}, 1)}
		u.locks[userID] = l
	}
	l.refs++
	u.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				u.release(userID, l)
			})
		}, nil
	case <-ctx.Done():
		u.release(userID, l)
		return nil, ctx.Err()
	}
}

// release は参照カウントを減らし、誰も使っていなければエントリを削除する。
func (u *UserLocks) release(userID string, l *userLock) {
	u.mu.Lock()
	defer u.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(u.locks, userID)
	}
}

// size は保持しているロック数を返す。テスト用。
func (u *UserLocks) size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.locks)
}
