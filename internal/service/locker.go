package service

import (
	"sort"
	"sync"
)

// Locker 按名称加锁的互斥表. 同一调用内的多个名称按字典序获取, 避免死锁
type Locker struct {
	mu    sync.Mutex
	locks map[string]*namedLock
}

type namedLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*namedLock)}
}

// Lock 获取全部名称对应的锁, 返回释放函数.
// 持有锁期间不得再次调用 Lock, 所有锁必须一次性申请
func (l *Locker) Lock(names ...string) func() {
	names = dedupe(names)

	held := make([]*namedLock, 0, len(names))
	for _, name := range names {
		nl := l.acquire(name)
		nl.mu.Lock()
		held = append(held, nl)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				l.release(names[i])
			}
		})
	}
}

func (l *Locker) acquire(name string) *namedLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	nl, ok := l.locks[name]
	if !ok {
		nl = &namedLock{}
		l.locks[name] = nl
	}
	nl.refs++
	return nl
}

func (l *Locker) release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	nl := l.locks[name]
	nl.refs--
	if nl.refs == 0 {
		delete(l.locks, name)
	}
}

// size 当前被引用的锁数量, 用于测试锁表不泄漏
func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func keyLock(code string) string { return "key:" + code }

func userLock(tenant, username string) string { return "user:" + tenant + "/" + username }

func quotaLock(tenant string) string { return "quota:" + tenant }

func deviceLock(tenant, device string) string { return "dev:" + tenant + "/" + device }

func accountLock(id string) string { return "acct:" + id }

func ticketLock(id string) string { return "ticket:" + id }

func hubLock(tenant string) string { return "hub:" + tenant }
