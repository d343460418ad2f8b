package governance

import (
	"crypto/sha256"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatchedSkillResolver wraps SkillResolver with an in-memory cache kept
// fresh by an fsnotify watch on the three registry files, per §5's
// "reload on file change" requirement. On each change event the sha256
// of the file's current contents is compared with the cached one: an
// event that leaves the bytes unchanged keeps the cached registry,
// while any new bytes (an intermediate truncated state included) or a
// failed read drop it, so the next lookup re-reads the file.
type WatchedSkillResolver struct {
	inner SkillResolver

	mu       sync.Mutex
	sums     map[string][32]byte
	cache    map[string]map[string]SkillRecord
	watcher  *fsnotify.Watcher
	closed   chan struct{}
	watchErr error
}

// NewWatchedSkillResolver starts watching every non-empty registry path
// in r and returns a resolver that serves from cache until a watched
// file's content actually changes. Call Close when done.
func NewWatchedSkillResolver(r SkillResolver) (*WatchedSkillResolver, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	wr := &WatchedSkillResolver{
		inner:   r,
		sums:    map[string][32]byte{},
		cache:   map[string]map[string]SkillRecord{},
		watcher: w,
		closed:  make(chan struct{}),
	}
	for _, path := range []string{r.UserPath, r.ProjectPath, r.GlobalPath} {
		if path == "" {
			continue
		}
		if err := w.Add(path); err != nil && !os.IsNotExist(err) {
			w.Close()
			return nil, err
		}
	}
	go wr.watch()
	return wr, nil
}

func (wr *WatchedSkillResolver) watch() {
	for {
		select {
		case ev, ok := <-wr.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				wr.invalidate(ev.Name)
			}
		case err, ok := <-wr.watcher.Errors:
			if !ok {
				return
			}
			wr.mu.Lock()
			wr.watchErr = err
			wr.mu.Unlock()
		case <-wr.closed:
			return
		}
	}
}

func (wr *WatchedSkillResolver) invalidate(path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		// Removed or mid-rewrite; drop the cache entry so the next
		// Resolve call falls through to loadRegistry and observes
		// whatever state the file settles on.
		wr.mu.Lock()
		delete(wr.sums, path)
		delete(wr.cache, path)
		wr.mu.Unlock()
		return
	}
	sum := sha256.Sum256(b)

	wr.mu.Lock()
	defer wr.mu.Unlock()
	if wr.sums[path] == sum {
		return
	}
	wr.sums[path] = sum
	delete(wr.cache, path)
}

func (wr *WatchedSkillResolver) registry(path string) (map[string]SkillRecord, error) {
	if path == "" {
		return nil, nil
	}
	wr.mu.Lock()
	if reg, ok := wr.cache[path]; ok {
		wr.mu.Unlock()
		return reg, nil
	}
	wr.mu.Unlock()

	reg, err := loadRegistry(path)
	if err != nil {
		return nil, err
	}

	wr.mu.Lock()
	wr.cache[path] = reg
	if b, rerr := os.ReadFile(path); rerr == nil {
		wr.sums[path] = sha256.Sum256(b)
	}
	wr.mu.Unlock()
	return reg, nil
}

// Resolve mirrors SkillResolver.Resolve but serves registries from the
// fsnotify-invalidated cache instead of re-reading and re-parsing the
// YAML file on every call.
func (wr *WatchedSkillResolver) Resolve(name string) (rec SkillRecord, scope Scope, ok bool, err error) {
	for _, tier := range []struct {
		path  string
		scope Scope
	}{
		{wr.inner.UserPath, ScopeUser},
		{wr.inner.ProjectPath, ScopeProject},
		{wr.inner.GlobalPath, ScopeGlobal},
	} {
		reg, err := wr.registry(tier.path)
		if err != nil {
			return SkillRecord{}, "", false, err
		}
		if rec, found := reg[name]; found {
			return rec, tier.scope, true, nil
		}
	}
	return SkillRecord{}, "", false, nil
}

// Close stops the watch goroutine and releases the underlying fsnotify
// watcher.
func (wr *WatchedSkillResolver) Close() error {
	close(wr.closed)
	return wr.watcher.Close()
}
