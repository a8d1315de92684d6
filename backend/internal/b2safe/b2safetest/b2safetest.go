// Package `b2safetest` provides an in-memory `b2safe.Client` for tests.
package b2safetest

import (
	"bytes"
	"context"
	"errors"
	"io/ioutil"
	"os"
	slashpath "path"
	"sort"
	"sync"
	"time"

	"github.com/nogproject/nogb2/backend/internal/b2safe"
)

var ErrInjected = errors.New("injected federation error")

type Object struct {
	Content      []byte
	ReferenceURI string
	Version      int
}

type Remote struct {
	// `InitErr` and `InitFail` control `Init()`.
	InitErr  error
	InitFail bool

	// `StoreErr` is returned by `Store()` if set.
	StoreErr error

	// `ServerInfoErr` is returned by `ServerInfo()` if set.
	ServerInfoErr error

	// `StoreDelay` blocks each `Store()`, so that tests can observe
	// concurrency.
	StoreDelay time.Duration

	mu        sync.Mutex
	objects   map[string]*Object
	inits     int
	stores    int
	active    int
	maxActive int
}

var _ b2safe.Client = (*Remote)(nil)

func New() *Remote {
	return &Remote{objects: make(map[string]*Object)}
}

// `Put()` creates an object directly, as if another process had stored it.
func (r *Remote) Put(path string, content []byte, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[path] = &Object{Content: content, ReferenceURI: uri, Version: 1}
}

// `SetFailures()` changes `InitFail` and `ServerInfoErr` while the remote is
// in use.
func (r *Remote) SetFailures(initFail bool, serverInfoErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.InitFail = initFail
	r.ServerInfoErr = serverInfoErr
}

func (r *Remote) Get(path string) (Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[path]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

func (r *Remote) Inits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inits
}

func (r *Remote) Stores() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stores
}

// `MaxActive()` returns the maximum number of concurrent `Store()` calls.
func (r *Remote) MaxActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive
}

func (r *Remote) Init(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inits++
	if r.InitErr != nil {
		return false, r.InitErr
	}
	return !r.InitFail, nil
}

func (r *Remote) ListObjects(
	ctx context.Context, dir string,
) ([]b2safe.DataObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var objs []b2safe.DataObject
	for p, o := range r.objects {
		d, name := slashpath.Split(p)
		if slashpath.Clean(d) != slashpath.Clean(dir) {
			continue
		}
		objs = append(objs, b2safe.DataObject{
			Dir:          dir,
			Name:         name,
			ReferenceURI: o.ReferenceURI,
			Size:         int64(len(o.Content)),
		})
	}
	sort.Slice(objs, func(i, j int) bool {
		return objs[i].Name < objs[j].Name
	})
	return objs, nil
}

func (r *Remote) Store(
	ctx context.Context, obj *b2safe.DataObject, force bool,
) error {
	r.mu.Lock()
	r.stores++
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	storeErr := r.StoreErr
	delay := r.StoreDelay
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if storeErr != nil {
		return storeErr
	}

	content, err := ioutil.ReadFile(obj.LocalPath)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	path := obj.Path()
	if old, ok := r.objects[path]; ok {
		if !force && bytes.Equal(old.Content, content) {
			return nil
		}
		old.Content = content
		old.ReferenceURI = obj.ReferenceURI
		old.Version++
		return nil
	}
	r.objects[path] = &Object{
		Content:      content,
		ReferenceURI: obj.ReferenceURI,
		Version:      1,
	}
	return nil
}

func (r *Remote) Delete(ctx context.Context, path string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[path]; !ok {
		return false, nil
	}
	delete(r.objects, path)
	return true, nil
}

func (r *Remote) Fetch(
	ctx context.Context, remoteName, localPath string,
) error {
	r.mu.Lock()
	o, ok := r.objects[remoteName]
	r.mu.Unlock()
	if !ok {
		return os.ErrNotExist
	}
	return ioutil.WriteFile(localPath, o.Content, 0666)
}

func (r *Remote) ServerInfo(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ServerInfoErr != nil {
		return nil, r.ServerInfoErr
	}
	return map[string]string{"protocol": "memory"}, nil
}
