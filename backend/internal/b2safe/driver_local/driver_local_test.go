package driver_local_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nogproject/nogb2/backend/internal/b2safe"
	"github.com/nogproject/nogb2/backend/internal/b2safe/driver_local"
	"github.com/nogproject/nogb2/backend/pkg/mulog"
	"github.com/stretchr/testify/require"
)

func newDriver(t *testing.T) (*driver_local.Driver, string) {
	home, err := ioutil.TempDir("", "driver_local-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(home) })

	d, err := driver_local.New(mulog.NewRecorder(), &b2safe.Config{
		Protocol:         "local",
		HomeDirectory:    home,
		ReplicaDirectory: "replicas",
		Zone:             "testZone",
	})
	require.NoError(t, err)
	ok, err := d.Init(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return d, home
}

func writeFile(t *testing.T, dir, name, content string) string {
	p := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(p, []byte(content), 0666))
	return p
}

func TestNotConnected(t *testing.T) {
	d, err := driver_local.New(mulog.NewRecorder(), &b2safe.Config{
		HomeDirectory: "/nonexistent",
	})
	require.NoError(t, err)
	_, err = d.ListObjects(context.Background(), "replicas")
	require.Equal(t, b2safe.ErrNotConnected, err)

	ok, err := d.Init(context.Background())
	require.Error(t, err)
	require.False(t, ok)
}

func TestMissingHome(t *testing.T) {
	_, err := driver_local.New(mulog.NewRecorder(), &b2safe.Config{})
	require.Equal(t, driver_local.ErrMissingHome, err)
}

func TestStoreListDelete(t *testing.T) {
	ctx := context.Background()
	d, home := newDriver(t)
	src := writeFile(t, home, "pkg.zip", "package-v1")

	obj := &b2safe.DataObject{
		Dir:          "replicas",
		Name:         "11234_1-1.zip",
		LocalPath:    src,
		ReferenceURI: "http://hdl.handle.net/11234/1-1",
	}
	require.NoError(t, d.Store(ctx, obj, false))
	require.Equal(t, int64(len("package-v1")), obj.Size)

	objs, err := d.ListObjects(ctx, "replicas")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Equal(t, "11234_1-1.zip", objs[0].Name)
	require.Equal(t, "http://hdl.handle.net/11234/1-1", objs[0].ReferenceURI)

	dst := filepath.Join(home, "fetched.zip")
	require.NoError(t, d.Fetch(ctx, "replicas/11234_1-1.zip", dst))
	buf, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "package-v1", string(buf))

	ok, err := d.Delete(ctx, obj.Path())
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = d.Delete(ctx, obj.Path())
	require.NoError(t, err)
	require.False(t, ok)

	objs, err = d.ListObjects(ctx, "replicas")
	require.NoError(t, err)
	require.Len(t, objs, 0)
}

func TestStoreComparesContent(t *testing.T) {
	ctx := context.Background()
	d, home := newDriver(t)
	v1 := writeFile(t, home, "v1.zip", "v1")
	v1Copy := writeFile(t, home, "v1-copy.zip", "v1")
	v2 := writeFile(t, home, "v2.zip", "version-2")
	remote := filepath.Join(home, "replicas", "11234_1.zip")
	sidecar := func() string {
		buf, err := ioutil.ReadFile(remote + ".meta.yml")
		require.NoError(t, err)
		return string(buf)
	}

	obj := &b2safe.DataObject{Dir: "replicas", Name: "11234_1.zip", LocalPath: v1}
	require.NoError(t, d.Store(ctx, obj, false))
	meta := sidecar()

	// Same content is kept.
	obj.LocalPath = v1Copy
	require.NoError(t, d.Store(ctx, obj, false))
	require.Equal(t, meta, sidecar())

	// Changed content replaces the object without force.
	obj.LocalPath = v2
	require.NoError(t, d.Store(ctx, obj, false))
	buf, err := ioutil.ReadFile(remote)
	require.NoError(t, err)
	require.Equal(t, "version-2", string(buf))

	// Force rewrites unchanged content.
	meta = sidecar()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.Store(ctx, obj, true))
	require.NotEqual(t, meta, sidecar())
	buf, err = ioutil.ReadFile(remote)
	require.NoError(t, err)
	require.Equal(t, "version-2", string(buf))
}

func TestStoreWithoutSidecarComparesObject(t *testing.T) {
	ctx := context.Background()
	d, home := newDriver(t)
	require.NoError(t, os.MkdirAll(filepath.Join(home, "replicas"), 0777))
	remote := writeFile(t, filepath.Join(home, "replicas"), "11234_2.zip", "old")
	src := writeFile(t, home, "new.zip", "new")

	obj := &b2safe.DataObject{Dir: "replicas", Name: "11234_2.zip", LocalPath: src}
	require.NoError(t, d.Store(ctx, obj, false))
	buf, err := ioutil.ReadFile(remote)
	require.NoError(t, err)
	require.Equal(t, "new", string(buf))
}

func TestPathEscape(t *testing.T) {
	ctx := context.Background()
	d, home := newDriver(t)
	src := writeFile(t, home, "x.zip", "x")

	// `..` is cleaned relative to the root, so the object stays below home.
	obj := &b2safe.DataObject{Dir: "../../tmp", Name: "x.zip", LocalPath: src}
	require.NoError(t, d.Store(ctx, obj, false))
	_, err := os.Stat(filepath.Join(home, "tmp", "x.zip"))
	require.NoError(t, err)
}

func TestStoreCanceled(t *testing.T) {
	d, home := newDriver(t)
	src := writeFile(t, home, "x.zip", "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	obj := &b2safe.DataObject{Dir: "replicas", Name: "x.zip", LocalPath: src}
	require.Error(t, d.Store(ctx, obj, false))

	objs, err := d.ListObjects(context.Background(), "replicas")
	require.NoError(t, err)
	require.Len(t, objs, 0)
}

func TestRateLimitedStore(t *testing.T) {
	home, err := ioutil.TempDir("", "driver_local-test")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(home) }()

	d, err := driver_local.New(mulog.NewRecorder(), &b2safe.Config{
		HomeDirectory:    home,
		ReplicaDirectory: "r",
		MaxTransferRate:  1 << 20,
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = d.Init(ctx)
	require.NoError(t, err)

	src := writeFile(t, home, "x.zip", "rate-limited")
	obj := &b2safe.DataObject{Dir: "r", Name: "x.zip", LocalPath: src}
	require.NoError(t, d.Store(ctx, obj, false))
	require.Equal(t, int64(len("rate-limited")), obj.Size)

	info, err := d.ServerInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, "local", info["protocol"])
	require.Equal(t, "1", info["objectCount"])
}
