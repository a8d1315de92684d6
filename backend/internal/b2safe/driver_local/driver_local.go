// Package `driver_local` implements `b2safe.Client` on a local directory tree.
// Remote paths are interpreted relative to `Config.HomeDirectory`.  Each
// object `<name>` has a sidecar `<name>.meta.yml` with the reference URI and
// checksum.  Without force, `Store()` keeps an object whose checksum matches
// the new content and replaces it otherwise.  Objects are written to a temporary file and renamed into place,
// so that listings never contain partial objects.
package driver_local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	slashpath "path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/nogproject/nogb2/backend/internal/b2safe"
	yaml "gopkg.in/yaml.v2"
)

const metaSuffix = ".meta.yml"
const tmpPrefix = ".tmp-"

var ErrMissingHome = errors.New("missing home directory")
var ErrPathEscapesHome = errors.New("path escapes home directory")
var ErrMissingLocalPath = errors.New("missing local path")

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
}

type Driver struct {
	lg         Logger
	home       string
	replicaDir string
	zone       string
	resource   string
	limit      *ratelimit.Bucket

	mu        sync.Mutex
	connected bool
}

type objectMeta struct {
	ReferenceURI string    `yaml:"referenceUri"`
	Size         int64     `yaml:"size"`
	Sha256       string    `yaml:"sha256"`
	StoredAt     time.Time `yaml:"storedAt"`
}

var _ b2safe.Client = (*Driver)(nil)

func New(lg Logger, cfg *b2safe.Config) (*Driver, error) {
	if cfg.HomeDirectory == "" {
		return nil, ErrMissingHome
	}
	d := &Driver{
		lg:         lg,
		home:       filepath.Clean(cfg.HomeDirectory),
		replicaDir: cfg.ReplicaDirectory,
		zone:       cfg.Zone,
		resource:   cfg.DefaultStorageResource,
	}
	if cfg.MaxTransferRate > 0 {
		d.limit = ratelimit.NewBucketWithRate(
			float64(cfg.MaxTransferRate), cfg.MaxTransferRate,
		)
	}
	return d, nil
}

// `Init()` checks that the home directory exists and that the replica
// directory is writable.  It creates the replica directory if necessary.
func (d *Driver) Init(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fi, err := os.Stat(d.home)
	if err != nil {
		return false, err
	}
	if !fi.IsDir() {
		return false, fmt.Errorf("home `%s` is not a directory", d.home)
	}

	dir, err := d.resolve(d.replicaDir)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return false, err
	}
	probe, err := ioutil.TempFile(dir, tmpPrefix)
	if err != nil {
		return false, fmt.Errorf("replica directory not writable: %w", err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	d.lg.Infow(
		"Connected local federation driver.",
		"home", d.home,
		"replicaDirectory", d.replicaDir,
	)
	return true, nil
}

func (d *Driver) isConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Driver) resolve(remote string) (string, error) {
	clean := slashpath.Clean("/" + remote)
	p := filepath.Join(d.home, filepath.FromSlash(clean))
	if p != d.home && !strings.HasPrefix(p, d.home+string(filepath.Separator)) {
		return "", ErrPathEscapesHome
	}
	return p, nil
}

func (d *Driver) ListObjects(
	ctx context.Context, dir string,
) ([]b2safe.DataObject, error) {
	if !d.isConnected() {
		return nil, b2safe.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local, err := d.resolve(dir)
	if err != nil {
		return nil, err
	}
	infos, err := ioutil.ReadDir(local)
	if err != nil {
		return nil, err
	}

	objs := make([]b2safe.DataObject, 0, len(infos))
	for _, fi := range infos {
		name := fi.Name()
		switch {
		case fi.IsDir():
			continue
		case strings.HasPrefix(name, tmpPrefix):
			continue
		case strings.HasSuffix(name, metaSuffix):
			continue
		}
		o := b2safe.DataObject{
			Dir:     dir,
			Name:    name,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		}
		if meta, err := readMeta(filepath.Join(local, name)); err == nil {
			o.ReferenceURI = meta.ReferenceURI
		}
		objs = append(objs, o)
	}
	return objs, nil
}

func (d *Driver) Store(
	ctx context.Context, obj *b2safe.DataObject, force bool,
) error {
	if !d.isConnected() {
		return b2safe.ErrNotConnected
	}
	if obj.LocalPath == "" {
		return ErrMissingLocalPath
	}

	dst, err := d.resolve(obj.Path())
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil && !force {
		same, err := sameContent(obj.LocalPath, dst)
		if err != nil {
			return err
		}
		if same {
			d.lg.Infow(
				"Kept existing remote object.",
				"path", obj.Path(),
			)
			return nil
		}
	}

	src, err := os.Open(obj.LocalPath)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}

	var r io.Reader = &ctxReader{ctx: ctx, r: src}
	if d.limit != nil {
		r = ratelimit.Reader(r, d.limit)
	}
	h := sha256.New()
	n, err := writeAtomic(dst, io.TeeReader(r, h))
	if err != nil {
		return err
	}

	meta := objectMeta{
		ReferenceURI: obj.ReferenceURI,
		Size:         n,
		Sha256:       hex.EncodeToString(h.Sum(nil)),
		StoredAt:     time.Now().UTC(),
	}
	if err := writeMeta(dst, &meta); err != nil {
		return err
	}

	obj.Size = n
	obj.ModTime = meta.StoredAt
	d.lg.Infow(
		"Stored remote object.",
		"path", obj.Path(),
		"size", n,
		"sha256", meta.Sha256,
	)
	return nil
}

func (d *Driver) Delete(ctx context.Context, path string) (bool, error) {
	if !d.isConnected() {
		return false, b2safe.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	local, err := d.resolve(path)
	if err != nil {
		return false, err
	}
	err = os.Remove(local)
	switch {
	case os.IsNotExist(err):
		return false, nil
	case err != nil:
		return false, err
	}
	if err := os.Remove(local + metaSuffix); err != nil && !os.IsNotExist(err) {
		d.lg.Warnw(
			"Failed to remove object metadata.",
			"path", path,
			"err", err,
		)
	}
	return true, nil
}

func (d *Driver) Fetch(
	ctx context.Context, remoteName, localPath string,
) error {
	if !d.isConnected() {
		return b2safe.ErrNotConnected
	}
	src, err := d.resolve(remoteName)
	if err != nil {
		return err
	}
	fp, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = fp.Close() }()

	var r io.Reader = &ctxReader{ctx: ctx, r: fp}
	if d.limit != nil {
		r = ratelimit.Reader(r, d.limit)
	}
	_, err = writeAtomic(localPath, r)
	return err
}

func (d *Driver) ServerInfo(ctx context.Context) (map[string]string, error) {
	if !d.isConnected() {
		return nil, b2safe.ErrNotConnected
	}
	info := map[string]string{
		"protocol":               "local",
		"home":                   d.home,
		"zone":                   d.zone,
		"defaultStorageResource": d.resource,
		"replicaDirectory":       d.replicaDir,
	}
	if objs, err := d.ListObjects(ctx, d.replicaDir); err == nil {
		info["objectCount"] = strconv.Itoa(len(objs))
	}
	return info, nil
}

// `sameContent()` compares the checksum of `localPath` with the checksum of
// the object at `objPath`.  The checksum is taken from the sidecar if there is
// one.
func sameContent(localPath, objPath string) (bool, error) {
	sum, err := fileSha256(localPath)
	if err != nil {
		return false, err
	}
	if meta, err := readMeta(objPath); err == nil && meta.Sha256 != "" {
		return meta.Sha256 == sum, nil
	}
	have, err := fileSha256(objPath)
	if err != nil {
		return false, err
	}
	return have == sum, nil
}

func fileSha256(path string) (string, error) {
	fp, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = fp.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, fp); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeAtomic(dst string, r io.Reader) (int64, error) {
	tmp, err := ioutil.TempFile(filepath.Dir(dst), tmpPrefix)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if err2 := tmp.Close(); err == nil {
		err = err2
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func writeMeta(objPath string, meta *objectMeta) error {
	buf, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = writeAtomic(objPath+metaSuffix, strings.NewReader(string(buf)))
	return err
}

func readMeta(objPath string) (*objectMeta, error) {
	buf, err := ioutil.ReadFile(objPath + metaSuffix)
	if err != nil {
		return nil, err
	}
	var meta objectMeta
	if err := yaml.Unmarshal(buf, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
