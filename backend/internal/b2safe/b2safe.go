// Package `b2safe` contains the interface to the remote trusted-storage
// federation, an EUDAT B2SAFE network that is reachable through an iRODS-like
// data-object service, and the naming contract for replicated packages.
//
// The transport itself is provided by drivers.  `driver_local` stores objects
// in a local directory tree and is used for development and tests.  Programs
// select a driver by `Config.Protocol`, see `nogb2repld`.
package b2safe

import (
	"context"
	"errors"
	slashpath "path"
	"time"
)

var ErrUnsupportedProtocol = errors.New("unsupported federation protocol")
var ErrNotConnected = errors.New("federation client not connected")

// `Config` contains the federation connection settings.
type Config struct {
	Protocol               string
	Host                   string
	Port                   int
	Username               string
	Password               string
	HomeDirectory          string
	Zone                   string
	DefaultStorageResource string
	ResourceId             string
	MaxThreads             int
	// `ReplicaDirectory` is the remote directory, relative to
	// `HomeDirectory`, that holds the replicated packages.
	ReplicaDirectory string
	// `MaxTransferRate` limits transfers to bytes per second if positive.
	MaxTransferRate int64
}

// `DataObject` is a handle-to-blob mapping in the federation.  When storing,
// `LocalPath` is the file to transfer.  `ReferenceURI` is the canonical item
// URI that is kept with the object for reconciliation.
type DataObject struct {
	Dir          string
	Name         string
	LocalPath    string
	ReferenceURI string
	Size         int64
	ModTime      time.Time
}

func (o *DataObject) Path() string {
	return slashpath.Join(o.Dir, o.Name)
}

// `Client` is a session with the federation.  A client is shared by all jobs
// and must be safe for concurrent use.
type Client interface {
	// `Init()` opens the session and reports whether it is usable.
	Init(ctx context.Context) (bool, error)
	ListObjects(ctx context.Context, dir string) ([]DataObject, error)
	// `Store()` transfers `obj.LocalPath` to `obj.Path()`.  If the object
	// exists and `force` is false, the remote object is left unchanged
	// and `Store()` succeeds.
	Store(ctx context.Context, obj *DataObject, force bool) error
	Delete(ctx context.Context, path string) (bool, error)
	Fetch(ctx context.Context, remoteName, localPath string) error
	ServerInfo(ctx context.Context) (map[string]string, error)
}

// `DialFunc` creates a client for a config without connecting.
type DialFunc func(cfg *Config) (Client, error)
