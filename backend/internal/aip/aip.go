// Package `aip` writes archival packages.  A package is a zip file with the
// item metadata in `metadata.yml` and the content files below `bitstreams/`.
package aip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/nogproject/nogb2/backend/internal/items"
	yaml "gopkg.in/yaml.v2"
)

const (
	MetadataEntry    = "metadata.yml"
	BitstreamsPrefix = "bitstreams/"
	DefaultGroup     = "Anonymous"
)

var ErrNilItem = errors.New("nil item")
var ErrInvalidBitstreamName = errors.New("invalid bitstream name")

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
}

type Config struct {
	// `AnonymousGroup` is the group whose bitstreams are always included.
	// Other bitstreams are included only if the session ignores
	// authorization.
	AnonymousGroup string
}

type Disseminator struct {
	lg        Logger
	anonGroup string
}

var _ items.Disseminator = (*Disseminator)(nil)

func New(lg Logger, cfg *Config) *Disseminator {
	g := cfg.AnonymousGroup
	if g == "" {
		g = DefaultGroup
	}
	return &Disseminator{lg: lg, anonGroup: g}
}

type Metadata struct {
	Handle     string              `yaml:"handle"`
	Collection string              `yaml:"collection"`
	Archived   bool                `yaml:"archived"`
	Withdrawn  bool                `yaml:"withdrawn"`
	Fields     []Field             `yaml:"metadata"`
	Bitstreams []BitstreamMetadata `yaml:"bitstreams"`
}

type Field struct {
	Key    string   `yaml:"k"`
	Values []string `yaml:"v"`
}

type BitstreamMetadata struct {
	Name   string `yaml:"name"`
	Size   int64  `yaml:"size"`
	Sha256 string `yaml:"sha256"`
}

// `Disseminate()` writes the package for `item` to `dst`.  It removes `dst`
// if it fails.  The package depends only on the item and its bitstreams, so
// that an unchanged item yields identical bytes.
func (d *Disseminator) Disseminate(
	ctx context.Context, sess items.Session, item items.Item, dst string,
) (err error) {
	if item == nil {
		return ErrNilItem
	}
	fp, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if err2 := fp.Close(); err == nil {
			err = err2
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	zw := zip.NewWriter(fp)
	meta := Metadata{
		Handle:     item.Handle(),
		Collection: item.Collection(),
		Archived:   item.IsArchived(),
		Withdrawn:  item.IsWithdrawn(),
	}
	for _, k := range item.MetadataFields() {
		meta.Fields = append(meta.Fields, Field{
			Key:    k,
			Values: item.Values(k),
		})
	}

	bypass := sess != nil && sess.IgnoresAuthorization()
	for _, bs := range item.Bitstreams() {
		if !bypass && !d.isAnonymous(bs) {
			d.lg.Infow(
				"Skipped restricted bitstream.",
				"handle", item.Handle(),
				"bitstream", bs.Name,
			)
			continue
		}
		bm, err := d.addBitstream(ctx, zw, bs)
		if err != nil {
			return fmt.Errorf("bitstream `%s`: %w", bs.Name, err)
		}
		meta.Bitstreams = append(meta.Bitstreams, *bm)
	}

	buf, err := yaml.Marshal(&meta)
	if err != nil {
		return err
	}
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:   MetadataEntry,
		Method: zip.Deflate,
	})
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return zw.Close()
}

func (d *Disseminator) isAnonymous(bs items.Bitstream) bool {
	for _, g := range bs.ReadGroups {
		if g == d.anonGroup {
			return true
		}
	}
	return false
}

func (d *Disseminator) addBitstream(
	ctx context.Context, zw *zip.Writer, bs items.Bitstream,
) (*BitstreamMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isValidBitstreamName(bs.Name) {
		return nil, ErrInvalidBitstreamName
	}
	src, err := os.Open(bs.Path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()
	fi, err := src.Stat()
	if err != nil {
		return nil, err
	}

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     BitstreamsPrefix + bs.Name,
		Method:   zip.Deflate,
		Modified: fi.ModTime(),
	})
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), src)
	if err != nil {
		return nil, err
	}
	return &BitstreamMetadata{
		Name:   bs.Name,
		Size:   n,
		Sha256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// `isValidBitstreamName()` accepts only plain file names, so that entries stay
// below `bitstreams/` when the package is extracted.
func isValidBitstreamName(name string) bool {
	switch name {
	case "", ".", "..":
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}
