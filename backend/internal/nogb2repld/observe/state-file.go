package observe

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
)

// `FileStateStore` saves positions in files `<dir>/<name>.ulid`.
type FileStateStore struct {
	dir string
}

func NewFileStateStore(dir string) *FileStateStore {
	return &FileStateStore{dir: dir}
}

func (s *FileStateStore) LoadULID(name string) (ulid.ULID, error) {
	data, err := ioutil.ReadFile(
		filepath.Join(s.dir, fmt.Sprintf("%s.ulid", name)),
	)
	switch {
	case os.IsNotExist(err):
		return ulid.ULID{}, nil
	case err != nil:
		return ulid.ULID{}, err
	}
	return ulid.Parse(string(bytes.TrimSpace(data)))
}

// `SaveULID()` replaces the file atomically.
func (s *FileStateStore) SaveULID(name string, id ulid.ULID) error {
	base := fmt.Sprintf("%s.ulid", name)
	tmp, err := ioutil.TempFile(s.dir, base+".tmp.")
	if err != nil {
		return err
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.WriteString(tmp, id.String()+"\n"); err != nil {
		return err
	}
	// No fsync.  Replaying a few events after a crash only re-queues
	// handles, which is harmless.
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, base)); err != nil {
		return err
	}
	tmp = nil
	return nil
}
