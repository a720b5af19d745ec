package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
)

// LocalFS stores one file per object under a root directory.
type LocalFS struct {
	Gateway
	root string
}

// NewLocalFS constructs a filesystem store rooted at root, creating it if needed.
func NewLocalFS(root, gateway string) (*LocalFS, error) {
	if root == "" {
		return nil, errors.New("storage: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, failure("create root", err)
	}
	return &LocalFS{Gateway: Gateway(gateway), root: root}, nil
}

func (l *LocalFS) Publish(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := Sum(data)
	if err != nil {
		return cid.Undef, failure("hash", err)
	}

	path := l.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cid.Undef, failure("mkdir", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			existing, rerr := os.ReadFile(path)
			if rerr != nil {
				return cid.Undef, failure("read existing", rerr)
			}
			if !bytes.Equal(existing, data) {
				return cid.Undef, failure("publish", ErrCIDMismatch)
			}
			return id, nil
		}
		return cid.Undef, failure("create", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return cid.Undef, failure("write", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return cid.Undef, failure("sync", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return cid.Undef, failure("close", err)
	}
	return id, nil
}

func (l *LocalFS) Fetch(ctx context.Context, id cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	data, err := os.ReadFile(l.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, failure("read", err)
	}
	if err := verify(id, data); err != nil {
		return nil, failure("verify", err)
	}
	return data, nil
}

func (l *LocalFS) pathFor(id cid.Cid) string {
	s := id.String()
	if len(s) < 2 {
		return filepath.Join(l.root, s)
	}
	return filepath.Join(l.root, s[len(s)-2:], s)
}
