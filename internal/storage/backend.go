package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bard-backup/bard/internal/protocol"
)

// Entry describes one file on a storage back-end.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Backend is the capability a storage family provides. All paths are
// back-end local, i.e. the Path of the specifier that opened the backend.
type Backend interface {
	// List enumerates the files of a directory, non-recursively.
	List(ctx context.Context, dir string) ([]Entry, error)
	// Stat returns metadata for one file.
	Stat(ctx context.Context, name string) (Entry, error)
	// Open opens a file for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Create opens a file for writing, creating parent directories.
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	// Delete removes a file. Deleting a missing file is not an error.
	Delete(ctx context.Context, name string) error
	// Close releases the back-end connection.
	Close() error
}

// Credentials carries the secrets a network back-end needs.
type Credentials struct {
	Password   string
	PrivateKey []byte
}

// Factory creates a backend for a specifier.
type Factory func(spec Specifier, cred Credentials) (Backend, error)

var factories = map[Kind]Factory{
	KindFile: newLocalBackend,
}

// Register installs a back-end factory for a kind, replacing any previous
// one. Network back-ends register themselves here.
func Register(kind Kind, f Factory) {
	factories[kind] = f
}

// Connect opens a backend for the given specifier.
func Connect(spec Specifier, cred Credentials) (Backend, error) {
	f, ok := factories[spec.Kind]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeConnectFail, "no %s storage support", spec.Kind)
	}
	return f(spec, cred)
}

// localBackend serves file:// specifiers straight from the filesystem.
type localBackend struct{}

func newLocalBackend(Specifier, Credentials) (Backend, error) {
	return localBackend{}, nil
}

func (localBackend) List(_ context.Context, dir string) ([]Entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: de.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (localBackend) Stat(_ context.Context, name string) (Entry, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: filepath.Base(name), Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (localBackend) Open(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(name)
}

func (localBackend) Create(_ context.Context, name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
}

func (localBackend) Delete(_ context.Context, name string) error {
	err := os.Remove(name)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (localBackend) Close() error { return nil }

// Exists reports whether a file exists on a backend.
func Exists(ctx context.Context, b Backend, name string) bool {
	_, err := b.Stat(ctx, name)
	return err == nil
}

// Copy transfers one file between back-ends, reporting progress through
// the optional callback. The destination is removed again when the
// transfer fails part way.
func Copy(ctx context.Context, dst, src Backend, dstName, srcName string, progress func(doneBytes int64)) (int64, error) {
	r, err := src.Open(ctx, srcName)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	w, err := dst.Create(ctx, dstName)
	if err != nil {
		return 0, err
	}

	var done int64
	buf := make([]byte, 128*1024)
	for {
		if err := ctx.Err(); err != nil {
			w.Close()
			dst.Delete(ctx, dstName)
			return done, protocol.Errorf(protocol.CodeInterrupted, "transfer interrupted")
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				w.Close()
				dst.Delete(ctx, dstName)
				return done, werr
			}
			done += int64(n)
			if progress != nil {
				progress(done)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			w.Close()
			dst.Delete(ctx, dstName)
			return done, rerr
		}
	}
	if err := w.Close(); err != nil {
		dst.Delete(ctx, dstName)
		return done, err
	}
	return done, nil
}

// ArchiveSuffix is the file suffix of archive storages.
const ArchiveSuffix = ".bar"

// IsArchiveName reports whether a file name looks like an archive storage.
func IsArchiveName(name string) bool {
	return strings.HasSuffix(name, ArchiveSuffix)
}
