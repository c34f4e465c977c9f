// Package storage defines the storage capability: parsing archive storage
// names, macro expansion, and the backend interface the persistence mover
// and index workers operate through. Only the local filesystem backend is
// built in; network backends plug in via the registry.
package storage

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// Kind is the storage back-end family of a specifier.
type Kind string

const (
	KindFile   Kind = "file"
	KindFTP    Kind = "ftp"
	KindSSH    Kind = "ssh"
	KindWebDAV Kind = "webdav"
	KindSMB    Kind = "smb"
)

// Specifier is a parsed storage name.
type Specifier struct {
	Kind     Kind
	Host     string
	Port     int
	UserName string
	Path     string
}

// ParseSpecifier parses a storage name. Bare paths are local files;
// otherwise the scheme selects the kind: ftp://, ssh://, webdav://, smb://,
// file://.
func ParseSpecifier(name string) (Specifier, error) {
	if name == "" {
		return Specifier{}, fmt.Errorf("storage: empty storage name")
	}
	if !strings.Contains(name, "://") {
		return Specifier{Kind: KindFile, Path: name}, nil
	}

	u, err := url.Parse(name)
	if err != nil {
		return Specifier{}, fmt.Errorf("storage: invalid storage name %q: %w", name, err)
	}
	spec := Specifier{Host: u.Hostname(), Path: u.Path}
	if u.User != nil {
		spec.UserName = u.User.Username()
	}
	if p := u.Port(); p != "" {
		spec.Port, err = strconv.Atoi(p)
		if err != nil {
			return Specifier{}, fmt.Errorf("storage: invalid port in %q", name)
		}
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		spec.Kind = KindFile
	case "ftp":
		spec.Kind = KindFTP
	case "ssh", "sftp", "scp":
		spec.Kind = KindSSH
	case "webdav", "webdavs":
		spec.Kind = KindWebDAV
	case "smb", "cifs":
		spec.Kind = KindSMB
	default:
		return Specifier{}, fmt.Errorf("storage: unknown storage scheme %q", u.Scheme)
	}
	if spec.Kind != KindFile && spec.Host == "" {
		return Specifier{}, fmt.Errorf("storage: missing host in %q", name)
	}
	return spec, nil
}

// String renders the specifier back into a storage name.
func (s Specifier) String() string {
	if s.Kind == KindFile {
		return s.Path
	}
	u := url.URL{Scheme: string(s.Kind), Host: s.Host, Path: s.Path}
	if s.Port != 0 {
		u.Host = fmt.Sprintf("%s:%d", s.Host, s.Port)
	}
	if s.UserName != "" {
		u.User = url.User(s.UserName)
	}
	return u.String()
}

// Directory returns the directory part of the storage path.
func (s Specifier) Directory() Specifier {
	d := s
	d.Path = path.Dir(s.Path)
	return d
}

// SameLocation reports whether two specifiers address the same back-end
// location, ignoring the file name. Used by the mover to decide whether a
// storage needs relocation.
func (s Specifier) SameLocation(other Specifier) bool {
	return s.Kind == other.Kind && s.Host == other.Host && s.Port == other.Port &&
		path.Dir(s.Path) == path.Dir(other.Path)
}

// MacroValues carries the substitution values for storage-name templates.
type MacroValues struct {
	JobName     string
	ArchiveType string
	Text        string
	UUID        string
	Time        time.Time
}

// ExpandMacros substitutes %-macros in a storage name template:
// %name, %type, %text, %uuid, and the strftime-like date/time macros
// %Y %m %d %H %M %S. %% yields a literal percent sign.
func ExpandMacros(template string, v MacroValues) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		if template[i] != '%' || i+1 >= len(template) {
			b.WriteByte(template[i])
			continue
		}
		i++
		switch {
		case template[i] == '%':
			b.WriteByte('%')
		case strings.HasPrefix(template[i:], "name"):
			b.WriteString(v.JobName)
			i += 3
		case strings.HasPrefix(template[i:], "type"):
			b.WriteString(strings.ToLower(v.ArchiveType))
			i += 3
		case strings.HasPrefix(template[i:], "text"):
			b.WriteString(v.Text)
			i += 3
		case strings.HasPrefix(template[i:], "uuid"):
			b.WriteString(v.UUID)
			i += 3
		case template[i] == 'Y':
			fmt.Fprintf(&b, "%04d", v.Time.Year())
		case template[i] == 'm':
			fmt.Fprintf(&b, "%02d", int(v.Time.Month()))
		case template[i] == 'd':
			fmt.Fprintf(&b, "%02d", v.Time.Day())
		case template[i] == 'H':
			fmt.Fprintf(&b, "%02d", v.Time.Hour())
		case template[i] == 'M':
			fmt.Fprintf(&b, "%02d", v.Time.Minute())
		case template[i] == 'S':
			fmt.Fprintf(&b, "%02d", v.Time.Second())
		default:
			b.WriteByte('%')
			b.WriteByte(template[i])
		}
	}
	return b.String()
}

// UniqueName derives the n-th unique variant of a storage file name by
// inserting "-<n>" before the extension, matching the mover's collision
// scheme (`-0`, `-1`, …).
func UniqueName(name string, n int) string {
	ext := path.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}
