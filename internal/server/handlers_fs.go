package server

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/bard-backup/bard/internal/protocol"
)

// noBackupMarker excludes a directory from backups when present in it.
const noBackupMarker = ".nobackup"

func (d *Dispatcher) registerFileCommands() {
	d.register("deviceList", maskAuthorized, d.cmdDeviceList)
	d.register("rootList", maskAuthorized, d.cmdRootList)
	d.register("fileInfo", maskAuthorized, d.cmdFileInfo)
	d.register("fileList", maskAuthorized, d.cmdFileList)
	d.register("fileAttributeGet", maskAuthorized, d.cmdFileAttributeGet)
	d.register("fileAttributeSet", maskAuthorized, d.cmdFileAttributeSet)
	d.register("fileAttributeClear", maskAuthorized, d.cmdFileAttributeClear)
	d.register("fileMkdir", maskAuthorized, d.cmdFileMkdir)
	d.register("fileDelete", maskAuthorized, d.cmdFileDelete)
	d.register("directoryInfo", maskAuthorized, d.cmdDirectoryInfo)
}

// cmdDeviceList streams the mounted block devices from the mount table.
func (d *Dispatcher) cmdDeviceList(c *Ctx) (*protocol.Result, error) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		// No mount table (non-Linux): fall back to the root device only.
		c.Emit(c.Row().Put("name", "/").Put("mountPoint", "/"))
		return nil, nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		c.Emit(c.Row().
			Put("name", fields[0]).
			Put("mountPoint", unescapeMountPath(fields[1])).
			Put("fileSystem", fields[2]))
	}
	return nil, nil
}

// unescapeMountPath decodes the octal escapes /proc/mounts uses for
// spaces and special characters.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func (d *Dispatcher) cmdRootList(c *Ctx) (*protocol.Result, error) {
	if runtime.GOOS == "windows" {
		for drive := 'A'; drive <= 'Z'; drive++ {
			root := string(drive) + `:\`
			if _, err := os.Stat(root); err == nil {
				c.Emit(c.Row().Put("name", root))
			}
		}
		return nil, nil
	}
	c.Emit(c.Row().Put("name", "/"))
	return nil, nil
}

func fileRow(c *Ctx, dir string, fi os.FileInfo) *protocol.Result {
	kind := "FILE"
	switch {
	case fi.IsDir():
		kind = "DIRECTORY"
	case fi.Mode()&os.ModeSymlink != 0:
		kind = "LINK"
	case !fi.Mode().IsRegular():
		kind = "SPECIAL"
	}
	return c.Row().
		Put("name", filepath.Join(dir, fi.Name())).
		Put("type", kind).
		Put("size", fi.Size()).
		Put("modified", fi.ModTime().UTC().Format(time.RFC3339))
}

func (d *Dispatcher) cmdFileInfo(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	fi, serr := os.Lstat(name)
	if serr != nil {
		return nil, protocol.Errorf(protocol.CodeEntryNotFound, "%v", serr)
	}
	row := fileRow(c, filepath.Dir(name), fi)
	row.Complete = true
	return row, nil
}

func (d *Dispatcher) cmdFileList(c *Ctx) (*protocol.Result, error) {
	dir, err := c.Cmd.Args.String("directory")
	if err != nil {
		return nil, err
	}
	des, rerr := os.ReadDir(dir)
	if rerr != nil {
		return nil, protocol.Errorf(protocol.CodeEntryNotFound, "%v", rerr)
	}
	sort.Slice(des, func(i, j int) bool { return des[i].Name() < des[j].Name() })
	for _, de := range des {
		fi, err := de.Info()
		if err != nil {
			continue
		}
		c.Emit(fileRow(c, dir, fi))
	}
	return nil, nil
}

// cmdFileAttributeGet reports the backup attributes of a directory: the
// no-backup marker file and the no-dump flag.
func (d *Dispatcher) cmdFileAttributeGet(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	attr, err := c.Cmd.Args.String("attribute")
	if err != nil {
		return nil, err
	}
	switch attr {
	case "noBackup":
		_, serr := os.Stat(filepath.Join(name, noBackupMarker))
		return c.OK().Put("value", serr == nil), nil
	case "noDump":
		return nil, protocol.Errorf(protocol.CodeFunctionNotSupported, "no-dump attribute not supported")
	}
	return nil, protocol.Errorf(protocol.CodeUnknownValue, "unknown attribute %q", attr)
}

func (d *Dispatcher) cmdFileAttributeSet(c *Ctx) (*protocol.Result, error) {
	return d.setFileAttribute(c, true)
}

func (d *Dispatcher) cmdFileAttributeClear(c *Ctx) (*protocol.Result, error) {
	return d.setFileAttribute(c, false)
}

func (d *Dispatcher) setFileAttribute(c *Ctx, set bool) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	attr, err := c.Cmd.Args.String("attribute")
	if err != nil {
		return nil, err
	}
	switch attr {
	case "noBackup":
		marker := filepath.Join(name, noBackupMarker)
		if set {
			f, cerr := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE, 0o600)
			if cerr != nil {
				return nil, protocol.Errorf(protocol.CodeFail, "%v", cerr)
			}
			f.Close()
		} else if rerr := os.Remove(marker); rerr != nil && !os.IsNotExist(rerr) {
			return nil, protocol.Errorf(protocol.CodeFail, "%v", rerr)
		}
		return nil, nil
	case "noDump":
		return nil, protocol.Errorf(protocol.CodeFunctionNotSupported, "no-dump attribute not supported")
	}
	return nil, protocol.Errorf(protocol.CodeUnknownValue, "unknown attribute %q", attr)
}

func (d *Dispatcher) cmdFileMkdir(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	if merr := os.MkdirAll(name, 0o700); merr != nil {
		return nil, protocol.Errorf(protocol.CodeFail, "%v", merr)
	}
	return nil, nil
}

func (d *Dispatcher) cmdFileDelete(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	fi, serr := os.Lstat(name)
	if serr != nil {
		return nil, protocol.Errorf(protocol.CodeEntryNotFound, "%v", serr)
	}
	if fi.IsDir() {
		// Only empty directories go; recursive deletion stays a client-side
		// decision.
		if rerr := os.Remove(name); rerr != nil {
			return nil, protocol.Errorf(protocol.CodeFail, "%v", rerr)
		}
		return nil, nil
	}
	if rerr := os.Remove(name); rerr != nil {
		return nil, protocol.Errorf(protocol.CodeFail, "%v", rerr)
	}
	return nil, nil
}

// cmdDirectoryInfo aggregates the immediate children of a directory.
func (d *Dispatcher) cmdDirectoryInfo(c *Ctx) (*protocol.Result, error) {
	dir, err := c.Cmd.Args.String("directory")
	if err != nil {
		return nil, err
	}
	des, rerr := os.ReadDir(dir)
	if rerr != nil {
		return nil, protocol.Errorf(protocol.CodeEntryNotFound, "%v", rerr)
	}
	var fileCount, dirCount, totalSize int64
	for _, de := range des {
		if de.IsDir() {
			dirCount++
			continue
		}
		fileCount++
		if fi, err := de.Info(); err == nil {
			totalSize += fi.Size()
		}
	}
	return c.OK().
		Put("fileCount", fileCount).
		Put("directoryCount", dirCount).
		Put("totalSize", totalSize), nil
}
