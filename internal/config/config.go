// Package config holds the persisted global server options: network and TLS
// settings, the paired master record, the configured server list,
// maintenance windows, and the tunables addressable via
// serverOptionGet/Set. The file format is line-oriented "name = value",
// rewritten atomically on every flush.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"github.com/mattn/go-shellwords"
)

// Mode is the process role.
type Mode string

const (
	ModeMaster Mode = "MASTER"
	ModeSlave  Mode = "SLAVE"
)

// MasterRecord is the paired master identity of a slave. At most one master
// is paired at any time; pairing is the only writer.
type MasterRecord struct {
	Name     string
	UUIDHash string
}

// IsPaired reports whether a master identity is recorded.
func (m MasterRecord) IsPaired() bool {
	return m.Name != "" && m.UUIDHash != ""
}

// ServerHost is one configured slave host entry of the server list.
type ServerHost struct {
	ID      int
	Name    string
	Port    int
	TLSMode string // NONE, TRY, FORCE
}

// Options is the global server configuration. Access goes through a Store.
type Options struct {
	Mode Mode

	// Network.
	ListenPort     int
	HTTPPort       int
	MaxConnections int

	// TLS material for both the listener (startTLS) and outgoing slave
	// connections.
	CAFile   string
	CertFile string
	KeyFile  string

	// Argon2id hash of the server password (authz.HashPassword format).
	PasswordHash string

	// Directories.
	JobsDirectory string
	DataDirectory string
	IndexDSN      string

	// PairingFile (slave mode): dropping this file triggers auto pairing.
	PairingFile string

	Master MasterRecord

	Servers      []ServerHost
	Maintenance  []MaintenanceWindow
	nextServerID int
	nextMaintID  int

	// Retention of run history rows, days. 0 keeps forever.
	HistoryKeepDays int

	// Continuous jobs ignore changes younger than this (minutes).
	ContinuousMinAge int
}

// DefaultOptions returns the built-in defaults.
func DefaultOptions() Options {
	return Options{
		Mode:             ModeMaster,
		ListenPort:       38523,
		HTTPPort:         38525,
		MaxConnections:   32,
		JobsDirectory:    "jobs",
		DataDirectory:    "data",
		IndexDSN:         "",
		HistoryKeepDays:  90,
		ContinuousMinAge: 30,
	}
}

// Store is the lock-protected global options singleton plus its file
// binding.
type Store struct {
	mu       sync.RWMutex
	opts     Options
	fileName string
	modified bool
}

// NewStore creates a store bound to the given config file with defaults
// applied.
func NewStore(fileName string) *Store {
	return &Store{opts: DefaultOptions(), fileName: fileName}
}

// Get returns a copy of the current options.
func (s *Store) Get() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts.clone()
}

// Update applies fn to the options under the write lock and marks the store
// modified.
func (s *Store) Update(fn func(*Options)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.opts)
	s.modified = true
}

// Modified reports whether unsaved changes exist.
func (s *Store) Modified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modified
}

// Load reads the config file. A missing file leaves the defaults and is not
// an error.
func (s *Store) Load() error {
	f, err := os.Open(s.fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: open %s: %w", s.fileName, err)
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := cutKeyValue(line)
		if !ok {
			return fmt.Errorf("config: %s:%d: malformed line", s.fileName, lineNo)
		}
		if err := s.opts.apply(key, value); err != nil {
			return fmt.Errorf("config: %s:%d: %w", s.fileName, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: read %s: %w", s.fileName, err)
	}
	s.modified = false
	return nil
}

// Flush writes the config file atomically when modified.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.modified {
		return nil
	}
	if err := writeAtomic(s.fileName, []byte(s.opts.format()), 0o600); err != nil {
		return fmt.Errorf("config: save %s: %w", s.fileName, err)
	}
	s.modified = false
	return nil
}

func (o *Options) clone() Options {
	c := *o
	c.Servers = append([]ServerHost(nil), o.Servers...)
	c.Maintenance = append([]MaintenanceWindow(nil), o.Maintenance...)
	return c
}

// AddServer appends a server-list entry and returns its id.
func (o *Options) AddServer(name string, port int, tlsMode string) int {
	o.nextServerID++
	o.Servers = append(o.Servers, ServerHost{
		ID: o.nextServerID, Name: name, Port: port, TLSMode: tlsMode,
	})
	return o.nextServerID
}

// FindServer returns the server entry with the given id, or nil.
func (o *Options) FindServer(id int) *ServerHost {
	for i := range o.Servers {
		if o.Servers[i].ID == id {
			return &o.Servers[i]
		}
	}
	return nil
}

// RemoveServer deletes a server entry by id.
func (o *Options) RemoveServer(id int) bool {
	for i := range o.Servers {
		if o.Servers[i].ID == id {
			o.Servers = append(o.Servers[:i], o.Servers[i+1:]...)
			return true
		}
	}
	return false
}

// AddMaintenance appends a maintenance window and returns its id.
func (o *Options) AddMaintenance(w MaintenanceWindow) int {
	o.nextMaintID++
	w.ID = o.nextMaintID
	o.Maintenance = append(o.Maintenance, w)
	return o.nextMaintID
}

// FindMaintenance returns the window with the given id, or nil.
func (o *Options) FindMaintenance(id int) *MaintenanceWindow {
	for i := range o.Maintenance {
		if o.Maintenance[i].ID == id {
			return &o.Maintenance[i]
		}
	}
	return nil
}

// RemoveMaintenance deletes a maintenance window by id.
func (o *Options) RemoveMaintenance(id int) bool {
	for i := range o.Maintenance {
		if o.Maintenance[i].ID == id {
			o.Maintenance = append(o.Maintenance[:i], o.Maintenance[i+1:]...)
			return true
		}
	}
	return false
}

func (o *Options) apply(key, value string) error {
	switch key {
	case "mode":
		o.Mode = Mode(strings.ToUpper(value))
	case "port":
		return parseInt(value, &o.ListenPort)
	case "http-port":
		return parseInt(value, &o.HTTPPort)
	case "max-connections":
		return parseInt(value, &o.MaxConnections)
	case "tls-ca-file":
		o.CAFile = value
	case "tls-cert-file":
		o.CertFile = value
	case "tls-key-file":
		o.KeyFile = value
	case "password-hash":
		o.PasswordHash = value
	case "jobs-directory":
		o.JobsDirectory = value
	case "data-directory":
		o.DataDirectory = value
	case "index-dsn":
		o.IndexDSN = value
	case "pairing-file":
		o.PairingFile = value
	case "master-name":
		o.Master.Name = value
	case "master-uuid-hash":
		o.Master.UUIDHash = value
	case "history-keep-days":
		return parseInt(value, &o.HistoryKeepDays)
	case "continuous-min-age":
		return parseInt(value, &o.ContinuousMinAge)
	case "server":
		words, err := shellwords.Parse(value)
		if err != nil || len(words) != 3 {
			return fmt.Errorf("invalid server entry %q", value)
		}
		port, err := strconv.Atoi(words[1])
		if err != nil {
			return fmt.Errorf("invalid server port %q", words[1])
		}
		o.AddServer(words[0], port, strings.ToUpper(words[2]))
	case "maintenance":
		w, err := ParseMaintenance(value)
		if err != nil {
			return err
		}
		o.AddMaintenance(w)
	default:
		// Unknown keys are tolerated for forward compatibility.
	}
	return nil
}

func (o *Options) format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode = %s\n", o.Mode)
	fmt.Fprintf(&b, "port = %d\n", o.ListenPort)
	fmt.Fprintf(&b, "http-port = %d\n", o.HTTPPort)
	fmt.Fprintf(&b, "max-connections = %d\n", o.MaxConnections)
	writeKV(&b, "tls-ca-file", o.CAFile)
	writeKV(&b, "tls-cert-file", o.CertFile)
	writeKV(&b, "tls-key-file", o.KeyFile)
	writeKV(&b, "password-hash", o.PasswordHash)
	writeKV(&b, "jobs-directory", o.JobsDirectory)
	writeKV(&b, "data-directory", o.DataDirectory)
	writeKV(&b, "index-dsn", o.IndexDSN)
	writeKV(&b, "pairing-file", o.PairingFile)
	writeKV(&b, "master-name", o.Master.Name)
	writeKV(&b, "master-uuid-hash", o.Master.UUIDHash)
	fmt.Fprintf(&b, "history-keep-days = %d\n", o.HistoryKeepDays)
	fmt.Fprintf(&b, "continuous-min-age = %d\n", o.ContinuousMinAge)
	for _, srv := range o.Servers {
		fmt.Fprintf(&b, "server = %s\n", shellquote.Join(srv.Name, strconv.Itoa(srv.Port), srv.TLSMode))
	}
	for _, w := range o.Maintenance {
		fmt.Fprintf(&b, "maintenance = %s\n", shellquote.Join(w.String()))
	}
	return b.String()
}

// Option get/set by name, for serverOptionGet/Set. Only scalar options are
// addressable.

// OptionNames lists the scalar option names addressable over the wire.
func OptionNames() []string {
	return []string{
		"mode", "port", "http-port", "max-connections",
		"tls-ca-file", "tls-cert-file", "tls-key-file",
		"jobs-directory", "data-directory", "index-dsn", "pairing-file",
		"history-keep-days", "continuous-min-age",
	}
}

// OptionGet returns the value of a scalar option by name.
func (o *Options) OptionGet(name string) (string, bool) {
	switch name {
	case "mode":
		return string(o.Mode), true
	case "port":
		return strconv.Itoa(o.ListenPort), true
	case "http-port":
		return strconv.Itoa(o.HTTPPort), true
	case "max-connections":
		return strconv.Itoa(o.MaxConnections), true
	case "tls-ca-file":
		return o.CAFile, true
	case "tls-cert-file":
		return o.CertFile, true
	case "tls-key-file":
		return o.KeyFile, true
	case "jobs-directory":
		return o.JobsDirectory, true
	case "data-directory":
		return o.DataDirectory, true
	case "index-dsn":
		return o.IndexDSN, true
	case "pairing-file":
		return o.PairingFile, true
	case "history-keep-days":
		return strconv.Itoa(o.HistoryKeepDays), true
	case "continuous-min-age":
		return strconv.Itoa(o.ContinuousMinAge), true
	}
	return "", false
}

// OptionSet sets a scalar option by name. Password hash and the master
// record are deliberately not settable this way.
func (o *Options) OptionSet(name, value string) error {
	switch name {
	case "password-hash", "master-name", "master-uuid-hash":
		return fmt.Errorf("config: option %q is not settable", name)
	}
	if _, ok := o.OptionGet(name); !ok {
		return fmt.Errorf("config: unknown option %q", name)
	}
	return o.apply(name, value)
}

func cutKeyValue(line string) (key, value string, ok bool) {
	i := strings.Index(line, "=")
	if i < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	raw := strings.TrimSpace(line[i+1:])
	if key == "" {
		return "", "", false
	}
	words, err := shellwords.Parse(raw)
	if err != nil {
		return "", "", false
	}
	if len(words) == 1 {
		return key, words[0], true
	}
	return key, raw, true
}

func writeKV(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s = %s\n", key, shellquote.Join(value))
}

func parseInt(value string, dst *int) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid number %q", value)
	}
	*dst = v
	return nil
}

func writeAtomic(name string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, name); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
