package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	shellquote "github.com/kballard/go-shellquote"
	shellwords "github.com/mattn/go-shellwords"
)

// Command is one parsed client request line.
type Command struct {
	ID   uint64
	Name string
	Args Args
}

// Args is the typed key-value argument map of a command. Values arrive as
// strings; the accessors convert and report ExpectedParameter/InvalidValue
// wire errors on missing or malformed values.
type Args map[string]string

// Result is one server response line. A command produces zero or more rows
// with Complete=false followed by exactly one terminal row with
// Complete=true. Fields preserve insertion order so output is deterministic.
type Result struct {
	ID       uint64
	Complete bool
	Code     Code
	Message  string
	fields   []field
}

type field struct {
	key   string
	value string
}

// ParseCommand parses one request line. Values may be shell-style quoted;
// bare tokens are taken verbatim.
func ParseCommand(line string) (Command, error) {
	tokens, err := shellwords.Parse(line)
	if err != nil {
		return Command{}, Errorf(CodeExpectedParameter, "malformed command line: %v", err)
	}
	if len(tokens) < 2 {
		return Command{}, Errorf(CodeExpectedParameter, "expected <id> <name>")
	}

	id, err := strconv.ParseUint(tokens[0], 10, 64)
	if err != nil {
		return Command{}, Errorf(CodeExpectedParameter, "invalid command id %q", tokens[0])
	}

	cmd := Command{ID: id, Name: tokens[1], Args: make(Args, len(tokens)-2)}
	for _, tok := range tokens[2:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			return Command{}, Errorf(CodeExpectedParameter, "expected <key>=<value>, got %q", tok)
		}
		cmd.Args[key] = value
	}
	return cmd, nil
}

// Format renders the command back into wire form. Used by the slave
// connector when forwarding commands to a remote peer.
func (c Command) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s", c.ID, c.Name)
	for _, key := range sortedKeys(c.Args) {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(quoteValue(c.Args[key]))
	}
	return b.String()
}

func sortedKeys(args Args) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	// Insertion order is lost in the map; sort for deterministic output.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// NewResult creates a row for command id. Use Put to add fields.
func NewResult(id uint64, complete bool, code Code) *Result {
	return &Result{ID: id, Complete: complete, Code: code}
}

// Put appends a key=value field. Values are formatted with %v; booleans are
// rendered as yes/no to match the request-side conventions.
func (r *Result) Put(key string, value any) *Result {
	var s string
	switch v := value.(type) {
	case bool:
		if v {
			s = "yes"
		} else {
			s = "no"
		}
	case string:
		s = v
	default:
		s = fmt.Sprintf("%v", v)
	}
	r.fields = append(r.fields, field{key: key, value: s})
	return r
}

// Format renders the result row into wire form.
func (r *Result) Format() string {
	var b strings.Builder
	complete := 0
	if r.Complete {
		complete = 1
	}
	fmt.Fprintf(&b, "%d %d %d", r.ID, complete, int(r.Code))
	if r.Code != CodeNone && r.Message != "" {
		b.WriteString(" error=")
		b.WriteString(quoteValue(r.Message))
	}
	for _, f := range r.fields {
		b.WriteByte(' ')
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(quoteValue(f.value))
	}
	return b.String()
}

// ParseResult parses one response line. Used by the slave connector and by
// protocol tests.
func ParseResult(line string) (*Result, error) {
	tokens, err := shellwords.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("protocol: malformed result line: %w", err)
	}
	if len(tokens) < 3 {
		return nil, fmt.Errorf("protocol: expected <id> <complete> <errorCode>")
	}

	id, err := strconv.ParseUint(tokens[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("protocol: invalid result id %q", tokens[0])
	}
	complete, err := strconv.Atoi(tokens[1])
	if err != nil || (complete != 0 && complete != 1) {
		return nil, fmt.Errorf("protocol: invalid complete flag %q", tokens[1])
	}
	code, err := strconv.Atoi(tokens[2])
	if err != nil {
		return nil, fmt.Errorf("protocol: invalid error code %q", tokens[2])
	}

	r := &Result{ID: id, Complete: complete == 1, Code: Code(code)}
	for _, tok := range tokens[3:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, fmt.Errorf("protocol: expected <key>=<value>, got %q", tok)
		}
		if key == "error" && r.Code != CodeNone && r.Message == "" {
			r.Message = value
			continue
		}
		r.fields = append(r.fields, field{key: key, value: value})
	}
	return r, nil
}

// Get returns the value of a result field and whether it was present.
func (r *Result) Get(key string) (string, bool) {
	for _, f := range r.fields {
		if f.key == key {
			return f.value, true
		}
	}
	return "", false
}

// Fields returns the result fields as an Args map.
func (r *Result) Fields() Args {
	args := make(Args, len(r.fields))
	for _, f := range r.fields {
		args[f.key] = f.value
	}
	return args
}

// quoteValue quotes a value for the wire when it contains spaces or shell
// metacharacters; bare tokens pass through unchanged.
func quoteValue(s string) string {
	if s == "" {
		return "''"
	}
	return shellquote.Join(s)
}

// ---------------------------------------------------------------------------
// Args accessors
// ---------------------------------------------------------------------------

// String returns a required string argument.
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", Errorf(CodeExpectedParameter, "expected parameter %q", key)
	}
	return v, nil
}

// StringDefault returns an optional string argument.
func (a Args) StringDefault(key, def string) string {
	if v, ok := a[key]; ok {
		return v
	}
	return def
}

// Uint returns a required unsigned integer argument.
func (a Args) Uint(key string) (uint64, error) {
	s, err := a.String(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, Errorf(CodeInvalidValue, "parameter %q: invalid number %q", key, s)
	}
	return v, nil
}

// UintDefault returns an optional unsigned integer argument.
func (a Args) UintDefault(key string, def uint64) (uint64, error) {
	if _, ok := a[key]; !ok {
		return def, nil
	}
	return a.Uint(key)
}

// Int returns a required signed integer argument.
func (a Args) Int(key string) (int64, error) {
	s, err := a.String(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, Errorf(CodeInvalidValue, "parameter %q: invalid number %q", key, s)
	}
	return v, nil
}

// Bool returns a required boolean argument. Accepted forms: yes/no, true/
// false, on/off, 1/0.
func (a Args) Bool(key string) (bool, error) {
	s, err := a.String(key)
	if err != nil {
		return false, err
	}
	return parseBool(key, s)
}

// BoolDefault returns an optional boolean argument.
func (a Args) BoolDefault(key string, def bool) (bool, error) {
	s, ok := a[key]
	if !ok {
		return def, nil
	}
	return parseBool(key, s)
}

func parseBool(key, s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "true", "on", "1":
		return true, nil
	case "no", "false", "off", "0":
		return false, nil
	}
	return false, Errorf(CodeInvalidValue, "parameter %q: invalid boolean %q", key, s)
}

// UUID returns a required UUID argument.
func (a Args) UUID(key string) (uuid.UUID, error) {
	s, err := a.String(key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, Errorf(CodeInvalidValue, "parameter %q: invalid UUID %q", key, s)
	}
	return id, nil
}

// IDList parses a comma-separated list of numeric ids, raising
// DatabaseParseId on malformed elements.
func (a Args) IDList(key string) ([]int64, error) {
	s, err := a.String(key)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, Errorf(CodeDatabaseParseId, "malformed id %q in list", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
