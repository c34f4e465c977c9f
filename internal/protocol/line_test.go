package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("42 jobStart name=nightly dryRun=yes")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cmd.ID)
	assert.Equal(t, "jobStart", cmd.Name)
	assert.Equal(t, "nightly", cmd.Args["name"])
	assert.Equal(t, "yes", cmd.Args["dryRun"])
}

func TestParseCommandQuotedValue(t *testing.T) {
	cmd, err := ParseCommand(`7 fileList path='/var/backups/my dir'`)
	require.NoError(t, err)
	assert.Equal(t, "/var/backups/my dir", cmd.Args["path"])
}

func TestParseCommandErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"7",
		"abc jobList",
		"7 jobStart nightly", // bare token, no key=value
	} {
		_, err := ParseCommand(line)
		code, _ := AsError(err)
		assert.Equal(t, CodeExpectedParameter, code, "line %q", line)
	}
}

func TestCommandFormatRoundTrip(t *testing.T) {
	in := Command{ID: 9, Name: "jobRename", Args: Args{
		"name":    "old job",
		"newName": "new job",
	}}
	out, err := ParseCommand(in.Format())
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Args, out.Args)
}

func TestResultFormatRoundTrip(t *testing.T) {
	in := NewResult(3, true, CodeNone).
		Put("name", "nightly run").
		Put("active", true).
		Put("dryRun", false).
		Put("count", int64(12))

	out, err := ParseResult(in.Format())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), out.ID)
	assert.True(t, out.Complete)
	assert.Equal(t, CodeNone, out.Code)

	v, _ := out.Get("name")
	assert.Equal(t, "nightly run", v)
	v, _ = out.Get("active")
	assert.Equal(t, "yes", v)
	v, _ = out.Get("dryRun")
	assert.Equal(t, "no", v)
	v, _ = out.Get("count")
	assert.Equal(t, "12", v)
}

func TestResultErrorMessage(t *testing.T) {
	in := NewResult(5, true, CodeJobNotFound)
	in.Message = "no such job"

	out, err := ParseResult(in.Format())
	require.NoError(t, err)
	assert.Equal(t, CodeJobNotFound, out.Code)
	assert.Equal(t, "no such job", out.Message)
}

func TestResultStreamFlags(t *testing.T) {
	row := NewResult(2, false, CodeNone).Put("entityId", "4")
	parsed, err := ParseResult(row.Format())
	require.NoError(t, err)
	assert.False(t, parsed.Complete)
}

func TestArgsBoolForms(t *testing.T) {
	args := Args{"a": "yes", "b": "off", "c": "1", "d": "False", "e": "maybe"}

	for key, want := range map[string]bool{"a": true, "b": false, "c": true, "d": false} {
		got, err := args.Bool(key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}

	_, err := args.Bool("e")
	code, _ := AsError(err)
	assert.Equal(t, CodeInvalidValue, code)

	_, err = args.Bool("missing")
	code, _ = AsError(err)
	assert.Equal(t, CodeExpectedParameter, code)
}

func TestArgsIDList(t *testing.T) {
	args := Args{"ids": "3, 7,11", "bad": "3,x"}

	ids, err := args.IDList("ids")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7, 11}, ids)

	_, err = args.IDList("bad")
	code, _ := AsError(err)
	assert.Equal(t, CodeDatabaseParseId, code)
}

func TestArgsUUID(t *testing.T) {
	id := uuid.New()
	args := Args{"jobUUID": id.String(), "bad": "not-a-uuid"}

	got, err := args.UUID("jobUUID")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = args.UUID("bad")
	code, _ := AsError(err)
	assert.Equal(t, CodeInvalidValue, code)
}

func TestQuoteEmptyValue(t *testing.T) {
	line := NewResult(1, true, CodeNone).Put("name", "").Format()
	parsed, err := ParseResult(line)
	require.NoError(t, err)
	v, ok := parsed.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "", v)
}
