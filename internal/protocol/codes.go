// Package protocol implements the line-oriented wire protocol spoken between
// clients, masters, and slaves: one message per line, shell-style quoted
// key=value arguments, integer error codes.
//
// A client command line is
//
//	<id> <NAME> <key>=<value> <key>=<value> ...
//
// and a server result line is
//
//	<id> <complete 0|1> <errorCode> <key>=<value> ...
//
// Multi-row results stream rows with complete=0 followed by exactly one
// terminal row with complete=1. errorCode 0 means success.
package protocol

import "fmt"

// Version advertised by the "version" command. Slaves reject masters whose
// major version differs from their own.
const (
	VersionMajor = 5
	VersionMinor = 2
)

// Code is an integer wire error code. Codes map one-to-one to the error
// kinds the core raises; an unknown code is treated as a generic failure.
type Code int

const (
	CodeNone Code = 0

	CodeInsufficientMemory Code = 1
	CodeExpectedParameter  Code = 2
	CodeInvalidValue       Code = 3
	CodeUnknownValue       Code = 4
	CodeDeprecatedValue    Code = 5

	CodeJobNotFound      Code = 10
	CodeJobAlreadyExists Code = 11
	CodeJobRunning       Code = 12

	CodeScheduleNotFound      Code = 20
	CodePersistenceIdNotFound Code = 21
	CodePatternIdNotFound     Code = 22
	CodeMountIdNotFound       Code = 23
	CodeDeltaSourceIdNotFound Code = 24
	CodeMaintenanceIdNotFound Code = 25
	CodeServerIdNotFound      Code = 26

	CodeEntryNotFound         Code = 30
	CodeDatabaseEntryNotFound Code = 31
	CodeDatabaseIndexNotFound Code = 32
	CodeDatabaseParseId       Code = 33
	CodeDatabaseAuthorization Code = 34

	CodeInvalidPassword       Code = 40
	CodeInvalidCryptPassword  Code = 41
	CodeInvalidFtpPassword    Code = 42
	CodeInvalidSshPassword    Code = 43
	CodeInvalidWebdavPassword Code = 44
	CodeNoCryptPassword       Code = 45

	CodeParseDate        Code = 50
	CodeParseTime        Code = 51
	CodeParseWeekdays    Code = 52
	CodeParseSchedule    Code = 53
	CodeParseMaintenance Code = 54

	CodeNoTLSCertificate     Code = 60
	CodeNoTLSKey             Code = 61
	CodeFunctionNotSupported Code = 62

	CodeNotPaired         Code = 70
	CodeNotASlave         Code = 71
	CodeSlaveDisconnected Code = 72
	CodeConnectFail       Code = 73

	CodeInterrupted Code = 80
	CodeAborted     Code = 81

	CodeUnknownCommand Code = 90
	CodeAuthorization  Code = 91

	CodeFail Code = 255
)

var codeNames = map[Code]string{
	CodeNone:                  "NONE",
	CodeInsufficientMemory:    "INSUFFICIENT_MEMORY",
	CodeExpectedParameter:     "EXPECTED_PARAMETER",
	CodeInvalidValue:          "INVALID_VALUE",
	CodeUnknownValue:          "UNKNOWN_VALUE",
	CodeDeprecatedValue:       "DEPRECATED_OR_IGNORED_VALUE",
	CodeJobNotFound:           "JOB_NOT_FOUND",
	CodeJobAlreadyExists:      "JOB_ALREADY_EXISTS",
	CodeJobRunning:            "JOB_RUNNING",
	CodeScheduleNotFound:      "SCHEDULE_NOT_FOUND",
	CodePersistenceIdNotFound: "PERSISTENCE_ID_NOT_FOUND",
	CodePatternIdNotFound:     "PATTERN_ID_NOT_FOUND",
	CodeMountIdNotFound:       "MOUNT_ID_NOT_FOUND",
	CodeDeltaSourceIdNotFound: "DELTA_SOURCE_ID_NOT_FOUND",
	CodeMaintenanceIdNotFound: "MAINTENANCE_ID_NOT_FOUND",
	CodeServerIdNotFound:      "SERVER_ID_NOT_FOUND",
	CodeEntryNotFound:         "ENTRY_NOT_FOUND",
	CodeDatabaseEntryNotFound: "DATABASE_ENTRY_NOT_FOUND",
	CodeDatabaseIndexNotFound: "DATABASE_INDEX_NOT_FOUND",
	CodeDatabaseParseId:       "DATABASE_PARSE_ID",
	CodeDatabaseAuthorization: "DATABASE_AUTHORIZATION",
	CodeInvalidPassword:       "INVALID_PASSWORD",
	CodeInvalidCryptPassword:  "INVALID_CRYPT_PASSWORD",
	CodeInvalidFtpPassword:    "INVALID_FTP_PASSWORD",
	CodeInvalidSshPassword:    "INVALID_SSH_PASSWORD",
	CodeInvalidWebdavPassword: "INVALID_WEBDAV_PASSWORD",
	CodeNoCryptPassword:       "NO_CRYPT_PASSWORD",
	CodeParseDate:             "PARSE_DATE",
	CodeParseTime:             "PARSE_TIME",
	CodeParseWeekdays:         "PARSE_WEEKDAYS",
	CodeParseSchedule:         "PARSE_SCHEDULE",
	CodeParseMaintenance:      "PARSE_MAINTENANCE",
	CodeNoTLSCertificate:      "NO_TLS_CERTIFICATE",
	CodeNoTLSKey:              "NO_TLS_KEY",
	CodeFunctionNotSupported:  "FUNCTION_NOT_SUPPORTED",
	CodeNotPaired:             "NOT_PAIRED",
	CodeNotASlave:             "NOT_A_SLAVE",
	CodeSlaveDisconnected:     "SLAVE_DISCONNECTED",
	CodeConnectFail:           "CONNECT_FAIL",
	CodeInterrupted:           "INTERRUPTED",
	CodeAborted:               "ABORTED",
	CodeUnknownCommand:        "UNKNOWN_COMMAND",
	CodeAuthorization:         "AUTHORIZATION",
	CodeFail:                  "FAIL",
}

// String returns the symbolic name of the code, or "FAIL" for unknown codes.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return codeNames[CodeFail]
}

// Error is a wire-visible error: a code plus a human-readable message.
// Handlers return *Error (or wrap internal errors into one at the dispatch
// seam); the dispatcher writes the code into the terminal result frame.
type Error struct {
	Code    Code
	Message string
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsError extracts the wire code from err. A nil err maps to CodeNone, a
// *Error keeps its code, anything else becomes CodeFail with the error text
// as message.
func AsError(err error) (Code, string) {
	if err == nil {
		return CodeNone, ""
	}
	if pe, ok := err.(*Error); ok {
		return pe.Code, pe.Message
	}
	return CodeFail, err.Error()
}
