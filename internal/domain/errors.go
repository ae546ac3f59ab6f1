package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClientInput matches every ClientError through errors.Is.
var ErrClientInput = errors.New("invalid client input")

type ClientErrorCode string

const (
	CodeEmptyHeader           ClientErrorCode = "EMPTY_HEADER"
	CodeMissingMandatoryField ClientErrorCode = "MISSING_MANDATORY_FIELD"
	CodeInvalidColumn         ClientErrorCode = "INVALID_COLUMN"
	CodeNoDataRows            ClientErrorCode = "NO_DATA_ROWS"
	CodeEmptyFile             ClientErrorCode = "EMPTY_FILE"
	CodeFileTooLarge          ClientErrorCode = "FILE_TOO_LARGE"
	CodeMalformedInput        ClientErrorCode = "MALFORMED_INPUT"
	CodeNoRootOrg             ClientErrorCode = "NO_ROOT_ORG"
)

// ClientError is a problem with the submitted file or requester that is
// reported back synchronously.
type ClientError struct {
	Code    ClientErrorCode
	Message string
	// Field is the offending column for header errors.
	Field string
	// ValidColumns lists the accepted columns for INVALID_COLUMN.
	ValidColumns []string
	Cause        error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

func (e *ClientError) Is(target error) bool {
	return target == ErrClientInput
}

func EmptyHeaderError() *ClientError {
	return &ClientError{Code: CodeEmptyHeader, Message: "header line is empty"}
}

func MissingMandatoryFieldError(field string) *ClientError {
	return &ClientError{
		Code:    CodeMissingMandatoryField,
		Message: fmt.Sprintf("mandatory column %q is missing", field),
		Field:   field,
	}
}

func InvalidColumnError(column string, validColumns []string) *ClientError {
	return &ClientError{
		Code:         CodeInvalidColumn,
		Message:      fmt.Sprintf("invalid column %q, valid columns are: %s", column, strings.Join(validColumns, ", ")),
		Field:        column,
		ValidColumns: append([]string(nil), validColumns...),
	}
}

func NoDataRowsError() *ClientError {
	return &ClientError{Code: CodeNoDataRows, Message: "file has a header but no data rows"}
}

func EmptyFileError() *ClientError {
	return &ClientError{Code: CodeEmptyFile, Message: "file is empty"}
}

func FileTooLargeError(maxAllowed int) *ClientError {
	return &ClientError{
		Code:    CodeFileTooLarge,
		Message: fmt.Sprintf("file exceeds the maximum of %d data rows", maxAllowed),
	}
}

func MalformedInputError(cause error) *ClientError {
	return &ClientError{Code: CodeMalformedInput, Message: "file could not be decoded", Cause: cause}
}

func NoRootOrgError() *ClientError {
	return &ClientError{Code: CodeNoRootOrg, Message: "requester is not associated with an active root organisation"}
}
