// Package openerr defines the error taxonomy shared by every OpenSet
// component: a typed (class, code, detail) triple that renders the same way
// whether it surfaces from the query compiler, the interpreter, an insert
// row, or a cluster RPC.
package openerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Class groups errors by the subsystem that raised them.
type Class string

const (
	ClassNone      Class = "no_error"
	ClassConfig    Class = "config"
	ClassParse     Class = "parse"
	ClassRuntime   Class = "run_time"
	ClassInsert    Class = "insert"
	ClassQuery     Class = "query"
	ClassInternode Class = "internode"
)

// Code identifies the specific condition within a Class.
type Code string

const (
	CodeNone Code = "no_error"

	// compiler errors
	CodeSyntaxError                Code = "syntax_error"
	CodeGeneralError                Code = "general_error"
	CodeGeneralConfigError           Code = "general_config_error"
	CodeGeneralQueryError            Code = "general_query_error"
	CodeSyntaxIndentation            Code = "syntax_indentation"
	CodeTemplateMissingVar           Code = "template_missing_var"
	CodePropertyNotFoundSchema       Code = "property_not_found_schema"
	CodeSyntaxGroupBy                Code = "syntax_groupby"
	CodeSyntaxColumnDereference      Code = "syntax_column_dereference"
	CodeSyntaxInClause               Code = "syntax_in_clause"
	CodeSyntaxMissingSubscript       Code = "syntax_missing_subscript"
	CodeSyntaxMissingQuotesOnProperty Code = "syntax_missing_quotes_on_property"
	CodeRecordParamMustBeInGroup     Code = "record_param_must_be_in_groupby"
	CodePropertyNotInTable           Code = "property_not_in_table"
	CodePropertyAlreadyReferenced    Code = "property_already_referenced"
	CodeMissingFunctionDefinition    Code = "missing_function_definition"
	CodeSDKParamCount                Code = "sdk_param_count"
	CodeMissingFunctionEntryPoint    Code = "missing_function_entry_point"
	CodeExecCountExceeded            Code = "exec_count_exceeded"
	CodeDateParseError               Code = "date_parse_error"
	CodeDateRangeAndExpected         Code = "date_range_and_expected"
	CodeDateWithinMalformed          Code = "date_within_malformed"
	CodeIterationError               Code = "iteration_error"
	CodeSetMathParamInvalid          Code = "set_math_param_invalid"
	CodeRecursion                    Code = "recursion"
	CodeRuntimeExceptionTriggered    Code = "run_time_exception_triggered"
	CodeBreakDepthTooDeep            Code = "break_depth_too_deep"
	CodeItemNotFound                 Code = "item_not_found"
	CodeUnknownSegment               Code = "unknown_segment"
	CodeRegexCompileFailure          Code = "regex_compile_failure"

	// cluster / internode
	CodeInternodeError     Code = "internode_error"
	CodePartitionMigrated  Code = "partition_migrated"
	CodeRouteError         Code = "route_error"
)

// Error is the shared error envelope. It satisfies the error interface and
// renders as {"error":{"class","message","detail",...}} via MarshalJSON.
type Error struct {
	Class      Class
	Code       Code
	Detail     string
	Additional string
}

// New builds an Error. Additional is optional context appended to the
// rendered message; pass "" when there is none.
func New(class Class, code Code, detail string, additional ...string) *Error {
	e := &Error{Class: class, Code: code, Detail: detail}
	if len(additional) > 0 {
		e.Additional = additional[0]
	}
	return e
}

func (e *Error) Error() string {
	if e.Additional != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Detail, e.Additional)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Retryable reports whether the originator of a query fork should silently
// re-fork rather than surface this error to the caller.
func (e *Error) Retryable() bool {
	return e.Code == CodePartitionMigrated || e.Code == CodeRouteError
}

type jsonError struct {
	Class      Class  `json:"class"`
	Message    string `json:"message"`
	Detail     string `json:"detail"`
	Additional string `json:"additional,omitempty"`
}

// MarshalJSON renders {"error":{...}} for query and insert responses.
func (e *Error) MarshalJSON() ([]byte, error) {
	wrapped := struct {
		Error jsonError `json:"error"`
	}{
		Error: jsonError{
			Class:      e.Class,
			Message:    string(e.Code),
			Detail:     e.Detail,
			Additional: e.Additional,
		},
	}
	return json.Marshal(wrapped)
}

// As reports whether err is (or wraps) an *Error, mirroring errors.As
// without importing it at every call site that just wants the bool.
func As(err error) (*Error, bool) {
	var oe *Error
	ok := errors.As(err, &oe)
	return oe, ok
}
