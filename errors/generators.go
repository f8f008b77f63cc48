package errors

// NewResourceNotFoundError returns a new ErrNotFound error with kind
// KindResourceNotFound and the given message.
func NewResourceNotFoundError(message string, details Details) error {
	return Error{
		Code:    ErrNotFound,
		Kind:    KindResourceNotFound,
		Message: message,
		Details: details,
	}
}

// NewBadRequestError creates a new ErrBadRequest error with the given kind and
// message.
func NewBadRequestError(kind Kind, message string, details Details) error {
	return Error{
		Code:    ErrBadRequest,
		Kind:    kind,
		Message: message,
		Details: details,
	}
}

// NewInternalError creates a new ErrInternal error with the given message.
func NewInternalError(message string, details Details) error {
	return Error{
		Code:    ErrInternal,
		Kind:    KindUnexpected,
		Message: message,
		Details: details,
	}
}

// NewInternalErrorFromErr creates a new ErrInternal error with the given
// message and original error.
func NewInternalErrorFromErr(err error, message string, details Details) error {
	return Error{
		Code:    ErrInternal,
		Kind:    KindUnexpected,
		Err:     err,
		Message: message,
		Details: details,
	}
}

// NewQueryToSQLError creates a new ErrInternal error for query building that
// failed. This should usually not happen.
func NewQueryToSQLError(err error, details Details) error {
	return Error{
		Code:    ErrInternal,
		Kind:    KindDB,
		Err:     err,
		Message: "query to sql",
		Details: details,
	}
}

// NewExecQueryError creates a new ErrInternal error for query execution that
// failed. The query is added to the error details.
func NewExecQueryError(err error, message string, query string) error {
	return Error{
		Code:    ErrInternal,
		Kind:    KindDB,
		Err:     err,
		Message: message,
		Details: Details{"query": query},
	}
}

// NewScanDBRowError creates a new ErrInternal error for rows that could not be
// scanned. The query is added to the error details.
func NewScanDBRowError(err error, message string, query string) error {
	return Error{
		Code:    ErrInternal,
		Kind:    KindDB,
		Err:     err,
		Message: message,
		Details: Details{"query": query},
	}
}

// NewDBTxBeginError creates a new ErrInternal error for transactions that
// could not be started.
func NewDBTxBeginError(err error) error {
	return Error{
		Code:    ErrInternal,
		Kind:    KindDB,
		Err:     err,
		Message: "begin tx",
	}
}

// NewDBTxCommitError creates a new ErrInternal error for transactions that
// could not be committed.
func NewDBTxCommitError(err error) error {
	return Error{
		Code:    ErrInternal,
		Kind:    KindDB,
		Err:     err,
		Message: "commit tx",
	}
}

// NewInviteInvalidError creates a new ErrBadRequest error with kind
// KindInviteInvalid and the given human-readable reason.
func NewInviteInvalidError(reason string, details Details) error {
	return Error{
		Code:    ErrBadRequest,
		Kind:    KindInviteInvalid,
		Message: reason,
		Details: details,
	}
}
