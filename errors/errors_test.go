package errors

import (
	"errors"
	"reflect"
	"testing"
)

func TestCast(t *testing.T) {
	type args struct {
		err error
	}
	tests := []struct {
		name   string
		args   args
		want   Error
		wantOK bool
	}{
		{
			name: "with rich error",
			args: args{
				err: Error{
					Code:    ErrBadRequest,
					Err:     nil,
					Message: "this was a bad request",
				},
			},
			want: Error{
				Code:    ErrBadRequest,
				Err:     nil,
				Message: "this was a bad request",
			},
			wantOK: true,
		},
		{
			name: "with rich error and original error",
			args: args{
				err: Error{
					Code:    ErrConflict,
					Kind:    KindCapacityExceeded,
					Err:     errors.New("i am an error"),
					Message: "territory is full",
				},
			},
			want: Error{
				Code:    ErrConflict,
				Kind:    KindCapacityExceeded,
				Err:     errors.New("i am an error"),
				Message: "territory is full",
			},
			wantOK: true,
		},
		{
			name: "with nil error",
			args: args{
				err: nil,
			},
			want: Error{
				Code:    ErrUnexpected,
				Kind:    KindUnexpected,
				Err:     nil,
				Message: "unknown operation",
				Details: make(Details),
			},
			wantOK: false,
		},
		{
			name: "with simple error",
			args: args{
				err: errors.New("i am an error"),
			},
			want: Error{
				Code:    ErrUnexpected,
				Kind:    KindUnexpected,
				Err:     errors.New("i am an error"),
				Message: "unknown operation",
				Details: make(Details),
			},
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, ok := Cast(tt.args.err); !reflect.DeepEqual(got, tt.want) || ok != tt.wantOK {
				t.Errorf("Cast() = %v, %v, want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	type fields struct {
		Code    Code
		Err     error
		Message string
	}
	tests := []struct {
		name   string
		fields fields
		want   string
	}{
		{
			name: "example 0",
			fields: fields{
				Code:    ErrInternal,
				Err:     errors.New("pq: connection refused"),
				Message: "query active claims",
			},
			want: "query active claims: pq: connection refused",
		},
		{
			name: "without original error",
			fields: fields{
				Code:    ErrNotFound,
				Message: "territory not found",
			},
			want: "territory not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Error{
				Code:    tt.fields.Code,
				Err:     tt.fields.Err,
				Message: tt.fields.Message,
			}
			if got := e.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	orig := Error{
		Code:    ErrConflict,
		Kind:    KindContestedLimitExceeded,
		Message: "contested spot limit reached",
		Details: Details{"mapID": "m"},
	}
	wrapped, ok := Cast(Wrap(orig, "claim territory", Details{"territoryID": "t"}))
	if !ok {
		t.Fatal("Wrap() should keep rich error type")
	}
	if wrapped.Code != ErrConflict || wrapped.Kind != KindContestedLimitExceeded {
		t.Errorf("Wrap() changed code/kind to %v/%v", wrapped.Code, wrapped.Kind)
	}
	if wrapped.Message != "claim territory: contested spot limit reached" {
		t.Errorf("Wrap() message = %v", wrapped.Message)
	}
	if wrapped.Details["mapID"] != "m" || wrapped.Details["territoryID"] != "t" {
		t.Errorf("Wrap() details = %v", wrapped.Details)
	}
}

func TestBlameUser(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "bad request", err: Error{Code: ErrBadRequest}, want: true},
		{name: "conflict", err: Error{Code: ErrConflict, Kind: KindCapacityExceeded}, want: true},
		{name: "forbidden", err: Error{Code: ErrForbidden, Kind: KindNotEligible}, want: true},
		{name: "locked", err: Error{Code: ErrLocked, Kind: KindMapLocked}, want: true},
		{name: "not found", err: Error{Code: ErrNotFound}, want: true},
		{name: "internal", err: Error{Code: ErrInternal}, want: false},
		{name: "plain error", err: errors.New("meh"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BlameUser(tt.err); got != tt.want {
				t.Errorf("BlameUser() = %v, want %v", got, tt.want)
			}
		})
	}
}
