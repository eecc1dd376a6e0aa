package record

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestClassifyWriteError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: WriteErrorClassUnknown},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: WriteErrorClassTimeout},
		{name: "canceled", err: context.Canceled, want: WriteErrorClassTimeout},
		{name: "wrapped deadline", err: fmt.Errorf("write exchange: %w", context.DeadlineExceeded), want: WriteErrorClassTimeout},
		{name: "net op error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: WriteErrorClassConnection},
		{name: "econnrefused", err: syscall.ECONNREFUSED, want: WriteErrorClassConnection},
		{name: "econnreset", err: fmt.Errorf("flush: %w", syscall.ECONNRESET), want: WriteErrorClassConnection},
		{name: "broken pipe string", err: errors.New("write tcp: broken pipe"), want: WriteErrorClassConnection},
		{name: "timeout string", err: errors.New("i/o timeout waiting for database"), want: WriteErrorClassTimeout},
		{name: "sqlite busy", err: errors.New("SQLITE_BUSY: database is locked"), want: WriteErrorClassContention},
		{name: "locked string", err: errors.New("database is locked (5)"), want: WriteErrorClassContention},
		{name: "unique constraint", err: errors.New(`duplicate key value violates unique constraint "exchanges_pkey"`), want: WriteErrorClassConstraint},
		{name: "foreign key", err: errors.New("insert violates foreign key constraint"), want: WriteErrorClassConstraint},
		{name: "opaque", err: errors.New("disk quota exceeded"), want: WriteErrorClassUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyWriteError(tc.err); got != tc.want {
				t.Fatalf("ClassifyWriteError(%v)=%q, want %q", tc.err, got, tc.want)
			}
		})
	}
}
