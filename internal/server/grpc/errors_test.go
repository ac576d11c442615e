package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/polycentric-server/internal/errs"
)

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("event 3: %w", errs.ErrMalformed), codes.InvalidArgument},
		{errs.ErrBadSignature, codes.InvalidArgument},
		{errs.ErrInvalidCursor, codes.InvalidArgument},
		{errs.ErrInvalidHandle, codes.InvalidArgument},
		{errs.ErrUnauthorized, codes.Unauthenticated},
		{errs.ErrRateLimited, codes.ResourceExhausted},
		{errs.ErrAlreadyExists, codes.AlreadyExists},
		{errs.ErrNotFound, codes.NotFound},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}
	for _, c := range cases {
		require.Equal(t, c.want, status.Code(toStatus(c.err)), c.err.Error())
	}
	require.NoError(t, toStatus(nil))
	require.Equal(t, "internal", status.Convert(toStatus(errors.New("secret dsn"))).Message())
}
