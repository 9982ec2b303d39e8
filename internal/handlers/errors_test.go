package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Gopher0727/Vela/internal/services"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&services.ValidationError{Field: "first_name", Reason: "too long"}, http.StatusBadRequest},
		{services.ErrMemberNotFound, http.StatusNotFound},
		{fmt.Errorf("load: %w", services.ErrGuildNotFound), http.StatusNotFound},
		{services.ErrPermissionDenied, http.StatusForbidden},
		{&services.UpstreamError{Op: "add role", Err: assert.AnError}, http.StatusBadGateway},
		{services.ErrAlreadyOnboarded, http.StatusConflict},
		{services.ErrExpired, http.StatusGone},
		{services.ErrInvalidToken, http.StatusInternalServerError},
		{services.ErrDecryption, http.StatusInternalServerError},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusOf(tc.err), tc.err.Error())
	}
}
