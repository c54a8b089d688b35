// ABOUTME: Tests for claims context propagation
// ABOUTME: Covers round trip, missing claims and the panicking accessor

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimsContext(t *testing.T) {
	claims := &Claims{ServerName: "calc-server", User: "alice"}
	ctx := WithClaims(context.Background(), claims)

	got := ClaimsFromContext(ctx)
	require.NotNil(t, got)
	assert.Same(t, claims, got)
	assert.Same(t, claims, MustClaimsFromContext(ctx))
}

func TestClaimsContext_Missing(t *testing.T) {
	assert.Nil(t, ClaimsFromContext(context.Background()))
	assert.Panics(t, func() { MustClaimsFromContext(context.Background()) })
}
