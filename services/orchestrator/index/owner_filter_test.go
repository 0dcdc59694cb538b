// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"
)

// requireOwnerEqual asserts an exact-match clause on owner_id.
func requireOwnerEqual(t *testing.T, f *models.WhereFilter, owner string) {
	t.Helper()
	assert.Equal(t, string(filters.Equal), f.Operator)
	assert.Equal(t, []string{"owner_id"}, f.Path)
	require.NotNil(t, f.ValueString)
	assert.Equal(t, owner, *f.ValueString)
	assert.Empty(t, f.Operands)
}

func TestOwnerFilter_EmptyScopeSeesSharedOnly(t *testing.T) {
	f := ownerFilter("").Build()
	requireOwnerEqual(t, f, "")
}

func TestOwnerFilter_ScopedSeesOwnPlusShared(t *testing.T) {
	f := ownerFilter("emp-1042").Build()

	assert.Equal(t, string(filters.Or), f.Operator)
	require.Len(t, f.Operands, 2)
	requireOwnerEqual(t, f.Operands[0], "emp-1042")
	requireOwnerEqual(t, f.Operands[1], "")
}

// The scope is always a value operand, never filter syntax: a hostile
// scope string cannot widen the clause beyond its own owner plus shared.
func TestOwnerFilter_ScopeIsNeverInterpreted(t *testing.T) {
	hostile := `x"} operator:Or operands:[{path:["owner_id"] operator:Like valueString:"*`

	f := ownerFilter(hostile).Build()
	assert.Equal(t, string(filters.Or), f.Operator)
	require.Len(t, f.Operands, 2)
	requireOwnerEqual(t, f.Operands[0], hostile)
	requireOwnerEqual(t, f.Operands[1], "")
}
