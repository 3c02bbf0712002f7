// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueUntypifyRoundTripsScalars(t *testing.T) {
	cases := []struct {
		kind Kind
		in   string
	}{
		{KindBool, "true"},
		{KindString, "hello"},
		{KindNumber, "3.5"},
	}
	for _, c := range cases {
		v, err := Typify(c.kind, c.in)
		require.NoError(t, err)
		assert.Equal(t, c.kind, v.Kind)
	}
}

func TestValueTypifyBoolAliases(t *testing.T) {
	for _, s := range []string{"true", "1", "yes"} {
		v, err := Typify(KindBool, s)
		require.NoError(t, err)
		b, ok := v.Bool()
		require.True(t, ok)
		assert.True(t, b)
	}
	for _, s := range []string{"false", "0", "no", ""} {
		v, err := Typify(KindBool, s)
		require.NoError(t, err)
		b, ok := v.Bool()
		require.True(t, ok)
		assert.False(t, b)
	}
}

func TestValueTypifyBoolRejectsGarbage(t *testing.T) {
	_, err := Typify(KindBool, "maybe")
	require.Error(t, err)
}

func TestValueTypifyNumberRejectsGarbage(t *testing.T) {
	_, err := Typify(KindNumber, "not-a-number")
	require.Error(t, err)
}

func TestValuePathsCleansEachEntry(t *testing.T) {
	v := PathsValue([]string{"a/./b", "c//d"})
	paths, ok := v.Strings()
	require.True(t, ok)
	assert.Equal(t, []string{CleanPath("a/./b"), CleanPath("c//d")}, paths)
}

func TestValueAppendStringsConcatenatesLists(t *testing.T) {
	a := StringsValue([]string{"x", "y"})
	b := StringsValue([]string{"z"})
	sum, err := a.Append(b)
	require.NoError(t, err)
	got, ok := sum.Strings()
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y", "z"}, got)
}

func TestValueAppendNullReturnsOther(t *testing.T) {
	sum, err := NullValue.Append(StringValue("foo"))
	require.NoError(t, err)
	s, ok := sum.String()
	require.True(t, ok)
	assert.Equal(t, "foo", s)
}

func TestValueAppendMismatchedKindsErrors(t *testing.T) {
	_, err := StringValue("a").Append(NumberValue(1))
	require.Error(t, err)
}

func TestSortedKeysIsDeterministic(t *testing.T) {
	m := map[string]int{"b": 2, "a": 1, "c": 3}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
}
