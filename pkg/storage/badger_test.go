package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/wasmvm/pkg/vm/backend"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func collect(t *testing.T, it backend.Iterator) []string {
	t.Helper()
	defer it.Close()
	var keys []string
	for {
		rec, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return keys
		}
		keys = append(keys, string(rec.Key))
	}
}

func TestStoreGetSetDelete(t *testing.T) {
	db := openTestDB(t)
	s, err := db.Namespace([]byte("contract-a"))
	require.NoError(t, err)

	v, err := s.Get([]byte("missing"))
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Set([]byte("k"), []byte("v")))
	v, err = s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, s.Set([]byte("empty"), nil))
	v, err = s.Get([]byte("empty"))
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Empty(t, v)

	require.NoError(t, s.Delete([]byte("k")))
	require.NoError(t, s.Delete([]byte("k")))
	v, err = s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNamespacesAreIsolated(t *testing.T) {
	db := openTestDB(t)
	a, err := db.Namespace([]byte("a"))
	require.NoError(t, err)
	ab, err := db.Namespace([]byte("ab"))
	require.NoError(t, err)

	require.NoError(t, a.Set([]byte("bkey"), []byte("1")))
	require.NoError(t, ab.Set([]byte("key"), []byte("2")))

	v, err := ab.Get([]byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	it, err := a.Iterator(nil, nil, backend.Ascending)
	require.NoError(t, err)
	assert.Equal(t, []string{"bkey"}, collect(t, it))

	_, err = db.Namespace(nil)
	assert.ErrorIs(t, err, ErrNamespace)
}

func TestIteratorRanges(t *testing.T) {
	db := openTestDB(t)
	s, err := db.Namespace([]byte{0xFF, 0xFF})
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Set([]byte(k), []byte("v"+k)))
	}

	tests := []struct {
		name       string
		start, end []byte
		order      backend.Order
		want       []string
	}{
		{"all ascending", nil, nil, backend.Ascending, []string{"a", "b", "c", "d", "e"}},
		{"all descending", nil, nil, backend.Descending, []string{"e", "d", "c", "b", "a"}},
		{"start inclusive end exclusive", []byte("b"), []byte("d"), backend.Ascending, []string{"b", "c"}},
		{"descending bounds", []byte("b"), []byte("d"), backend.Descending, []string{"c", "b"}},
		{"bounds between keys", []byte("bb"), []byte("dd"), backend.Descending, []string{"d", "c"}},
		{"open end", []byte("d"), nil, backend.Ascending, []string{"d", "e"}},
		{"open start descending", nil, []byte("c"), backend.Descending, []string{"b", "a"}},
		{"empty range", []byte("c"), []byte("c"), backend.Ascending, nil},
		{"inverted range", []byte("d"), []byte("b"), backend.Descending, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := s.Iterator(tt.start, tt.end, tt.order)
			require.NoError(t, err)
			assert.Equal(t, tt.want, collect(t, it))
		})
	}

	_, err = s.Iterator(nil, nil, backend.Order(3))
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestIteratorSnapshot(t *testing.T) {
	db := openTestDB(t)
	s, err := db.Namespace([]byte("c"))
	require.NoError(t, err)
	require.NoError(t, s.Set([]byte("a"), []byte("1")))

	it, err := s.Iterator(nil, nil, backend.Ascending)
	require.NoError(t, err)
	require.NoError(t, s.Set([]byte("b"), []byte("2")))

	assert.Equal(t, []string{"a"}, collect(t, it))
}

func TestClosed(t *testing.T) {
	db, err := Open(Config{InMemory: true}, nil)
	require.NoError(t, err)
	s, err := db.Namespace([]byte("c"))
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.ErrorIs(t, db.Close(), ErrClosed)
	_, err = s.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x03}, prefixEnd([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0x02}, prefixEnd([]byte{0x01, 0xFF}))
	assert.Nil(t, prefixEnd([]byte{0xFF, 0xFF}))
}
