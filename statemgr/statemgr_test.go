package statemgr

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

type record struct {
	Name  string         `cbor:"name"`
	Count int            `cbor:"count"`
	Tags  map[int]string `cbor:"tags"`
}

func TestStoreLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)

	var got record
	require.ErrorIs(t, s.Load("missing", &got), ErrNotFound)

	want := record{Name: "guard", Count: 3, Tags: map[int]string{1: "a"}}
	require.NoError(t, s.Store("r", want))
	require.NoError(t, s.Load("r", &got))
	require.Equal(t, want, got)

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"r"}, keys)
	require.NoError(t, s.Close())

	// Values survive reopening.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got = record{}
	require.NoError(t, s.Load("r", &got))
	require.Equal(t, want, got)

	require.NoError(t, s.Delete("r"))
	require.NoError(t, s.Delete("r"))
	require.ErrorIs(t, s.Load("r", &got), ErrNotFound)
}

func TestLoadDecodeError(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store("r", "a string"))
	var got record
	err = s.Load("r", &got)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsOtherVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucket([]byte(metadataBucket))
		if err != nil {
			return err
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], stateVersion+1)
		return b.Put([]byte(versionKey), v[:])
	}))
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.ErrorContains(t, err, "incompatible state version")
}
