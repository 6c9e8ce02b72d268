package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/circuits"
	"trustedsetup/internal/crs"
)

func newRecord(t *testing.T) *ceremony.Record {
	t.Helper()
	cubic, err := crs.FromSeed("cubic", &circuits.Cubic{}, []byte("store-test"))
	require.NoError(t, err)
	chain, err := crs.FromSeed("chain-2", &circuits.Chain{Length: 2}, []byte("store-test"))
	require.NoError(t, err)
	rec, err := ceremony.NewRecord(cubic, chain)
	require.NoError(t, err)
	return rec
}

// runCeremony drives a small open-mode ceremony to the closed phase
func runCeremony(t *testing.T, st ceremony.Store) *ceremony.Coordinator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := ceremony.DefaultConfig()
	cfg.Mode = ceremony.ModeOpen
	cfg.Quorum = 2
	cfg.Beacon = ceremony.StaticBeacon("store beacon")
	cfg.Store = st
	c, err := ceremony.New(newRecord(t), cfg)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	for _, id := range []string{"alice", "bob"} {
		signer, err := ceremony.GenerateSigner(ceremony.SchemeEd25519)
		require.NoError(t, err)
		require.NoError(t, c.Register(ctx, ceremony.Registration{
			ID: id, Scheme: ceremony.SchemeEd25519, PublicKey: signer.PublicKey(),
		}))
		lc := ceremony.NewLocalContributor(id, signer)
		info, err := c.Info(ctx, id)
		require.NoError(t, err)
		sub, err := ceremony.Prepare(ctx, lc, info)
		require.NoError(t, err)
		_, err = c.Submit(ctx, sub)
		require.NoError(t, err)
	}
	return c
}

func TestCodecRoundTrip(t *testing.T) {
	mem := &Memory{}
	c := runCeremony(t, mem)
	want, err := c.Snapshot(context.Background())
	require.NoError(t, err)

	data, err := Encode(want)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Names(), got.Names())
	assert.Equal(t, want.Phase, got.Phase)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, want.Participants, got.Participants)
	assert.Equal(t, want.Head(), got.Head())
	for i := range want.Tracks {
		wantDigest, err := want.Tracks[i].Circuit.Digest()
		require.NoError(t, err)
		gotDigest, err := got.Tracks[i].Circuit.Digest()
		require.NoError(t, err)
		assert.Equal(t, wantDigest, gotDigest)
		assert.Equal(t, want.Tracks[i].Transcript.Current().Hash(), got.Tracks[i].Transcript.Current().Hash())
	}
	require.NoError(t, got.Verify())

	again, err := Encode(got)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")
}

func TestDecodeRejects(t *testing.T) {
	c := runCeremony(t, &Memory{})
	rec, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	data, err := Encode(rec)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, cbor.Unmarshal(data, &env))

	reencode := func(e envelope) []byte {
		b, err := cbor.Marshal(e)
		require.NoError(t, err)
		return b
	}

	t.Run("future version", func(t *testing.T) {
		e := env
		e.Version = recordVersion + 1
		_, err := Decode(reencode(e))
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("other format", func(t *testing.T) {
		e := env
		e.Format = "trustedsetup/keystore"
		_, err := Decode(reencode(e))
		assert.ErrorIs(t, err, ErrUnknownFormat)
	})

	t.Run("unknown field", func(t *testing.T) {
		var body map[string]any
		require.NoError(t, cbor.Unmarshal(env.Body, &body))
		body["operator_note"] = "hello"
		raw, err := cbor.Marshal(body)
		require.NoError(t, err)
		e := env
		e.Body = raw
		_, err = Decode(reencode(e))
		assert.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Decode(data[:len(data)/2])
		assert.Error(t, err)
	})

	t.Run("bad state bytes", func(t *testing.T) {
		var body recordV2
		require.NoError(t, cbor.Unmarshal(env.Body, &body))
		body.Tracks[1].Entries[0].State = body.Tracks[1].Entries[0].State[:10]
		raw, err := cbor.Marshal(body)
		require.NoError(t, err)
		e := env
		e.Body = raw
		_, err = Decode(reencode(e))
		assert.ErrorContains(t, err, "chain-2 entry 0")
	})

	t.Run("bad circuit bytes", func(t *testing.T) {
		var body recordV2
		require.NoError(t, cbor.Unmarshal(env.Body, &body))
		body.Tracks[0].Circuit = body.Tracks[0].Circuit[:20]
		raw, err := cbor.Marshal(body)
		require.NoError(t, err)
		e := env
		e.Body = raw
		_, err = Decode(reencode(e))
		assert.ErrorIs(t, err, crs.ErrMalformed)
	})
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(filepath.Join(dir, "data"))
	require.NoError(t, err)

	_, err = fs.Load()
	assert.ErrorIs(t, err, ErrNotFound)

	c := runCeremony(t, fs)
	ctx := context.Background()

	loaded, err := fs.Load()
	require.NoError(t, err)
	assert.Equal(t, ceremony.PhaseFinalizing, loaded.Phase)
	assert.Equal(t, 2, loaded.Contributions())

	// resume from disk and finish there
	cfg := ceremony.DefaultConfig()
	cfg.Mode = ceremony.ModeOpen
	cfg.Quorum = 2
	cfg.Beacon = ceremony.StaticBeacon("store beacon")
	cfg.Store = fs
	resumed, err := ceremony.Resume(loaded, cfg)
	require.NoError(t, err)
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resumed.Run(rctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	final, err := resumed.Finalize(ctx)
	require.NoError(t, err)

	_, err = os.Stat(fs.Path())
	assert.True(t, os.IsNotExist(err), "live record removed after archiving")

	archived, err := Open(fs.ArchivePath(loaded.ID))
	require.NoError(t, err)
	assert.Equal(t, ceremony.PhaseClosed, archived.Phase)
	require.NoError(t, archived.Verify())
	require.Len(t, final, 2)
	for i, cur := range final {
		assert.Equal(t, cur.State.Hash(), archived.Tracks[i].Transcript.Current().Hash())
	}

	// the original coordinator never saw the resumed rounds
	s, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, ceremony.PhaseFinalizing, s.Phase)
}

func TestMemoryStore(t *testing.T) {
	mem := &Memory{}
	_, err := mem.Load()
	assert.ErrorIs(t, err, ErrNotFound)

	c := runCeremony(t, mem)
	assert.GreaterOrEqual(t, mem.Saves(), 2)
	rec, err := mem.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Contributions())

	_, err = c.Finalize(context.Background())
	require.NoError(t, err)
	_, err = mem.Load()
	assert.ErrorIs(t, err, ErrNotFound)
	archived, err := mem.Archived()
	require.NoError(t, err)
	assert.Equal(t, []byte("store beacon"), archived.Beacon)
}

func TestOpenLiveFile(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	runCeremony(t, fs)

	rec, err := Open(fs.Path())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Contributions())

	raw, err := os.ReadFile(fs.Path())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte{0xa3}), "envelope is a three-key map")
}
