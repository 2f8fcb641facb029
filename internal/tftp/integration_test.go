package tftp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, root string, limits ServerLimits) *Server {
	t.Helper()
	srv, err := NewServer("127.0.0.1:0", ServerConfig{Root: root, Limits: limits})
	require.NoError(t, err)
	go func() {
		_ = srv.Run(context.Background())
	}()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestClientGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	content := []byte("the quick brown fox jumps over the lazy dog\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), content, 0o644))

	srv := startTestServer(t, root, ServerLimits{MaxBlkSize: DefaultBlkSize, MaxWindowSize: 4})

	dst := filepath.Join(t.TempDir(), "out.txt")
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	c := NewClient(srv.Addr().String(), ClientConfig{Mode: ModeOctet})
	err = c.Get(context.Background(), "a.txt", f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestClientPutRoundTrip(t *testing.T) {
	root := t.TempDir()
	srv := startTestServer(t, root, ServerLimits{MaxBlkSize: DefaultBlkSize, MaxWindowSize: 4})

	src := filepath.Join(t.TempDir(), "in.txt")
	content := []byte("uploaded payload\n")
	require.NoError(t, os.WriteFile(src, content, 0o644))
	f, err := os.Open(src)
	require.NoError(t, err)

	c := NewClient(srv.Addr().String(), ClientConfig{Mode: ModeOctet})
	err = c.Put(context.Background(), "uploaded.txt", f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := os.ReadFile(filepath.Join(root, "uploaded.txt"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestClientGetMultiBlockWithWindowing(t *testing.T) {
	root := t.TempDir()
	blk := uint16(16)
	content := make([]byte, 200) // spans many 16-byte blocks
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), content, 0o644))

	srv := startTestServer(t, root, ServerLimits{MaxBlkSize: 16, MaxWindowSize: 4})

	dst := filepath.Join(t.TempDir(), "big.bin")
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	win := uint16(4)
	c := NewClient(srv.Addr().String(), ClientConfig{Mode: ModeOctet, BlkSize: &blk, WindowSize: &win})
	require.NoError(t, c.Get(context.Background(), "big.bin", f))
	require.NoError(t, f.Close())

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestClientGetMissingFileReturnsFileNotFound(t *testing.T) {
	root := t.TempDir()
	srv := startTestServer(t, root, ServerLimits{MaxBlkSize: DefaultBlkSize})

	dst := filepath.Join(t.TempDir(), "missing.txt")
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	defer f.Close()

	c := NewClient(srv.Addr().String(), ClientConfig{Mode: ModeOctet})
	err = c.Get(context.Background(), "missing.txt", f)
	require.Error(t, err)
	te, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindFileNotFound, te.Kind)
}

func TestClientGetNetasciiTranslatesLineEndings(t *testing.T) {
	root := t.TempDir()
	content := []byte("line one\nline two\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "text.txt"), content, 0o644))

	srv := startTestServer(t, root, ServerLimits{MaxBlkSize: DefaultBlkSize})

	dst := filepath.Join(t.TempDir(), "text.txt")
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	c := NewClient(srv.Addr().String(), ClientConfig{Mode: ModeNetascii})
	require.NoError(t, c.Get(context.Background(), "text.txt", f))
	require.NoError(t, f.Close())

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestResolveUnderRootRejectsEscape(t *testing.T) {
	root := t.TempDir()
	_, err := ResolveUnderRoot(root, "../../etc/passwd")
	require.Error(t, err)
	te, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindInvalidFileName, te.Kind)
}
