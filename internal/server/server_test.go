package server

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pablu23/Uget/internal/common"
)

const quiet = 300 * time.Millisecond

func startServer(t *testing.T, dir string, opts ...func(*Options)) net.Addr {
	t.Helper()

	opts = append([]func(*Options){func(o *Options) {
		o.Datapath = dir
	}}, opts...)

	srv, err := New(opts...)
	require.NoError(t, err)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- srv.ServeConn(conn)
	}()

	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-done)
	})
	return conn.LocalAddr()
}

func dial(t *testing.T, addr net.Addr) *net.UDPConn {
	t.Helper()

	conn, err := net.DialUDP("udp", nil, addr.(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *net.UDPConn, pck *common.Packet) {
	t.Helper()

	_, err := conn.Write(pck.ToBytes())
	require.NoError(t, err)
}

// collect reads packets until none arrives for quiet.
func collect(t *testing.T, conn *net.UDPConn) []*common.Packet {
	t.Helper()

	var pcks []*common.Packet
	buf := make([]byte, common.MaxDatagramSize)
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(quiet)))
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return pcks
			}
			t.Fatalf("read: %v", err)
		}

		pck, err := common.Decode(buf[:n])
		require.NoError(t, err)
		pcks = append(pcks, pck)
	}
}

func byType(pcks []*common.Packet, pckType common.PacketType) []*common.Packet {
	var out []*common.Packet
	for _, pck := range pcks {
		if pck.Type == pckType {
			out = append(out, pck)
		}
	}
	return out
}

func writeFile(t *testing.T, dir, name string, size int) []byte {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	return data
}

func TestSendFile(t *testing.T) {
	dir := t.TempDir()
	want := writeFile(t, dir, "file.bin", 16*3+5)

	conn := dial(t, startServer(t, dir, func(o *Options) {
		o.ChunkSize = 16
	}))

	send(t, conn, common.NewGetRequest("file.bin"))
	pcks := collect(t, conn)

	require.Len(t, pcks, 5)

	var got []byte
	for i, pck := range pcks[:4] {
		assert.Equal(t, common.Data, pck.Type)
		assert.Equal(t, uint16(i), pck.Sequence)
		got = append(got, pck.Payload...)
	}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(want, got))
	}

	assert.Equal(t, common.Terminal, pcks[4].Type)
	total, err := pcks[4].GetTotal()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), total)
}

func TestSendFileWithoutTerminal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "file.bin", 100)

	conn := dial(t, startServer(t, dir, func(o *Options) {
		o.ChunkSize = 40
		o.Terminal = false
		o.SendDelay = time.Millisecond
	}))

	send(t, conn, common.NewGetRequest("file.bin"))
	pcks := collect(t, conn)

	assert.Len(t, byType(pcks, common.Data), 3)
	assert.Empty(t, byType(pcks, common.Terminal))
}

func TestSendEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty", 0)

	conn := dial(t, startServer(t, dir))

	send(t, conn, common.NewGetRequest("empty"))
	pcks := collect(t, conn)

	require.Len(t, pcks, 1)
	total, err := pcks[0].GetTotal()
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMissingFile(t *testing.T) {
	conn := dial(t, startServer(t, t.TempDir()))

	send(t, conn, common.NewGetRequest("nonexistent.txt"))
	pcks := collect(t, conn)

	require.Len(t, byType(pcks, common.Error), 1)
	assert.Empty(t, byType(pcks, common.Data))
	assert.Len(t, pcks, 1)
	assert.Equal(t, "file not found", string(pcks[0].Payload))
}

func TestRetransmit(t *testing.T) {
	dir := t.TempDir()
	want := writeFile(t, dir, "file.bin", 10*3+4)

	conn := dial(t, startServer(t, dir, func(o *Options) {
		o.ChunkSize = 10
	}))

	send(t, conn, common.NewMissingRequest("file.bin", []uint16{3, 1, 4, 999}))
	pcks := collect(t, conn)

	require.Len(t, pcks, 2)
	assert.Equal(t, uint16(3), pcks[0].Sequence)
	assert.Equal(t, want[30:], pcks[0].Payload)
	assert.Equal(t, uint16(1), pcks[1].Sequence)
	assert.Equal(t, want[10:20], pcks[1].Payload)
	for _, pck := range pcks {
		assert.Equal(t, common.Data, pck.Type)
	}
}

func TestRetransmitMissingFile(t *testing.T) {
	conn := dial(t, startServer(t, t.TempDir()))

	send(t, conn, common.NewMissingRequest("gone.txt", []uint16{0}))
	pcks := collect(t, conn)

	require.Len(t, pcks, 1)
	assert.Equal(t, common.Error, pcks[0].Type)
}

func TestInvalidRequestsKeepServing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "file.bin", 10)

	conn := dial(t, startServer(t, dir))

	corrupted := common.NewGetRequest("file.bin").ToBytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	for _, raw := range [][]byte{
		{1, 2},
		corrupted,
		common.NewPacket(0, common.Request, []byte("HELLO")).ToBytes(),
		common.NewPacket(0, common.Request, []byte("MISSING file.bin,x")).ToBytes(),
		common.NewData(0, []byte("not a request")).ToBytes(),
	} {
		_, err := conn.Write(raw)
		require.NoError(t, err)

		pcks := collect(t, conn)
		require.Len(t, pcks, 1)
		assert.Equal(t, common.Error, pcks[0].Type)
		assert.Equal(t, "invalid request", string(pcks[0].Payload))
	}

	send(t, conn, common.NewGetRequest("file.bin"))
	assert.Len(t, byType(collect(t, conn), common.Data), 1)
}

func TestPathOutsideDatapath(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "secret", 10)
	dir := filepath.Join(root, "public")
	require.NoError(t, os.Mkdir(dir, 0o755))

	conn := dial(t, startServer(t, dir))

	for _, name := range []string{"../secret", "./../secret", "."} {
		send(t, conn, common.NewGetRequest(name))
		pcks := collect(t, conn)
		require.Len(t, pcks, 1, name)
		assert.Equal(t, common.Error, pcks[0].Type, name)
	}
}

func TestFileTooLarge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big", common.MaxSegments+1)

	conn := dial(t, startServer(t, dir, func(o *Options) {
		o.ChunkSize = 1
	}))

	send(t, conn, common.NewGetRequest("big"))
	pcks := collect(t, conn)

	require.Len(t, pcks, 1)
	assert.Equal(t, "file too large", string(pcks[0].Payload))
}

func TestConcurrentClients(t *testing.T) {
	dir := t.TempDir()
	want := writeFile(t, dir, "file.bin", 64*8)

	addr := startServer(t, dir, func(o *Options) {
		o.ChunkSize = 64
		o.Concurrent = true
	})

	var wg sync.WaitGroup
	results := make([][]byte, 4)
	for i := range results {
		conn := dial(t, addr)
		wg.Add(1)
		go func(i int, conn *net.UDPConn) {
			defer wg.Done()
			_, _ = conn.Write(common.NewGetRequest("file.bin").ToBytes())

			buf := make([]byte, common.MaxDatagramSize)
			segments := make(map[uint16][]byte)
			for {
				_ = conn.SetReadDeadline(time.Now().Add(quiet))
				n, err := conn.Read(buf)
				if err != nil {
					break
				}
				pck, err := common.Decode(buf[:n])
				if err == nil && pck.Type == common.Data {
					segments[pck.Sequence] = pck.Payload
				}
			}
			var out []byte
			for seq := uint16(0); int(seq) < len(segments); seq++ {
				out = append(out, segments[seq]...)
			}
			results[i] = out
		}(i, conn)
	}
	wg.Wait()

	for i, got := range results {
		assert.True(t, bytes.Equal(want, got), "client %d", i)
	}
}

func TestNewRejectsChunkSize(t *testing.T) {
	_, err := New(func(o *Options) { o.ChunkSize = 0 })
	assert.Error(t, err)

	_, err = New(func(o *Options) { o.ChunkSize = common.MaxDatagramSize })
	assert.Error(t, err)
}
