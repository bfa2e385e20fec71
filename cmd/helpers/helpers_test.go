package helpers

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stephnangue/turnstile/catalog"
	"github.com/stephnangue/turnstile/config"
	"github.com/stephnangue/turnstile/locking"
	log "github.com/stephnangue/turnstile/logger"
	"github.com/stephnangue/turnstile/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "turnstile.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestResolveFileRefs(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(secret, []byte("s3cr3t\n"), 0o600))

	got, err := ResolveFileRefs(map[string]string{"secret_key": "@" + secret, "region": "eu-west-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"secret_key": "s3cr3t", "region": "eu-west-1"}, got)

	_, err = ResolveFileRefs(map[string]string{"secret_key": "@/does/not/exist"})
	assert.ErrorContains(t, err, "secret_key")
}

func TestMaskConfigFields(t *testing.T) {
	masked := MaskConfigFields(SensitiveCryptoSettings, map[string]string{
		"region":     "eu-west-1",
		"Secret_Key": "abc",
	})
	assert.Equal(t, "eu-west-1", masked["region"])
	assert.Equal(t, MaskValue, masked["Secret_Key"])
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "postgres://cas:xxxxx@db:5432/cas", RedactURL("postgres://cas:secret@db:5432/cas"))
	assert.Equal(t, "postgres://db/cas", RedactURL("postgres://db/cas"))
	assert.Equal(t, MaskValue, RedactURL("host=db password=secret"))
	assert.Empty(t, RedactURL(""))
}

func TestPrintMapAsTable(t *testing.T) {
	var buf bytes.Buffer
	PrintMapAsTable(&buf, map[string]string{"b": "2", "a": "1"})
	out := buf.String()
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("a")), bytes.Index(buf.Bytes(), []byte("b")), out)

	buf.Reset()
	PrintMapAsTable(&buf, nil)
	assert.Contains(t, buf.String(), "No data to display")
}

func TestResolveConfigPath(t *testing.T) {
	_, err := ResolveConfigPath("")
	assert.Error(t, err)

	path := writeConfig(t, "")
	t.Setenv("TURNSTILE_CONFIG", path)
	got, err := ResolveConfigPath("")
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = ResolveConfigPath(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.ErrorContains(t, err, "not found")
}

func TestBuildRuntime_Inmem(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
node_name = "node-a"

storage "inmem" {}

cleaner {
  schedule           = "@every 1m"
  batch_size         = 10
  batches_per_second = 5
}

kind "ServiceTicket" {
  policy = "hard"
  ttl    = "30s"
}
`))
	require.NoError(t, err)

	var out bytes.Buffer
	logger := BuildGatedLogger(cfg, &out)
	sink := metrics.NewInmemSink(time.Minute, time.Minute)

	ctx := context.Background()
	rt, err := BuildRuntime(ctx, cfg, logger, RuntimeOptions{Metrics: sink})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "node-a", rt.NodeName)
	assert.IsType(t, &locking.Locker{}, rt.Locker)
	assert.False(t, rt.Cipher.Enabled())

	def, err := rt.Catalog.Lookup(catalog.ServiceTicket)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, def.Policy.(catalog.HardTimeout).TTL)

	require.NoError(t, rt.Registry.Add(ctx, &ticket.Ticket{ID: "ST-1", Kind: catalog.ServiceTicket, Principal: "alice"}))
	got, err := rt.Registry.Get(ctx, "ST-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Principal)
	assert.Equal(t, 0, rt.Cleaner.Clean(ctx))

	info := rt.Info()
	assert.Equal(t, "inmem", info["storage"])
	assert.Equal(t, "@every 1m", info["cleaner schedule"])

	// the gate holds initialization logs back
	assert.Zero(t, out.Len())
	require.NoError(t, logger.OpenGate())
	assert.NotZero(t, out.Len())
}

func TestBuildRuntime_SQLiteEncrypted(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tickets.db")
	cfg, err := LoadConfig(writeConfig(t, `
storage "sqlite" {
  path = "`+dbPath+`"
}

crypto {
  enabled     = true
  key         = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="
  signing_key = "c2lnbmluZy1rZXktZm9yLXRlc3Rz"
}
`))
	require.NoError(t, err)

	ctx := context.Background()
	rt, err := BuildRuntime(ctx, cfg, log.NewNopLogger(), RuntimeOptions{NoLock: true})
	require.NoError(t, err)
	defer rt.Close()

	assert.True(t, rt.Cipher.Enabled())
	assert.IsType(t, locking.NoOp{}, rt.Locker)

	require.NoError(t, rt.Registry.Add(ctx, &ticket.Ticket{ID: "TGT-1", Kind: catalog.TicketGrantingTicket, Payload: []byte("secret")}))
	got, err := rt.Registry.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, "secret", string(got.Payload))
	assert.Equal(t, "aead", rt.Info()["encryption type"])
}

func TestBuildStorage_Unknown(t *testing.T) {
	_, err := BuildStorage(&config.Config{Storage: &config.StorageBlock{Type: "etcd"}}, log.NewNopLogger())
	assert.ErrorContains(t, err, "unknown storage type")

	_, err = BuildStorage(&config.Config{}, log.NewNopLogger())
	assert.Error(t, err)
}
