package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"xenlink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), dbFile))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func wgProfile(name string) *models.Profile {
	return &models.Profile{
		Name:     name,
		Protocol: models.ProtocolWireGuard,
		Host:     "vpn.example.com",
		Port:     51820,
		WireGuard: &models.WireGuardSettings{
			Addresses:     []string{"10.8.0.2/32"},
			PeerPublicKey: "cGVlcg==",
			AllowedIPs:    []string{"0.0.0.0/0"},
			NATTraversal:  true,
		},
	}
}

func TestProfileStore(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	id, err := db.CreateProfile(ctx, wgProfile("home"))
	require.NoError(t, err)

	p, err := db.Profile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "home", p.Name)
	require.NotNil(t, p.WireGuard)
	assert.Equal(t, []string{"10.8.0.2/32"}, p.WireGuard.Addresses)
	assert.True(t, p.WireGuard.NATTraversal)
	assert.Nil(t, p.SSH)
	assert.True(t, p.LastUsed.IsZero())

	_, err = db.Profile(ctx, id+1)
	assert.ErrorIs(t, err, models.ErrProfileNotFound)

	_, err = db.CreateProfile(ctx, &models.Profile{Name: "broken"})
	assert.Error(t, err)
}

func TestMarkUsedOrdersProfiles(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	first, err := db.CreateProfile(ctx, wgProfile("first"))
	require.NoError(t, err)
	second, err := db.CreateProfile(ctx, wgProfile("second"))
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.MarkUsed(ctx, second, at))

	list, err := db.Profiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
	assert.True(t, at.Equal(list[0].LastUsed))
	assert.Equal(t, first, list[1].ID)

	assert.ErrorIs(t, db.MarkUsed(ctx, 999, at), models.ErrProfileNotFound)
}

func TestSecretsFollowProfile(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	id, err := db.CreateProfile(ctx, wgProfile("home"))
	require.NoError(t, err)

	_, err = db.Secret(ctx, id, "wireguard.private_key")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, db.PutSecret(ctx, id, "wireguard.private_key", "sealed-1"))
	require.NoError(t, db.PutSecret(ctx, id, "wireguard.private_key", "sealed-2"))
	v, err := db.Secret(ctx, id, "wireguard.private_key")
	require.NoError(t, err)
	assert.Equal(t, "sealed-2", v)

	require.NoError(t, db.DeleteProfile(ctx, id))
	_, err = db.Secret(ctx, id, "wireguard.private_key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

const profileTOML = `
[[profile]]
name = "home"
protocol = "wireguard"
host = "vpn.example.com"
port = 51820

[profile.wireguard]
addresses = ["10.8.0.2/32"]
peer_public_key = "cGVlcg=="
allowed_ips = ["0.0.0.0/0", "::/0"]
nat_traversal = true

[profile.secrets]
"wireguard.private_key" = "cHJpdmF0ZQ=="

[[profile]]
name = "jump"
protocol = "ssh"
host = "ssh.example.com"
port = 22

[profile.ssh]
user = "ops"
auth = "password"
socks_listen = "127.0.0.1:1080"
`

func TestImportProfiles(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	imported, err := db.ImportProfiles(ctx, strings.NewReader(profileTOML))
	require.NoError(t, err)
	require.Len(t, imported, 2)
	assert.True(t, imported[0].Created)
	assert.Equal(t, "cHJpdmF0ZQ==", imported[0].Secrets["wireguard.private_key"])
	assert.Equal(t, models.ProtocolSSH, imported[1].Profile.Protocol)
	assert.Equal(t, "ops", imported[1].Profile.SSH.User)

	again, err := db.ImportProfiles(ctx, strings.NewReader(profileTOML))
	require.NoError(t, err)
	assert.False(t, again[0].Created)
	assert.Equal(t, imported[0].Profile.ID, again[0].Profile.ID)

	list, err := db.Profiles(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestImportRejectsInvalidProfile(t *testing.T) {
	_, err := ParseProfiles(strings.NewReader(`
[[profile]]
name = "bad"
protocol = "ssh"
host = "ssh.example.com"
port = 70000
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)
}

func TestAppStorageLayout(t *testing.T) {
	base := t.TempDir()
	s, err := NewAppStorage(base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "config"), s.ConfigPath())

	path := filepath.Join(s.ConfigPath(), "prefs.toml")
	assert.False(t, s.FileExists(path))
	require.NoError(t, s.WriteFile(path, []byte("a = 1")))
	require.NoError(t, s.CopyFile(path, path+".bak"))

	b, err := s.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, "a = 1", string(b))

	db, err := InitDatabase(s)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.True(t, s.FileExists(filepath.Join(s.DBPath(), dbFile)))
}
