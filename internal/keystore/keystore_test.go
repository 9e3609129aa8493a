package keystore

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	key1, addr1, err := Load(dir, "node-a")
	if err != nil {
		t.Fatal(err)
	}
	// Second load must return the same identity, not a fresh key.
	key2, addr2, err := Load(dir, "node-a")
	if err != nil {
		t.Fatal(err)
	}
	if addr1 != addr2 {
		t.Errorf("address changed across loads: %s != %s", addr1.Hex(), addr2.Hex())
	}
	if key1.D.Cmp(key2.D) != 0 {
		t.Error("private key changed across loads")
	}
}

func TestKeyFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permissions only")
	}
	dir := t.TempDir()
	if _, _, err := Load(dir, "node-b"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, "node-b.key.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file permissions %o, want 600", perm)
	}
}

func TestDistinctNodeNamesGetDistinctKeys(t *testing.T) {
	dir := t.TempDir()
	_, addrA, err := Load(dir, "node-a")
	if err != nil {
		t.Fatal(err)
	}
	_, addrB, err := Load(dir, "node-b")
	if err != nil {
		t.Fatal(err)
	}
	if addrA == addrB {
		t.Error("two node names shared one key")
	}
}
