package securitymanager

import (
	"path/filepath"
	"testing"

	"github.com/juju/errors"
)

func TestWriteLoadServer(t *testing.T) {
	mgr, err := NewServerSecurityManager()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	pub, priv := filepath.Join(dir, "pubkey.txt"), filepath.Join(dir, "privkey.txt")

	if err := mgr.WriteKeys(pub, priv); err != nil {
		t.Fatal(err)
	}

	loaded := &ServerSecurityManager{keyPair: new(keyPair)}
	if err := loaded.LoadKeys(pub, priv); err != nil {
		t.Fatal(err)
	}
	if loaded.public != mgr.public || loaded.private != mgr.private {
		t.Error("loaded keys differ from written keys")
	}
}

func TestWriteOnlyPublic(t *testing.T) {
	mgr, err := NewClientSecurityManager()
	if err != nil {
		t.Fatal(err)
	}
	pub := filepath.Join(t.TempDir(), "pubkey.txt")
	if err := mgr.WriteKeys(pub, DONOTWRITE); err != nil {
		t.Fatal(err)
	}

	client, _ := NewClientSecurityManager()
	if err := client.LoadServerPubkey(pub); err != nil {
		t.Fatal(err)
	}
	if client.serverPublic != mgr.public {
		t.Error("wrong server public key")
	}
}

func TestLoadRejectsShortKey(t *testing.T) {
	mgr, _ := NewServerSecurityManager()
	mgr.SetKeys("pub", "priv")

	if err := mgr.WriteKeys(filepath.Join(t.TempDir(), "k"), DONOTWRITE); !errors.Is(err, errors.NotValid) {
		t.Error("short key written:", err)
	}
}

func TestKeyMgmt(t *testing.T) {
	mgr, _ := NewServerSecurityManager()

	mgr.AddClientKeys("a", "b", "c")

	if len(mgr.allowedClientKeys) != 3 {
		t.Error("List of client keys is incorrect")
		return
	}

	mgr.ResetClientKeys()

	if mgr.allowedClientKeys != nil {
		t.Error("ResetClientKeys() does not work.")
	}
}

func TestListingExclusive(t *testing.T) {
	mgr, _ := NewServerSecurityManager()

	mgr.WhitelistClients("a", "b", "c")

	if len(mgr.allowedClientAddresses) != 3 {
		t.Error("Whitelist of clients is not correct.")
		return
	}

	mgr.BlacklistClients("d", "e", "f")

	if mgr.allowedClientAddresses != nil {
		t.Error("Whitelist was not reset")
	}
	if len(mgr.deniedClientAddresses) != 3 {
		t.Error("Blacklist of clients is not correct")
	}
}

func TestExplicitKeys(t *testing.T) {
	mgr, _ := NewServerSecurityManager()

	mgr.SetKeys("pub", "priv")

	if mgr.GetPublicKey() != "pub" {
		t.Error("Wrong public key returned")
	}
	if mgr.public != "pub" || mgr.private != "priv" {
		t.Error("Wrong internal keys")
	}
}

func TestNilManagersDoNothing(t *testing.T) {
	var srv *ServerSecurityManager
	var cl *ClientSecurityManager
	if srv.ApplyToServerSocket(nil) != nil || cl.ApplyToClientSocket(nil) != nil {
		t.Error("nil managers must not fail")
	}
}
