package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/protocol"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "polyctl")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	_ = withTmpConfig(t)
	got := cfgDir()
	base := os.Getenv("XDG_CONFIG_HOME") + "/polyctl"
	if got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(identityPath(), base) || !strings.HasSuffix(identityPath(), "identity.json") {
		t.Fatalf("identityPath unexpected: %s", identityPath())
	}
}

func Test_identity_SaveLoadUnlock(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadIdentity(); err == nil {
		t.Fatalf("expected error when identity missing")
	}
	f, key, err := newIdentity("pw")
	if err != nil {
		t.Fatalf("newIdentity: %v", err)
	}
	if f.NextClock != 1 || len(f.Process) != model.ProcessSize {
		t.Fatalf("unexpected identity: %+v", f)
	}
	if err := saveIdentity(f); err != nil {
		t.Fatalf("saveIdentity: %v", err)
	}
	raw, _ := os.ReadFile(identityPath())
	if bytes.Contains(raw, key.Seed()) {
		t.Fatalf("identity file stores the seed in clear")
	}

	got, err := loadIdentity()
	if err != nil {
		t.Fatalf("loadIdentity: %v", err)
	}
	if got.System != formatSystem(key.Public()) {
		t.Fatalf("system mismatch: %s", got.System)
	}
	unlocked, proc, err := unlock(got, "pw")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !unlocked.Public().Equal(key.Public()) || !bytes.Equal(proc[:], f.Process) {
		t.Fatalf("unlocked identity differs")
	}
	if _, _, err := unlock(got, "nope"); err == nil {
		t.Fatalf("want error for wrong password")
	}
}

func Test_parseSystem(t *testing.T) {
	t.Parallel()
	key, _ := identity.GenerateKey()
	pk, err := parseSystem(formatSystem(key.Public()))
	if err != nil || !pk.Equal(key.Public()) {
		t.Fatalf("parseSystem round trip: %v", err)
	}
	if _, err := parseSystem("!!"); err == nil {
		t.Fatalf("want error for bad base64")
	}
	if _, err := parseSystem(formatSystem(identity.PublicKey{KeyType: 9, Key: []byte{1}})); err == nil {
		t.Fatalf("want error for unknown key type")
	}
}

func Test_parseTypes(t *testing.T) {
	t.Parallel()
	got, err := parseTypes(" 5, 9,,")
	if err != nil || len(got) != 2 || got[0] != 5 || got[1] != 9 {
		t.Fatalf("parseTypes: %v %v", got, err)
	}
	if _, err := parseTypes("5,x"); err == nil {
		t.Fatalf("want error for non-numeric type")
	}
	if _, err := parseTypes(""); err == nil {
		t.Fatalf("want error for empty list")
	}
}

func Test_buildPost_Signed(t *testing.T) {
	t.Parallel()
	key, _ := identity.GenerateKey()
	proc := model.Process{1, 2, 3}
	now := time.UnixMilli(1_700_000_000_000)

	se := buildPost(key, proc, 4, "hello", now)
	if !identity.Verify(key.Public(), se.Raw, se.Signature) {
		t.Fatalf("signature does not verify")
	}
	parsed, err := protocol.ParseSignedEvent(protocol.EncodeSignedEvent(se))
	if err != nil {
		t.Fatalf("ParseSignedEvent: %v", err)
	}
	ev := parsed.Event
	if ev.LogicalClock != 4 || ev.ContentType != model.ContentTypePost || *ev.UnixMilliseconds != 1_700_000_000_000 {
		t.Fatalf("unexpected event: %+v", ev)
	}

	views := viewEvents([]model.SignedEvent{se})
	if len(views) != 1 || views[0].Text != "hello" || views[0].Clock != 4 {
		t.Fatalf("viewEvents: %+v", views)
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	printJSON(map[string]any{"a": 1})
	_ = w.Close()
	out, _ := io.ReadAll(r)

	var m map[string]any
	if json.Unmarshal(out, &m) != nil || m["a"] != float64(1) {
		t.Fatalf("printJSON produced invalid json: %s", string(out))
	}
	if !bytes.Contains(out, []byte("\n")) {
		t.Fatalf("printJSON should indent")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	creds, err := loadTLS("", true)
	if err != nil || creds == nil {
		t.Fatalf("insecure: %v %v", creds, err)
	}
	creds, err = loadTLS("", false)
	if err != nil || creds == nil {
		t.Fatalf("default tls: %v %v", creds, err)
	}

	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	creds, err = loadTLS(tmp, false)
	if err == nil || creds != nil {
		t.Fatalf("bad CA should error, got creds=%v err=%v", creds, err)
	}
}

func Test_dial_Plaintext(t *testing.T) {
	t.Parallel()
	c, err := dial("localhost:0", "", false, true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.Close()
}
