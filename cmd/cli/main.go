// Command polyctl is a CLI client for the polycentric event store.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	clientcrypto "github.com/and161185/polycentric-server/internal/crypto/clientcrypto"
	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/protocol"
	grpcserver "github.com/and161185/polycentric-server/internal/server/grpc"
)

// ---- identity store ----

type identityFile struct {
	System     string `json:"system"`
	SealedSeed []byte `json:"sealed_seed"`
	Process    []byte `json:"process"`
	NextClock  uint64 `json:"next_clock"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "polyctl")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "polyctl")
}

func identityPath() string { return filepath.Join(cfgDir(), "identity.json") }

func saveIdentity(f identityFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(identityPath(), b, 0o600)
}

func loadIdentity() (identityFile, error) {
	var f identityFile
	b, err := os.ReadFile(identityPath())
	if err != nil {
		return f, fmt.Errorf("no identity (run keygen): %w", err)
	}
	err = json.Unmarshal(b, &f)
	return f, err
}

// newIdentity creates a key and a random process for this device.
func newIdentity(password string) (identityFile, identity.PrivateKey, error) {
	key, err := identity.GenerateKey()
	if err != nil {
		return identityFile{}, identity.PrivateKey{}, err
	}
	sealed, err := clientcrypto.SealSeed([]byte(password), key.Seed())
	if err != nil {
		return identityFile{}, identity.PrivateKey{}, err
	}
	proc, err := u.NewV4()
	if err != nil {
		return identityFile{}, identity.PrivateKey{}, err
	}
	f := identityFile{
		System:     formatSystem(key.Public()),
		SealedSeed: sealed,
		Process:    proc.Bytes(),
		NextClock:  1,
	}
	return f, key, nil
}

func unlock(f identityFile, password string) (identity.PrivateKey, model.Process, error) {
	seed, err := clientcrypto.OpenSeed([]byte(password), f.SealedSeed)
	if err != nil {
		return identity.PrivateKey{}, model.Process{}, errors.New("wrong password or corrupt identity")
	}
	key, err := identity.PrivateKeyFromSeed(seed)
	if err != nil {
		return identity.PrivateKey{}, model.Process{}, err
	}
	proc, err := model.ProcessFromBytes(f.Process)
	return key, proc, err
}

// ---- encoding helpers ----

func formatSystem(pk identity.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(protocol.EncodePublicKey(pk))
}

func parseSystem(s string) (identity.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return identity.PublicKey{}, fmt.Errorf("system: %w", err)
	}
	pk, err := protocol.DecodePublicKey(raw)
	if err != nil {
		return identity.PublicKey{}, err
	}
	return pk, pk.Valid()
}

func parseTypes(s string) ([]uint64, error) {
	var out []uint64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("content type %q: %w", part, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, errors.New("no content types")
	}
	return out, nil
}

func buildPost(key identity.PrivateKey, proc model.Process, clock uint64, text string, now time.Time) model.SignedEvent {
	ms := uint64(now.UnixMilli())
	return protocol.SignEvent(key, &model.Event{
		System:           key.Public(),
		Process:          proc,
		LogicalClock:     clock,
		ContentType:      model.ContentTypePost,
		Content:          protocol.EncodePost(text),
		UnixMilliseconds: &ms,
	})
}

type eventView struct {
	System      string `json:"system"`
	Process     string `json:"process"`
	Clock       uint64 `json:"clock"`
	ContentType uint64 `json:"content_type"`
	Text        string `json:"text,omitempty"`
}

func viewEvents(events []model.SignedEvent) []eventView {
	out := make([]eventView, 0, len(events))
	for _, se := range events {
		ev := se.Event
		v := eventView{
			System:      formatSystem(ev.System),
			Process:     base64.RawURLEncoding.EncodeToString(ev.Process[:]),
			Clock:       ev.LogicalClock,
			ContentType: ev.ContentType,
		}
		if ev.ContentType == model.ContentTypePost {
			v.Text, _ = protocol.DecodePost(ev.Content)
		}
		out = append(out, v)
	}
	return out
}

// ---- grpc dial ----

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type client struct{ cc *grpc.ClientConn }

func dial(addr, caPath string, skipVerify, plaintext bool) (*client, error) {
	var creds credentials.TransportCredentials
	if plaintext {
		creds = insecure.NewCredentials()
	} else {
		var err error
		if creds, err = loadTLS(caPath, skipVerify); err != nil {
			return nil, err
		}
	}
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(grpcserver.Codec{})),
	)
	if err != nil {
		return nil, err
	}
	return &client{cc: cc}, nil
}

func (c *client) call(ctx context.Context, method string, in, out grpcserver.WireMessage) error {
	return c.cc.Invoke(ctx, grpcserver.Method(method), in, out)
}

func (c *client) Close() error { return c.cc.Close() }

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `polyctl CLI
Usage:
  polyctl -addr HOST:PORT [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
  keygen        -p <password>                 (creates identity, overwrites with -force)
  whoami
  post          -p <password> -text <text>
  head          [-system <b64>]
  latest        [-system <b64>] -types 5,9
  ranges        [-system <b64>]
  explore       [-limit n] [-cursor c]
  search        -q <query> [-limit n]
  claim-handle  -p <password> -handle <name>
  resolve       -handle <name>
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands over a single client connection.
func main() {
	// global flags
	addr := flag.String("addr", "localhost:8443", "server addr")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	skipVerify := flag.Bool("insecure", false, "skip cert verify (dev)")
	plaintext := flag.Bool("plaintext", false, "no TLS (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "version":
		fmt.Printf("polyctl %s (%s)\n", version, buildDate)
		return
	case "keygen":
		cmdKeygen(args)
		return
	case "whoami":
		f, err := loadIdentity()
		if err != nil {
			fail(err)
		}
		fmt.Printf("system=%s process=%s next_clock=%d\n",
			f.System, base64.RawURLEncoding.EncodeToString(f.Process), f.NextClock)
		return
	}

	c, err := dial(*addr, *caPath, *skipVerify, *plaintext)
	if err != nil {
		fail(err)
	}
	defer c.Close()

	switch cmd {
	case "post":
		cmdPost(ctx, c, args)
	case "head":
		cmdHead(ctx, c, args)
	case "latest":
		cmdLatest(ctx, c, args)
	case "ranges":
		cmdRanges(ctx, c, args)
	case "explore":
		cmdExplore(ctx, c, args)
	case "search":
		cmdSearch(ctx, c, args)
	case "claim-handle":
		cmdClaimHandle(ctx, c, args)
	case "resolve":
		cmdResolve(ctx, c, args)
	default:
		usage()
	}
}

// ---- helpers ----

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
