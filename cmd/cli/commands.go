package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/protocol"
)

func need(ok bool, msg string) {
	if !ok {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}
}

func cmdKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	p := fs.String("p", "", "password")
	force := fs.Bool("force", false, "overwrite an existing identity")
	_ = fs.Parse(args)
	need(*p != "", "need -p")

	if _, err := loadIdentity(); err == nil && !*force {
		fail(fmt.Errorf("identity exists at %s (use -force)", identityPath()))
	}
	f, key, err := newIdentity(*p)
	if err != nil {
		fail(err)
	}
	if err := saveIdentity(f); err != nil {
		fail(err)
	}
	fmt.Println(formatSystem(key.Public()))
}

// systemArg resolves -system, falling back to the stored identity's key.
func systemArg(fs *flag.FlagSet, args []string, extra func()) identity.PublicKey {
	sys := fs.String("system", "", "system key (base64); default is the local identity")
	if extra != nil {
		extra()
	}
	_ = fs.Parse(args)
	if *sys == "" {
		f, err := loadIdentity()
		if err != nil {
			fail(err)
		}
		*sys = f.System
	}
	pk, err := parseSystem(*sys)
	if err != nil {
		fail(err)
	}
	return pk
}

func cmdPost(ctx context.Context, c *client, args []string) {
	fs := flag.NewFlagSet("post", flag.ExitOnError)
	p := fs.String("p", "", "password")
	text := fs.String("text", "", "post body")
	_ = fs.Parse(args)
	need(*text != "", "need -text")

	f, err := loadIdentity()
	if err != nil {
		fail(err)
	}
	key, proc, err := unlock(f, *p)
	if err != nil {
		fail(err)
	}
	se := buildPost(key, proc, f.NextClock, *text, time.Now())
	in := &protocol.RawEventsMessage{Events: [][]byte{protocol.EncodeSignedEvent(se)}}
	if err := c.call(ctx, "SubmitEvents", in, &protocol.Empty{}); err != nil {
		fail(err)
	}
	f.NextClock++
	if err := saveIdentity(f); err != nil {
		fail(err)
	}
	printJSON(viewEvents([]model.SignedEvent{se}))
}

func cmdHead(ctx context.Context, c *client, args []string) {
	system := systemArg(flag.NewFlagSet("head", flag.ExitOnError), args, nil)
	out := &protocol.EventsMessage{}
	if err := c.call(ctx, "Head", &protocol.SystemRequest{System: system}, out); err != nil {
		fail(err)
	}
	printJSON(viewEvents(out.Events))
}

func cmdLatest(ctx context.Context, c *client, args []string) {
	fs := flag.NewFlagSet("latest", flag.ExitOnError)
	var types *string
	system := systemArg(fs, args, func() { types = fs.String("types", "5,6,9", "content types") })
	cts, err := parseTypes(*types)
	if err != nil {
		fail(err)
	}
	out := &protocol.EventsMessage{}
	if err := c.call(ctx, "QueryLatest", &protocol.LatestRequest{System: system, ContentTypes: cts}, out); err != nil {
		fail(err)
	}
	printJSON(viewEvents(out.Events))
}

func cmdRanges(ctx context.Context, c *client, args []string) {
	system := systemArg(flag.NewFlagSet("ranges", flag.ExitOnError), args, nil)
	out := &protocol.RangesResponse{}
	if err := c.call(ctx, "KnownRanges", &protocol.SystemRequest{System: system}, out); err != nil {
		fail(err)
	}
	printJSON(out.Ranges)
}

func cmdExplore(ctx context.Context, c *client, args []string) {
	fs := flag.NewFlagSet("explore", flag.ExitOnError)
	limit := fs.Uint64("limit", 10, "page size")
	cur := fs.String("cursor", "", "cursor from a previous page")
	_ = fs.Parse(args)

	out := &protocol.ExploreResponse{}
	if err := c.call(ctx, "Explore", &protocol.ExploreRequest{Cursor: *cur, Limit: *limit}, out); err != nil {
		fail(err)
	}
	printJSON(struct {
		Events []eventView `json:"events"`
		Cursor string      `json:"cursor,omitempty"`
	}{viewEvents(out.Events), out.Cursor})
}

func cmdSearch(ctx context.Context, c *client, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	q := fs.String("q", "", "query")
	limit := fs.Uint64("limit", 10, "max results")
	_ = fs.Parse(args)
	need(*q != "", "need -q")

	out := &protocol.SearchResponse{}
	if err := c.call(ctx, "Search", &protocol.SearchRequest{Query: *q, Limit: *limit}, out); err != nil {
		fail(err)
	}
	printJSON(out.IDs)
}

func cmdClaimHandle(ctx context.Context, c *client, args []string) {
	fs := flag.NewFlagSet("claim-handle", flag.ExitOnError)
	p := fs.String("p", "", "password")
	handle := fs.String("handle", "", "handle to claim")
	_ = fs.Parse(args)
	need(*handle != "", "need -handle")

	f, err := loadIdentity()
	if err != nil {
		fail(err)
	}
	key, _, err := unlock(f, *p)
	if err != nil {
		fail(err)
	}
	ch := &protocol.ChallengeResponse{}
	if err := c.call(ctx, "RequestChallenge", &protocol.Empty{}, ch); err != nil {
		fail(err)
	}
	req := &protocol.ClaimHandleRequest{
		System:    key.Public(),
		Handle:    *handle,
		Challenge: ch.Body,
		Signature: key.Sign(protocol.ChallengeMessage(ch.Body, *handle)),
	}
	if err := c.call(ctx, "ClaimHandle", req, &protocol.Empty{}); err != nil {
		fail(err)
	}
	fmt.Println("ok")
}

func cmdResolve(ctx context.Context, c *client, args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	handle := fs.String("handle", "", "handle")
	_ = fs.Parse(args)
	need(*handle != "", "need -handle")

	out := &protocol.PublicKeyMessage{}
	if err := c.call(ctx, "ResolveHandle", &protocol.HandleRequest{Handle: *handle}, out); err != nil {
		fail(err)
	}
	if !out.Found() {
		fmt.Println("not claimed")
		return
	}
	fmt.Println(formatSystem(out.System))
}
