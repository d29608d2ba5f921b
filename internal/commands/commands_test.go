package commands

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/aapid/internal/protocol"
	"github.com/danmuck/aapid/internal/protocol/dispatch"
	"github.com/danmuck/aapid/internal/protocol/frame"
	"github.com/danmuck/aapid/internal/testutil/testlog"
)

func installed(t *testing.T, opts Options) *dispatch.Dispatcher {
	t.Helper()
	b := dispatch.NewBuilder()
	if err := Install(b, opts); err != nil {
		t.Fatalf("install: %v", err)
	}
	return dispatch.NewDispatcher(b.Freeze())
}

func call(t *testing.T, d *dispatch.Dispatcher, tag int32, payload string) (string, error) {
	t.Helper()
	var result frame.Payload
	var length dispatch.ResultLength
	err := d.Execute(context.Background(), tag, frame.Payload{Data: []byte(payload)}, &result, &length)
	if err != nil {
		return "", err
	}
	return string(result.Data[:length.Value()]), nil
}

func codeOf(err error) int32 {
	code, _ := protocol.ResponseCode(err)
	return code
}

func TestEchoVersionAndCatalog(t *testing.T) {
	testlog.Start(t)
	d := installed(t, Options{Version: "1.2.3"})

	if out, err := call(t, d, TagEcho, "PING"); err != nil || out != "PING" {
		t.Fatalf("echo: out=%q err=%v", out, err)
	}
	if out, err := call(t, d, TagVersion, ""); err != nil || out != "aapid/1.2.3 protocol=1" {
		t.Fatalf("version: out=%q err=%v", out, err)
	}
	out, err := call(t, d, TagCommands, "")
	if err != nil {
		t.Fatalf("commands: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != len(Names()) || lines[0] != "1 version" || lines[2] != "7 echo" {
		t.Fatalf("unexpected catalog:\n%s", out)
	}
}

func TestKVLifecycle(t *testing.T) {
	testlog.Start(t)
	d := installed(t, Options{})

	if out, err := call(t, d, TagKVPut, "alpha=1"); err != nil || out != "ok" {
		t.Fatalf("put: out=%q err=%v", out, err)
	}
	_, _ = call(t, d, TagKVPut, "alpine=x=y")
	_, _ = call(t, d, TagKVPut, "beta=2")

	if out, err := call(t, d, TagKVGet, "alpine"); err != nil || out != "x=y" {
		t.Fatalf("get: out=%q err=%v", out, err)
	}
	if out, err := call(t, d, TagKVList, "al"); err != nil || out != "alpha\nalpine" {
		t.Fatalf("list: out=%q err=%v", out, err)
	}
	if _, err := call(t, d, TagKVDelete, "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := call(t, d, TagKVGet, "alpha"); codeOf(err) != protocol.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestKVBadRequests(t *testing.T) {
	testlog.Start(t)
	d := installed(t, Options{})
	cases := []struct {
		tag     int32
		payload string
	}{
		{TagKVPut, "novalue"},
		{TagKVPut, "=v"},
		{TagKVGet, "  "},
		{TagKVDelete, ""},
	}
	for _, tc := range cases {
		_, err := call(t, d, tc.tag, tc.payload)
		if codeOf(err) != protocol.CodeBadRequest {
			t.Fatalf("tag %d payload %q: expected bad request, got %v", tc.tag, tc.payload, err)
		}
	}
}

func TestInstallEnabledSubset(t *testing.T) {
	testlog.Start(t)
	d := installed(t, Options{Enabled: []string{"version", "kv"}})
	if d.Registry().Len() != 6 {
		t.Fatalf("expected version, echo and four kv commands, got %d", d.Registry().Len())
	}
	_, err := call(t, d, TagCommands, "")
	if !errors.Is(err, protocol.ErrCommandNotImplemented) {
		t.Fatalf("commands should be disabled, got %v", err)
	}

	b := dispatch.NewBuilder()
	if err := Install(b, Options{Enabled: []string{"nope"}}); err == nil {
		t.Fatalf("expected unknown command error")
	}
}
