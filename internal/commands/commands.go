package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/aapid/internal/protocol/dispatch"
	"github.com/danmuck/aapid/internal/protocol/frame"
)

// Built-in command tags.
const (
	TagVersion  int32 = 1
	TagCommands int32 = 2
	TagEcho     int32 = 7
	TagKVPut    int32 = 20
	TagKVGet    int32 = 21
	TagKVDelete int32 = 22
	TagKVList   int32 = 23
)

// Options selects and parameterizes built-in commands.
type Options struct {
	Version string
	// Enabled lists command names to install. Empty installs everything.
	// Echo is always installed.
	Enabled []string
}

type builtin struct {
	info    dispatch.CommandInfo
	handler dispatch.Handler
}

// Install registers the built-in commands on b.
func Install(b *dispatch.Builder, opts Options) error {
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}
	store := NewStore()
	all := []builtin{
		{
			info:    dispatch.CommandInfo{Tag: TagVersion, Name: "version", Description: "server and protocol version"},
			handler: versionHandler(version),
		},
		{
			info:    dispatch.CommandInfo{Tag: TagCommands, Name: "commands", Description: "list registered commands"},
			handler: catalogHandler(b),
		},
		{
			info:    dispatch.CommandInfo{Tag: TagEcho, Name: "echo", Description: "return the request payload unchanged"},
			handler: dispatch.HandlerFunc(echo),
		},
		{
			info:    dispatch.CommandInfo{Tag: TagKVPut, Name: "kv.put", Description: "store key=value"},
			handler: dispatch.HandlerFunc(store.put),
		},
		{
			info:    dispatch.CommandInfo{Tag: TagKVGet, Name: "kv.get", Description: "get value by key"},
			handler: dispatch.HandlerFunc(store.get),
		},
		{
			info:    dispatch.CommandInfo{Tag: TagKVDelete, Name: "kv.delete", Description: "delete key"},
			handler: dispatch.HandlerFunc(store.delete),
		},
		{
			info:    dispatch.CommandInfo{Tag: TagKVList, Name: "kv.list", Description: "list keys with an optional prefix"},
			handler: dispatch.HandlerFunc(store.list),
		},
	}

	enabled, err := enabledSet(opts.Enabled, all)
	if err != nil {
		return err
	}
	for _, cmd := range all {
		if !enabled[cmd.info.Name] {
			continue
		}
		if err := b.Register(cmd.info, cmd.handler); err != nil {
			return fmt.Errorf("commands: install %s: %w", cmd.info.Name, err)
		}
	}
	return nil
}

// Names returns every built-in command name in tag order.
func Names() []string {
	return []string{"version", "commands", "echo", "kv.put", "kv.get", "kv.delete", "kv.list"}
}

func enabledSet(names []string, all []builtin) (map[string]bool, error) {
	out := make(map[string]bool, len(all))
	if len(names) == 0 {
		for _, cmd := range all {
			out[cmd.info.Name] = true
		}
		return out, nil
	}
	known := make(map[string]bool, len(all))
	for _, cmd := range all {
		known[cmd.info.Name] = true
	}
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		// "kv" enables the whole key/value family.
		if name == "kv" {
			for _, cmd := range all {
				if strings.HasPrefix(cmd.info.Name, "kv.") {
					out[cmd.info.Name] = true
				}
			}
			continue
		}
		if !known[name] {
			return nil, fmt.Errorf("commands: unknown command %q", name)
		}
		out[name] = true
	}
	out["echo"] = true
	return out, nil
}

func echo(_ context.Context, req frame.Payload, result *frame.Payload, length *dispatch.ResultLength) error {
	data := make([]byte, len(req.Data))
	copy(data, req.Data)
	dispatch.Reply(result, length, data)
	return nil
}

func versionHandler(version string) dispatch.HandlerFunc {
	reply := []byte(fmt.Sprintf("aapid/%s protocol=%d", version, frame.Version))
	return func(_ context.Context, _ frame.Payload, result *frame.Payload, length *dispatch.ResultLength) error {
		dispatch.Reply(result, length, reply)
		return nil
	}
}

func catalogHandler(l dispatch.Lister) dispatch.HandlerFunc {
	return func(_ context.Context, _ frame.Payload, result *frame.Payload, length *dispatch.ResultLength) error {
		var sb strings.Builder
		for _, info := range l.List() {
			fmt.Fprintf(&sb, "%d %s\n", info.Tag, info.Name)
		}
		dispatch.Reply(result, length, []byte(sb.String()))
		return nil
	}
}
