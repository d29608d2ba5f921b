package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/danmuck/aapid/internal/protocol"
	"github.com/danmuck/aapid/internal/protocol/frame"
	"github.com/danmuck/aapid/internal/testutil/testlog"
)

func echo(_ context.Context, req frame.Payload, result *frame.Payload, length *ResultLength) error {
	Reply(result, length, req.Data)
	return nil
}

func failing(code int32, msg string) HandlerFunc {
	return func(context.Context, frame.Payload, *frame.Payload, *ResultLength) error {
		return &protocol.ExecutionError{Code: code, Message: msg}
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	b := NewBuilder()
	if err := b.RegisterFunc(CommandInfo{Tag: 7, Name: "echo"}, echo); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	if err := b.Register(CommandInfo{Tag: 9, Name: "fail"}, failing(42, "boom")); err != nil {
		t.Fatalf("register fail: %v", err)
	}
	return b.Freeze()
}

func TestExecuteSuccessFillsResultInPlace(t *testing.T) {
	testlog.Start(t)
	d := NewDispatcher(newTestRegistry(t))
	var result frame.Payload
	var length ResultLength
	if err := d.Execute(context.Background(), 7, frame.Payload{Data: []byte("PING")}, &result, &length); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(result.Data) != "PING" || length.Value() != 4 {
		t.Fatalf("unexpected result %q len=%d", result.Data, length.Value())
	}
}

func TestExecuteUnknownTagIsNotImplemented(t *testing.T) {
	testlog.Start(t)
	d := NewDispatcher(newTestRegistry(t))
	for _, tag := range []int32{0, 8, -1, 1 << 30} {
		var result frame.Payload
		var length ResultLength
		err := d.Execute(context.Background(), tag, frame.Payload{}, &result, &length)
		if !errors.Is(err, protocol.ErrCommandNotImplemented) {
			t.Fatalf("tag %d: expected not implemented, got %v", tag, err)
		}
		var execErr *protocol.ExecutionError
		if errors.As(err, &execErr) {
			t.Fatalf("tag %d: not implemented must not be an execution error", tag)
		}
		if code, _ := protocol.ResponseCode(err); code != protocol.CodeBadCommand {
			t.Fatalf("tag %d: code=%d", tag, code)
		}
	}
}

func TestExecuteHandlerErrorKeepsCode(t *testing.T) {
	testlog.Start(t)
	d := NewDispatcher(newTestRegistry(t))
	var result frame.Payload
	var length ResultLength
	err := d.Execute(context.Background(), 9, frame.Payload{}, &result, &length)
	var execErr *protocol.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected execution error, got %v", err)
	}
	if execErr.Code != 42 || execErr.Message != "boom" {
		t.Fatalf("unexpected execution error %+v", execErr)
	}
}

func TestExecuteUntypedErrorAndPanicBecomeInternal(t *testing.T) {
	testlog.Start(t)
	b := NewBuilder()
	_ = b.RegisterFunc(CommandInfo{Tag: 1, Name: "plain"}, func(context.Context, frame.Payload, *frame.Payload, *ResultLength) error {
		return fmt.Errorf("disk gone")
	})
	_ = b.RegisterFunc(CommandInfo{Tag: 2, Name: "panics"}, func(context.Context, frame.Payload, *frame.Payload, *ResultLength) error {
		panic("nil map")
	})
	d := NewDispatcher(b.Freeze())
	for _, tag := range []int32{1, 2} {
		var result frame.Payload
		var length ResultLength
		err := d.Execute(context.Background(), tag, frame.Payload{}, &result, &length)
		code, msg := protocol.ResponseCode(err)
		if code != protocol.CodeInternal || msg == "" {
			t.Fatalf("tag %d: code=%d msg=%q", tag, code, msg)
		}
	}
}

func TestBuilderRejectsBadRegistrations(t *testing.T) {
	testlog.Start(t)
	b := NewBuilder()
	if err := b.RegisterFunc(CommandInfo{Tag: 7, Name: "echo"}, echo); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.RegisterFunc(CommandInfo{Tag: 7, Name: "echo2"}, echo); !errors.Is(err, ErrTagExists) {
		t.Fatalf("expected ErrTagExists, got %v", err)
	}
	if err := b.Register(CommandInfo{Tag: 8, Name: "nil"}, nil); !errors.Is(err, ErrHandlerNil) {
		t.Fatalf("expected ErrHandlerNil, got %v", err)
	}
	for _, name := range []string{"", "Echo", ".echo", "kv..put", "kv.put."} {
		err := b.RegisterFunc(CommandInfo{Tag: 10, Name: name}, echo)
		if !errors.Is(err, ErrInvalidCommand) {
			t.Fatalf("name %q: expected ErrInvalidCommand, got %v", name, err)
		}
	}
}

func TestFreezeIsolatesRegistry(t *testing.T) {
	testlog.Start(t)
	b := NewBuilder()
	_ = b.RegisterFunc(CommandInfo{Tag: 3, Name: "c"}, echo)
	_ = b.RegisterFunc(CommandInfo{Tag: 1, Name: "a"}, echo)
	reg := b.Freeze()
	if err := b.RegisterFunc(CommandInfo{Tag: 2, Name: "b"}, echo); !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("len=%d", reg.Len())
	}
	got := []int32{}
	for _, info := range reg.List() {
		got = append(got, info.Tag)
	}
	if !reflect.DeepEqual(got, []int32{1, 3}) {
		t.Fatalf("list not sorted: %v", got)
	}
	if !reflect.DeepEqual(b.List(), reg.List()) {
		t.Fatalf("builder and registry catalogs diverged")
	}
}

func TestRegistryConcurrentLookups(t *testing.T) {
	testlog.Start(t)
	d := NewDispatcher(newTestRegistry(t))
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var result frame.Payload
			var length ResultLength
			msg := []byte(fmt.Sprintf("msg-%d", i))
			if err := d.Execute(context.Background(), 7, frame.Payload{Data: msg}, &result, &length); err != nil {
				errs <- err
				return
			}
			if string(result.Data) != string(msg) {
				errs <- fmt.Errorf("got %q want %q", result.Data, msg)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestRegistryInfo(t *testing.T) {
	testlog.Start(t)
	reg := newTestRegistry(t)
	info, ok := reg.Info(9)
	if !ok || info.Tag != 9 || info.Name != "fail" {
		t.Fatalf("unexpected info %+v ok=%v", info, ok)
	}
	if _, ok := reg.Info(8); ok {
		t.Fatalf("expected no info for unregistered tag")
	}
	var nilReg *Registry
	if _, ok := nilReg.Info(7); ok {
		t.Fatalf("nil registry should report no info")
	}
}
