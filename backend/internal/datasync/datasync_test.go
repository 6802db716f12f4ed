package datasync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/shridhar2011/mixer/backend/internal/codec"
	"github.com/shridhar2011/mixer/backend/internal/mirror"
	"github.com/shridhar2011/mixer/backend/internal/proxy"
	"github.com/shridhar2011/mixer/backend/internal/transport"
	"github.com/shridhar2011/mixer/backend/internal/wire"
)

type harness struct {
	sc    *SyncContext
	cap   *Capability
	store *mirror.MemoryStore
	rec   *transport.Recorder
	dirty *DirtyFlag
	logs  *bytes.Buffer
}

func newHarness(enabled bool) *harness {
	h := &harness{
		cap:   NewCapability(enabled),
		store: mirror.NewMemoryStore(),
		rec:   transport.NewRecorder(),
		dirty: NewDirtyFlag(),
		logs:  &bytes.Buffer{},
	}
	h.sc = &SyncContext{
		Enabled:   h.cap.Enabled,
		Store:     h.store,
		Transport: h.rec,
		Codec:     codec.NewJSONCodec(),
		Dirty:     h.dirty,
		Logger:    slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	return h
}

func updatePayload(t *testing.T, s *proxy.Snapshot) []byte {
	t.Helper()
	b, err := codec.NewJSONCodec().Encode(s)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return wire.EncodeUpdate(b)
}

func removals(t *testing.T, cmds []wire.Command) []wire.Removal {
	t.Helper()
	out := make([]wire.Removal, 0, len(cmds))
	for _, cmd := range cmds {
		if cmd.Type != wire.MessageDataRemove {
			t.Fatalf("command type = %s, want DATA_REMOVE", cmd.Type)
		}
		r, err := wire.DecodeRemoval(cmd.Payload)
		if err != nil {
			t.Fatalf("DecodeRemoval() error = %v", err)
		}
		out = append(out, r)
	}
	return out
}

func updateKeys(t *testing.T, cmds []wire.Command) []string {
	t.Helper()
	c := codec.NewJSONCodec()
	out := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		payload, err := wire.DecodeUpdate(cmd.Payload)
		if err != nil {
			t.Fatalf("DecodeUpdate() error = %v", err)
		}
		s, err := c.Decode(payload)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		out = append(out, *s.Path[1])
	}
	return out
}

func TestDisabledCapability_NoEffects(t *testing.T) {
	h := newHarness(false)
	ctx := context.Background()
	a, b := NewApplier(h.sc), NewBatcher(h.sc)

	a.ApplyUpdate(ctx, updatePayload(t, proxy.New("objects", "Cube", nil)))
	a.ApplyRemoval(ctx, wire.EncodeRemoval(wire.Removal{Collection: "objects", Key: "Cube"}))
	a.Apply(ctx, wire.Command{Type: wire.MessageDataUpdate, Payload: updatePayload(t, proxy.New("objects", "Sphere", nil))})
	if n := b.SendUpdates(ctx, []*proxy.Snapshot{proxy.New("objects", "Cube", nil)}); n != 0 {
		t.Fatalf("SendUpdates() = %d, want 0", n)
	}
	if n := b.SendRemovals(ctx, []wire.Removal{{Collection: "objects", Key: "Cube"}}); n != 0 {
		t.Fatalf("SendRemovals() = %d, want 0", n)
	}

	if cols, _ := h.store.Collections(ctx); len(cols) != 0 {
		t.Fatalf("Collections() = %v, want none", cols)
	}
	if n := len(h.rec.Commands()); n != 0 {
		t.Fatalf("commands = %d, want 0", n)
	}
	if g := h.dirty.Generation(); g != 0 {
		t.Fatalf("Generation() = %d, want 0", g)
	}
}

func TestApplyUpdate_CreatesThenOverwrites(t *testing.T) {
	h := newHarness(true)
	ctx := context.Background()
	a := NewApplier(h.sc)

	s := proxy.New("objects", "Cube", map[string]any{"size": 1.0})
	a.ApplyUpdate(ctx, updatePayload(t, s))
	got, err := h.store.Get(ctx, "objects", "Cube")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Fields["size"] != 1.0 || got.UUID != s.UUID {
		t.Fatalf("Get() = %+v, want size 1 uuid %s", got, s.UUID)
	}

	s2 := proxy.New("objects", "Cube", map[string]any{"size": 2.0})
	a.ApplyUpdate(ctx, updatePayload(t, s2))
	got, _ = h.store.Get(ctx, "objects", "Cube")
	if got.Fields["size"] != 2.0 {
		t.Fatalf("size = %v, want 2", got.Fields["size"])
	}
	if g := h.dirty.Generation(); g != 2 {
		t.Fatalf("Generation() = %d, want 2", g)
	}
	if !strings.Contains(h.logs.String(), s2.UUID) {
		t.Fatalf("apply log does not mention uuid %s", s2.UUID)
	}
}

func TestApplyUpdate_Idempotent(t *testing.T) {
	h := newHarness(true)
	ctx := context.Background()
	a := NewApplier(h.sc)
	raw := updatePayload(t, proxy.New("objects", "Cube", map[string]any{"size": 1.0}))

	a.ApplyUpdate(ctx, raw)
	once, _ := h.store.List(ctx, "objects")
	a.ApplyUpdate(ctx, raw)
	twice, _ := h.store.List(ctx, "objects")

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("state after second apply = %+v, want %+v", twice, once)
	}
	if len(twice) != 1 {
		t.Fatalf("len(List()) = %d, want 1", len(twice))
	}
}

func TestApplyRemoval(t *testing.T) {
	h := newHarness(true)
	ctx := context.Background()
	a := NewApplier(h.sc)

	// 不存在的 key：空操作
	a.ApplyRemoval(ctx, wire.EncodeRemoval(wire.Removal{Collection: "objects", Key: "Ghost"}))
	if cols, _ := h.store.Collections(ctx); len(cols) != 0 {
		t.Fatalf("Collections() = %v, want none", cols)
	}

	a.ApplyUpdate(ctx, updatePayload(t, proxy.New("objects", "Cube", nil)))
	a.ApplyRemoval(ctx, wire.EncodeRemoval(wire.Removal{Collection: "objects", Key: "Cube"}))
	if _, err := h.store.Get(ctx, "objects", "Cube"); !errors.Is(err, mirror.ErrNotFound) {
		t.Fatalf("Get() after removal error = %v, want ErrNotFound", err)
	}
}

func TestApplyRemoval_Truncated(t *testing.T) {
	h := newHarness(true)
	a := NewApplier(h.sc)
	raw := wire.EncodeRemoval(wire.Removal{Collection: "objects", Key: "Cube"})

	a.ApplyRemoval(context.Background(), raw[:len(raw)-2])
	if !strings.Contains(h.logs.String(), "apply removal failed") {
		t.Fatalf("logs = %s, want removal failure", h.logs.String())
	}
	if g := h.dirty.Generation(); g != 0 {
		t.Fatalf("Generation() = %d, want 0", g)
	}
}

func TestApplyUpdate_NullPath(t *testing.T) {
	h := newHarness(true)
	ctx := context.Background()
	a := NewApplier(h.sc)

	s := &proxy.Snapshot{UUID: "u-1", Fields: map[string]any{"name": "orphan"}}
	a.ApplyUpdate(ctx, updatePayload(t, s))

	if cols, _ := h.store.Collections(ctx); len(cols) != 0 {
		t.Fatalf("Collections() = %v, want none", cols)
	}
	logs := h.logs.String()
	if strings.Count(logs, "identity path is missing") != 1 {
		t.Fatalf("logs = %s, want one missing path diagnostic", logs)
	}
	if !strings.Contains(logs, "[collection, key]") {
		t.Fatalf("logs = %s, want expected shape", logs)
	}
}

func TestApplyUpdate_RejectsBadPaths(t *testing.T) {
	tests := []struct {
		name string
		path proxy.Path
		want string
	}{
		{"null collection", proxy.Path{nil, proxy.Seg("Cube")}, "invalid identity path"},
		{"null key", proxy.Path{proxy.Seg("objects"), nil}, "invalid identity path"},
		{"one segment", proxy.NewPath("objects"), "invalid identity path"},
		{"nested tail", proxy.NewPath("objects", "Cube", "modifiers"), "non empty tail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(true)
			ctx := context.Background()
			NewApplier(h.sc).ApplyUpdate(ctx, updatePayload(t, &proxy.Snapshot{Path: tt.path}))
			if cols, _ := h.store.Collections(ctx); len(cols) != 0 {
				t.Fatalf("Collections() = %v, want none", cols)
			}
			if !strings.Contains(h.logs.String(), tt.want) {
				t.Fatalf("logs = %s, want %q", h.logs.String(), tt.want)
			}
		})
	}
}

func TestApplyUpdate_CorruptedPayloadLogsHeadAndTail(t *testing.T) {
	h := newHarness(true)
	ctx := context.Background()
	a := NewApplier(h.sc)

	payload := []byte(strings.Repeat("A", 300) + strings.Repeat("x", 500) + strings.Repeat("Z", 300))
	a.ApplyUpdate(ctx, wire.EncodeUpdate(payload))

	logs := h.logs.String()
	if !strings.Contains(logs, strings.Repeat("A", 200)) || strings.Contains(logs, strings.Repeat("A", 201)) {
		t.Fatalf("logs do not carry a 200 byte head: %s", logs)
	}
	if !strings.Contains(logs, strings.Repeat("Z", 200)) || strings.Contains(logs, strings.Repeat("Z", 201)) {
		t.Fatalf("logs do not carry a 200 byte tail: %s", logs)
	}
	if strings.Contains(logs, strings.Repeat("x", 10)) {
		t.Fatalf("logs carry the middle of the payload: %s", logs)
	}
	if !strings.Contains(logs, "<unknown> was ignored") {
		t.Fatalf("logs = %s, want ignored target", logs)
	}
	if cols, _ := h.store.Collections(ctx); len(cols) != 0 {
		t.Fatalf("Collections() = %v, want none", cols)
	}
}

func TestApplyUpdate_DecodeFailureKeepsBestEffortPath(t *testing.T) {
	h := newHarness(true)
	a := NewApplier(h.sc)

	// path 可读，fields 类型错误
	a.ApplyUpdate(context.Background(), wire.EncodeUpdate([]byte(`{"path":["objects","Cube"],"fields":7}`)))
	if !strings.Contains(h.logs.String(), "objects[Cube] was ignored") {
		t.Fatalf("logs = %s, want best effort target", h.logs.String())
	}
}

func TestApplyUpdate_ShortEnvelope(t *testing.T) {
	h := newHarness(true)
	NewApplier(h.sc).ApplyUpdate(context.Background(), []byte{0x01, 0x00})
	if !strings.Contains(h.logs.String(), "apply update failed") {
		t.Fatalf("logs = %s, want failure", h.logs.String())
	}
}

type panicStore struct{}

func (panicStore) UpdateOne(ctx context.Context, s *proxy.Snapshot) error { panic("boom") }
func (panicStore) RemoveOne(ctx context.Context, collection, key string) error {
	panic("boom")
}

func TestApply_RecoversFromPanics(t *testing.T) {
	h := newHarness(true)
	h.sc.Store = panicStore{}
	a := NewApplier(h.sc)
	ctx := context.Background()

	a.ApplyUpdate(ctx, updatePayload(t, proxy.New("objects", "Cube", nil)))
	a.ApplyRemoval(ctx, wire.EncodeRemoval(wire.Removal{Collection: "objects", Key: "Cube"}))

	if c := strings.Count(h.logs.String(), "panic: boom"); c != 2 {
		t.Fatalf("panic logs = %d, want 2 (%s)", c, h.logs.String())
	}
	if g := h.dirty.Generation(); g != 0 {
		t.Fatalf("Generation() = %d, want 0", g)
	}
}

func TestApply_DispatchesByType(t *testing.T) {
	h := newHarness(true)
	a := NewApplier(h.sc)
	ctx := context.Background()

	a.Apply(ctx, wire.Command{Type: wire.MessageDataUpdate, Payload: updatePayload(t, proxy.New("objects", "Cube", nil))})
	if _, err := h.store.Get(ctx, "objects", "Cube"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	a.Apply(ctx, wire.Command{Type: wire.MessageDataRemove, Payload: wire.EncodeRemoval(wire.Removal{Collection: "objects", Key: "Cube"})})
	if _, err := h.store.Get(ctx, "objects", "Cube"); !errors.Is(err, mirror.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	a.Apply(ctx, wire.Command{Type: wire.MessageType(99)})
	if !strings.Contains(h.logs.String(), "ignore command") {
		t.Fatalf("logs = %s, want ignored command", h.logs.String())
	}
}

func TestSendRemovals_Order(t *testing.T) {
	h := newHarness(true)
	b := NewBatcher(h.sc)
	in := []wire.Removal{
		{Collection: "objects", Key: "Cube"},
		{Collection: "objects", Key: "Sphere"},
		{Collection: "materials", Key: "Steel"},
	}
	if n := b.SendRemovals(context.Background(), in); n != 3 {
		t.Fatalf("SendRemovals() = %d, want 3", n)
	}
	cmds := h.rec.Commands()
	if got := removals(t, cmds); !reflect.DeepEqual(got, in) {
		t.Fatalf("removals = %+v, want %+v", got, in)
	}
	for i, cmd := range cmds {
		if cmd.SequenceHint != int64(i+1) {
			t.Fatalf("cmds[%d].SequenceHint = %d, want %d", i, cmd.SequenceHint, i+1)
		}
	}
}

func TestSendUpdates_SkipsInvalidItems(t *testing.T) {
	h := newHarness(true)
	b := NewBatcher(h.sc)
	in := []*proxy.Snapshot{
		proxy.New("objects", "Cube", nil),
		{Path: proxy.NewPath("objects")},
		proxy.New("objects", "Sphere", nil),
		{Path: proxy.NewPath("objects", "Cone", "tail")},
		proxy.New("objects", "Torus", nil),
	}
	if n := b.SendUpdates(context.Background(), in); n != 3 {
		t.Fatalf("SendUpdates() = %d, want 3", n)
	}
	got := updateKeys(t, h.rec.Commands())
	want := []string{"Cube", "Sphere", "Torus"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sent keys = %v, want %v", got, want)
	}
}

func TestSendUpdates_Empty(t *testing.T) {
	h := newHarness(true)
	if n := NewBatcher(h.sc).SendUpdates(context.Background(), nil); n != 0 {
		t.Fatalf("SendUpdates(nil) = %d, want 0", n)
	}
	if n := len(h.rec.Commands()); n != 0 {
		t.Fatalf("commands = %d, want 0", n)
	}
}

type failingCodec struct {
	codec.Codec
	bad string
}

func (f failingCodec) Encode(s *proxy.Snapshot) ([]byte, error) {
	if *s.Path[1] == f.bad {
		return nil, codec.ErrEncode
	}
	return f.Codec.Encode(s)
}

func TestSendUpdates_EncodeFailureSkipsItem(t *testing.T) {
	h := newHarness(true)
	h.sc.Codec = failingCodec{Codec: codec.NewJSONCodec(), bad: "Sphere"}
	b := NewBatcher(h.sc)

	in := []*proxy.Snapshot{
		proxy.New("objects", "Cube", nil),
		proxy.New("objects", "Sphere", nil),
		proxy.New("objects", "Torus", nil),
	}
	if n := b.SendUpdates(context.Background(), in); n != 2 {
		t.Fatalf("SendUpdates() = %d, want 2", n)
	}
	if got := updateKeys(t, h.rec.Commands()); !reflect.DeepEqual(got, []string{"Cube", "Torus"}) {
		t.Fatalf("sent keys = %v, want [Cube Torus]", got)
	}
	if !strings.Contains(h.logs.String(), "encode failed") {
		t.Fatalf("logs = %s, want encode failure", h.logs.String())
	}
}

func TestSend_TransportErrorsDoNotAbortBatch(t *testing.T) {
	h := newHarness(true)
	calls := 0
	var sent []wire.Command
	h.sc.Transport = transport.Func(func(ctx context.Context, cmd wire.Command) error {
		calls++
		if calls == 1 {
			return transport.ErrQueueFull
		}
		if calls == 2 {
			panic("transport down")
		}
		sent = append(sent, cmd)
		return nil
	})
	b := NewBatcher(h.sc)
	in := []wire.Removal{
		{Collection: "objects", Key: "a"},
		{Collection: "objects", Key: "b"},
		{Collection: "objects", Key: "c"},
	}
	if n := b.SendRemovals(context.Background(), in); n != 1 {
		t.Fatalf("SendRemovals() = %d, want 1", n)
	}
	if got := removals(t, sent); len(got) != 1 || got[0].Key != "c" {
		t.Fatalf("sent = %+v, want only c", got)
	}
}

func TestRoundTrip_BatcherToApplier(t *testing.T) {
	sender := newHarness(true)
	receiver := newHarness(true)
	ctx := context.Background()
	b := NewBatcher(sender.sc)
	a := NewApplier(receiver.sc)

	b.SendUpdates(ctx, []*proxy.Snapshot{
		proxy.New("objects", "Cube", map[string]any{"size": 1.0}),
		proxy.New("objects", "Sphere", nil),
	})
	b.SendRemovals(ctx, []wire.Removal{{Collection: "objects", Key: "Cube"}})

	for _, cmd := range sender.rec.Commands() {
		frame, err := cmd.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary() error = %v", err)
		}
		got, err := wire.UnmarshalCommand(frame)
		if err != nil {
			t.Fatalf("UnmarshalCommand() error = %v", err)
		}
		a.Apply(ctx, got)
	}

	items, _ := receiver.store.List(ctx, "objects")
	if len(items) != 1 || *items[0].Path[1] != "Sphere" {
		t.Fatalf("List() = %+v, want only Sphere", items)
	}
}

func TestDirtyFlag_Observers(t *testing.T) {
	d := NewDirtyFlag()
	var seen []uint64
	d.OnDirty(func(g uint64) { seen = append(seen, g) })
	d.OnDirty(func(g uint64) { seen = append(seen, g*10) })
	d.MarkDirty()
	d.MarkDirty()
	if want := []uint64{1, 10, 2, 20}; !reflect.DeepEqual(seen, want) {
		t.Fatalf("observer calls = %v, want %v", seen, want)
	}
}

func TestDirtyFlag_Restore(t *testing.T) {
	d := NewDirtyFlag()
	called := 0
	d.OnDirty(func(uint64) { called++ })

	d.Restore(7)
	if got := d.Generation(); got != 7 {
		t.Fatalf("Generation() after Restore(7) = %d, want 7", got)
	}
	// 不会回退
	d.Restore(3)
	if got := d.Generation(); got != 7 {
		t.Fatalf("Generation() after Restore(3) = %d, want 7", got)
	}
	if called != 0 {
		t.Fatalf("observers called %d times by Restore, want 0", called)
	}
	d.MarkDirty()
	if got := d.Generation(); got != 8 {
		t.Fatalf("Generation() after MarkDirty = %d, want 8", got)
	}
}

func TestCapability_Toggle(t *testing.T) {
	c := NewCapability(false)
	if c.Enabled() {
		t.Fatalf("Enabled() = true, want false")
	}
	c.Set(true)
	if !c.Enabled() {
		t.Fatalf("Enabled() = false after Set(true)")
	}
}

func TestFailureContext(t *testing.T) {
	fc := &FailureContext{Raw: []byte(strings.Repeat("a", 150) + strings.Repeat("b", 150))}
	if got := len(fc.Head()); got != diagnosticWindow {
		t.Fatalf("len(Head()) = %d, want %d", got, diagnosticWindow)
	}
	if want := strings.Repeat("a", 50) + strings.Repeat("b", 150); string(fc.Tail()) != want {
		t.Fatalf("Tail() = %q, want %q", fc.Tail(), want)
	}
	if got := fc.Target(); got != "<unknown>" {
		t.Fatalf("Target() = %q, want <unknown>", got)
	}
	fc.Path = proxy.NewPath("objects", "Cube")
	if got := fc.Target(); got != "objects[Cube]" {
		t.Fatalf("Target() = %q, want objects[Cube]", got)
	}

	short := &FailureContext{Raw: []byte("abc")}
	if string(short.Head()) != "abc" || string(short.Tail()) != "abc" {
		t.Fatalf("short Head/Tail = %q/%q", short.Head(), short.Tail())
	}
}
