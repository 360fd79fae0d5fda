package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/backoff"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/media"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	"github.com/matheus3301/msgsync/internal/wire"
)

type nullSender struct {
	mu   sync.Mutex
	sent []*wire.Operation
}

func (n *nullSender) Send(op *wire.Operation) error {
	n.mu.Lock()
	n.sent = append(n.sent, op)
	n.mu.Unlock()
	return nil
}

type fixture struct {
	engine  *Engine
	db      *store.DB
	cache   *media.Cache
	bus     *bus.Bus
	queue   *outbox.Queue
	machine *status.ConnMachine
}

func testEngine(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "test.db"), 500)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cache, err := media.Open(filepath.Join(dir, "media"), filepath.Join(dir, "index.db"), 1<<20, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	b := bus.New()
	policy := backoff.Policy{Base: time.Millisecond, Max: time.Millisecond}
	queue := outbox.New(db, &nullSender{}, b, policy, 5, 0, nil)
	machine := status.NewConnMachine(b)

	return &fixture{
		engine:  New(db, cache, queue, machine, b, "me", nil),
		db:      db,
		cache:   cache,
		bus:     b,
		queue:   queue,
		machine: machine,
	}
}

func TestSendInsertsPendingAndQueues(t *testing.T) {
	f := testEngine(t)
	events, unsub := f.bus.Subscribe(bus.KindMessageInserted, 8)
	defer unsub()

	clientID, err := f.engine.Send("c1", Content{Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if clientID == "" {
		t.Fatal("empty client id")
	}

	view, err := f.engine.Chat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Messages) != 1 {
		t.Fatalf("view has %d messages, want 1", len(view.Messages))
	}
	m := view.Messages[0]
	if m.ClientMsgID != clientID || m.Status != status.Pending || m.SenderID != "me" || m.Kind != "text" {
		t.Errorf("message = %+v", m)
	}

	op, err := f.db.GetOp(clientID)
	if err != nil {
		t.Fatal(err)
	}
	if op == nil || op.Op != wire.OpSend {
		t.Fatalf("queued op = %+v", op)
	}
	var payload wire.Payload
	if err := json.Unmarshal([]byte(op.Payload), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Body != "hello" {
		t.Errorf("payload = %+v", payload)
	}

	select {
	case evt := <-events:
		ref := evt.Payload.(bus.MessageRef)
		if ref.ChatID != "c1" || ref.ClientMsgID != clientID {
			t.Errorf("event ref = %+v", ref)
		}
	case <-time.After(time.Second):
		t.Error("no inserted event published")
	}
}

func TestSendStoresMediaBlob(t *testing.T) {
	f := testEngine(t)

	clientID, err := f.engine.Send("c1", Content{Kind: media.KindImage, Blob: []byte("pixels")})
	if err != nil {
		t.Fatal(err)
	}

	contentID := media.ContentID("c1", clientID)
	asset, err := f.cache.Lookup(contentID)
	if err != nil {
		t.Fatal(err)
	}
	if asset == nil || asset.Size != 6 {
		t.Fatalf("asset = %+v", asset)
	}

	m, _ := f.db.GetMessage("c1", clientID)
	if m.ContentID != contentID {
		t.Errorf("message content id = %q, want %q", m.ContentID, contentID)
	}
}

func TestClientIDsMonotonic(t *testing.T) {
	f := testEngine(t)
	a, err := f.engine.Send("c1", Content{Body: "one"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.engine.Send("c1", Content{Body: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("consecutive sends shared id %q", a)
	}
}

func TestClientIDsSurviveRestart(t *testing.T) {
	f := testEngine(t)
	first, err := f.engine.Send("c1", Content{Body: "before restart"})
	if err != nil {
		t.Fatal(err)
	}
	mark := f.engine.seq.Load()

	// A second facade over the same store stands in for a restart; the
	// persisted watermark must win even when the clock has not advanced.
	reborn := New(f.db, f.cache, f.queue, f.machine, f.bus, "me", nil)
	if got := reborn.seq.Load(); got < mark {
		t.Fatalf("restarted counter seeded at %d, want >= %d", got, mark)
	}
	second, err := reborn.Send("c1", Content{Body: "after restart"})
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatalf("restart reissued client id %q", first)
	}
	msg, err := f.db.GetMessage("c1", second)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("post-restart send not persisted")
	}
}

func TestConcurrentSendsSameChat(t *testing.T) {
	f := testEngine(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Send("c1", Content{Body: "x"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	view, err := f.engine.Chat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Messages) != n {
		t.Fatalf("got %d messages, want %d", len(view.Messages), n)
	}
	ops, _ := f.db.PendingOps()
	if len(ops) != n {
		t.Fatalf("got %d queued ops, want %d", len(ops), n)
	}
}

func TestEditMessageQueuesEdit(t *testing.T) {
	f := testEngine(t)
	clientID, err := f.engine.Send("c1", Content{Body: "tpyo"})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.engine.EditMessage("c1", clientID, "typo"); err != nil {
		t.Fatal(err)
	}

	m, _ := f.db.GetMessage("c1", clientID)
	if m.Body != "typo" {
		t.Errorf("body = %q, want typo", m.Body)
	}

	ops, _ := f.db.PendingOps()
	var edit *store.OutboxOp
	for i := range ops {
		if ops[i].Op == wire.OpEdit {
			edit = &ops[i]
		}
	}
	if edit == nil {
		t.Fatal("no edit op queued")
	}
	var payload wire.Payload
	if err := json.Unmarshal([]byte(edit.Payload), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.TargetMsgID != clientID || payload.Body != "typo" {
		t.Errorf("edit payload = %+v", payload)
	}
}

func TestEditUnknownMessage(t *testing.T) {
	f := testEngine(t)
	if err := f.engine.EditMessage("c1", "nope", "x"); err == nil {
		t.Error("edit of unknown message succeeded")
	}
}

func TestDeleteTombstonesAndCancels(t *testing.T) {
	f := testEngine(t)
	clientID, err := f.engine.Send("c1", Content{Kind: media.KindImage, Blob: []byte("pixels")})
	if err != nil {
		t.Fatal(err)
	}
	contentID := media.ContentID("c1", clientID)

	if err := f.engine.DeleteMessage("c1", clientID); err != nil {
		t.Fatal(err)
	}

	// The row stays in place as a tombstone; ordering is unaffected.
	m, _ := f.db.GetMessage("c1", clientID)
	if m == nil {
		t.Fatal("tombstone row removed")
	}
	if m.Body != "" || m.Kind != "deleted" || m.ContentID != "" {
		t.Errorf("tombstone = %+v", m)
	}

	// The unsent send was cancelled, not transmitted later.
	op, _ := f.db.GetOp(clientID)
	if op == nil || op.Status != store.OpFailed {
		t.Errorf("send op after delete = %+v, want failed", op)
	}

	// Media is gone immediately.
	if asset, _ := f.cache.Lookup(contentID); asset != nil {
		t.Error("media survived delete")
	}

	// A delete operation went out for the remote side.
	ops, _ := f.db.PendingOps()
	found := false
	for _, o := range ops {
		if o.Op == wire.OpDelete {
			found = true
		}
	}
	if !found {
		t.Error("no delete op queued")
	}
}

func TestMarkReadAdvancesMarker(t *testing.T) {
	f := testEngine(t)
	if err := f.db.PutMessage(&store.Message{
		ChatID: "c1", ClientMsgID: "s1", ServerMsgID: "s1",
		SenderID: "alice", Timestamp: 5000, Status: status.Delivered,
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.MarkRead("c1", "s1"); err != nil {
		t.Fatal(err)
	}

	view, _ := f.engine.Chat("c1")
	if view.LastReadTS != 5000 {
		t.Errorf("LastReadTS = %d, want 5000", view.LastReadTS)
	}

	ops, _ := f.db.PendingOps()
	var read *store.OutboxOp
	for i := range ops {
		if ops[i].Op == wire.OpMarkRead {
			read = &ops[i]
		}
	}
	if read == nil {
		t.Fatal("no markRead op queued")
	}
	var payload wire.Payload
	if err := json.Unmarshal([]byte(read.Payload), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.UpToServerID != "s1" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestDraftAndAnchorDelegation(t *testing.T) {
	f := testEngine(t)
	if err := f.engine.SetDraft("c1", "wip"); err != nil {
		t.Fatal(err)
	}
	draft, err := f.engine.Draft("c1")
	if err != nil || draft != "wip" {
		t.Errorf("Draft() = %q, %v", draft, err)
	}

	if err := f.engine.SetScrollAnchor("c1", &store.ScrollAnchor{MsgID: "m3", OffsetPx: 12}); err != nil {
		t.Fatal(err)
	}
	anchor, err := f.engine.ScrollAnchor("c1")
	if err != nil || anchor == nil || anchor.MsgID != "m3" {
		t.Errorf("ScrollAnchor() = %+v, %v", anchor, err)
	}
}

func TestOpenChatPinsVisibleMedia(t *testing.T) {
	f := testEngine(t)
	clientID, err := f.engine.Send("c1", Content{Kind: media.KindImage, Blob: []byte("pixels")})
	if err != nil {
		t.Fatal(err)
	}
	contentID := media.ContentID("c1", clientID)

	if err := f.engine.OpenChat("c1"); err != nil {
		t.Fatal(err)
	}
	f.engine.mu.Lock()
	pinned := append([]string(nil), f.engine.pins["c1"]...)
	f.engine.mu.Unlock()
	if len(pinned) != 1 || pinned[0] != contentID {
		t.Errorf("pins = %v, want [%s]", pinned, contentID)
	}

	f.engine.CloseChat("c1")
	f.engine.mu.Lock()
	_, stillOpen := f.engine.pins["c1"]
	f.engine.mu.Unlock()
	if stillOpen {
		t.Error("pins survived CloseChat")
	}
}

func TestObserveChatRefreshesOnChange(t *testing.T) {
	f := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	views := f.engine.ObserveChat(ctx, "c1")

	// Initial snapshot arrives unprompted.
	select {
	case view := <-views:
		if len(view.Messages) != 0 {
			t.Errorf("initial snapshot has %d messages", len(view.Messages))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	if _, err := f.engine.Send("c1", Content{Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case view := <-views:
			if len(view.Messages) == 1 && view.Messages[0].Body == "hi" {
				return
			}
		case <-deadline:
			t.Fatal("no refreshed snapshot after send")
		}
	}
}

func TestObserveChatIgnoresOtherChats(t *testing.T) {
	f := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	views := f.engine.ObserveChat(ctx, "c1")
	<-views // initial snapshot

	if _, err := f.engine.Send("c2", Content{Body: "elsewhere"}); err != nil {
		t.Fatal(err)
	}

	select {
	case view, ok := <-views:
		if ok {
			t.Errorf("unrelated chat triggered snapshot: %+v", view)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventsStreamCarriesNotifications(t *testing.T) {
	f := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := f.engine.Events(ctx)

	clientID, err := f.engine.Send("c1", Content{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-events:
			if n.Kind == bus.KindMessageInserted && n.ClientMsgID == clientID {
				if n.ID == "" || n.ChatID != "c1" {
					t.Errorf("notification = %+v", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("no inserted notification")
		}
	}
}
