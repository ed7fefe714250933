package status

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/austinhartzheim/trixy/connstats"
	"github.com/austinhartzheim/trixy/trixylog"
)

func testLogger() trixylog.Logger {
	return trixylog.New("test", trixylog.LevelError)
}

// TestHandlerReportsFixedAndChainSources checks that /varz lists both a
// fixed Source (e.g. the listener's own aggregate) and whatever chains a
// chainSources func reports at request time, by identity.
func TestHandlerReportsFixedAndChainSources(t *testing.T) {
	var listenerStats connstats.Stats
	listenerStats.Opened()
	listenerStats.AddRead(10)
	listenerStats.AddWritten(20)

	var chainStats connstats.Stats
	chainStats.Opened()
	chainStats.AddRead(3)
	chainStats.AddWritten(4)

	chains := func() []Source {
		return []Source{{Name: "socks5 127.0.0.1:9999", Stats: &chainStats}}
	}

	h := Handler(testLogger(), false, []Source{{Name: "listener", Stats: &listenerStats}}, chains)

	req := httptest.NewRequest("GET", "/varz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var entries []varzEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode /varz body: %s", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}

	byName := map[string]varzEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	listener, ok := byName["listener"]
	if !ok {
		t.Fatal("expected a 'listener' entry")
	}
	if listener.Read != 10 || listener.Written != 20 {
		t.Fatalf("unexpected listener counters: %+v", listener)
	}

	chain, ok := byName["socks5 127.0.0.1:9999"]
	if !ok {
		t.Fatal("expected a chain entry by its identity")
	}
	if chain.Read != 3 || chain.Written != 4 {
		t.Fatalf("unexpected chain counters: %+v", chain)
	}
}

// TestHandlerWithNoChainSources checks that omitting chainSources entirely
// still serves a valid /varz with just the fixed sources.
func TestHandlerWithNoChainSources(t *testing.T) {
	var s connstats.Stats
	h := Handler(testLogger(), false, []Source{{Name: "listener", Stats: &s}})

	req := httptest.NewRequest("GET", "/varz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var entries []varzEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode /varz body: %s", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}
