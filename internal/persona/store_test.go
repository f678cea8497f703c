package persona

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/strongbuy/internal/storage"
)

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Mock action log ---

type mockLog struct {
	mu      sync.Mutex
	records []storage.ActionRecord
	err     error
}

func (m *mockLog) SaveUserAction(a storage.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, a)
	return nil
}

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *mockClock) {
	t.Helper()
	cat, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	clock := &mockClock{now: epoch}
	return NewStoreWithClock(cat, nil, clock), clock
}

func TestDefaultCatalogPersonas(t *testing.T) {
	s, _ := newTestStore(t)

	var ids []string
	for _, p := range s.Personas() {
		ids = append(ids, p.ID)
	}
	want := []string{"chef", "tycoon", "commuter", "outdoor", "sensitive_skin", "headphone_seeker"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("persona ids = %v, want %v", ids, want)
	}

	p, ok := s.Persona("outdoor")
	if !ok {
		t.Fatal("outdoor persona missing")
	}
	if p.Occupation != "水上運動員" {
		t.Errorf("Occupation = %q, want 水上運動員", p.Occupation)
	}
	if _, ok := s.Persona("nobody"); ok {
		t.Error("expected unknown persona lookup to fail")
	}
}

func TestPersonaReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)

	p, _ := s.Persona("chef")
	p.PreferredCategories[0] = "mutated"

	again, _ := s.Persona("chef")
	if again.PreferredCategories[0] != "美食" {
		t.Errorf("catalog mutated through returned persona: %v", again.PreferredCategories)
	}
}

func TestAssignPersonaUnknownIsNoop(t *testing.T) {
	s, _ := newTestStore(t)

	if s.AssignPersona("u1", "ghost") {
		t.Error("AssignPersona returned true for unknown persona")
	}
	if _, ok := s.Profile("u1"); ok {
		t.Error("profile created for unknown persona")
	}
}

func TestAssignPersonaReplaysHistory(t *testing.T) {
	s, _ := newTestStore(t)

	if !s.AssignPersona("u1", "outdoor") {
		t.Fatal("AssignPersona returned false")
	}
	prof, ok := s.Profile("u1")
	if !ok {
		t.Fatal("profile missing after assignment")
	}
	if prof.Persona == nil || prof.Persona.ID != "outdoor" {
		t.Fatalf("Persona = %+v, want outdoor", prof.Persona)
	}
	if len(prof.RecentActions) != 6 {
		t.Fatalf("len(RecentActions) = %d, want 6", len(prof.RecentActions))
	}

	first := prof.RecentActions[0]
	if first.ID != "outdoor-search-1" {
		t.Errorf("first action id = %q, want outdoor-search-1", first.ID)
	}
	if want := epoch.AddDate(0, 0, -15); !first.Timestamp.Equal(want) {
		t.Errorf("first action timestamp = %v, want %v", first.Timestamp, want)
	}

	if prof.CategoryCounts["美妝"] != 2 || prof.CategoryCounts["運動用品"] != 2 {
		t.Errorf("CategoryCounts = %v", prof.CategoryCounts)
	}
	if prof.KeywordCounts["防曬"] != 2 || prof.KeywordCounts["長效"] != 1 {
		t.Errorf("KeywordCounts = %v", prof.KeywordCounts)
	}
}

func TestAssignPersonaResetsProfile(t *testing.T) {
	s, _ := newTestStore(t)

	s.RecordAction(Action{UserID: "u1", Kind: ActionSearch, SearchQuery: "stale"})
	s.AssignPersona("u1", "chef")
	s.AssignPersona("u1", "chef")

	prof, _ := s.Profile("u1")
	if prof.KeywordCounts["stale"] != 0 {
		t.Error("stale keyword survived persona assignment")
	}
	if len(prof.RecentActions) != 9 {
		t.Errorf("len(RecentActions) = %d, want 9", len(prof.RecentActions))
	}
	// Replaying twice must not double the counters.
	if prof.CategoryCounts["家電"] != 5 {
		t.Errorf("CategoryCounts[家電] = %d, want 5", prof.CategoryCounts["家電"])
	}
}

func TestFrequencyRule(t *testing.T) {
	s, _ := newTestStore(t)

	actions := []Action{
		{UserID: "u", Kind: ActionView, Product: &ProductSnapshot{Category: "美妝", Brand: "素顏光"}},
		{UserID: "u", Kind: ActionClick, Product: &ProductSnapshot{Category: "美妝"}},
		{UserID: "u", Kind: ActionAddToCart, Product: &ProductSnapshot{Brand: "素顏光"}},
		{UserID: "u", Kind: ActionCheckout, Product: &ProductSnapshot{}},
		{UserID: "u", Kind: ActionCheckout},
		{UserID: "u", Kind: ActionSearch, SearchQuery: "防曬  防曬 長效"},
		{UserID: "u", Kind: ActionSearch, SearchQuery: "   "},
	}
	for _, a := range actions {
		s.RecordAction(a)
	}

	prof, _ := s.Profile("u")
	if !reflect.DeepEqual(prof.CategoryCounts, Counts{"美妝": 2}) {
		t.Errorf("CategoryCounts = %v", prof.CategoryCounts)
	}
	if !reflect.DeepEqual(prof.BrandCounts, Counts{"素顏光": 2}) {
		t.Errorf("BrandCounts = %v", prof.BrandCounts)
	}
	if !reflect.DeepEqual(prof.KeywordCounts, Counts{"防曬": 2, "長效": 1}) {
		t.Errorf("KeywordCounts = %v", prof.KeywordCounts)
	}
}

func TestRecordActionMatchesFold(t *testing.T) {
	s, _ := newTestStore(t)

	var actions []Action
	for _, e := range s.Events("headphone_seeker") {
		e.UserID = "replay"
		e.ID = ""
		actions = append(actions, e)
	}
	for _, a := range actions {
		s.RecordAction(a)
	}

	prof, _ := s.Profile("replay")
	cats, brands, kws := Fold(actions)
	if !reflect.DeepEqual(prof.CategoryCounts, cats) {
		t.Errorf("CategoryCounts = %v, fold = %v", prof.CategoryCounts, cats)
	}
	if !reflect.DeepEqual(prof.BrandCounts, brands) {
		t.Errorf("BrandCounts = %v, fold = %v", prof.BrandCounts, brands)
	}
	if !reflect.DeepEqual(prof.KeywordCounts, kws) {
		t.Errorf("KeywordCounts = %v, fold = %v", prof.KeywordCounts, kws)
	}
}

func TestBoundedHistory(t *testing.T) {
	s, clock := newTestStore(t)

	for i := 0; i < 150; i++ {
		clock.Advance(time.Second)
		s.RecordAction(Action{
			ID:          fmt.Sprintf("a%03d", i),
			UserID:      "u1",
			Kind:        ActionSearch,
			SearchQuery: "q",
		})
	}

	prof, _ := s.Profile("u1")
	if len(prof.RecentActions) != MaxRecentActions {
		t.Fatalf("len(RecentActions) = %d, want %d", len(prof.RecentActions), MaxRecentActions)
	}
	if prof.RecentActions[0].ID != "a050" {
		t.Errorf("oldest kept = %q, want a050", prof.RecentActions[0].ID)
	}
	if prof.RecentActions[99].ID != "a149" {
		t.Errorf("newest = %q, want a149", prof.RecentActions[99].ID)
	}
	// Counters are cumulative: evicted actions still count.
	if prof.KeywordCounts["q"] != 150 {
		t.Errorf("KeywordCounts[q] = %d, want 150", prof.KeywordCounts["q"])
	}
}

func TestRecordActionUnknownPersona(t *testing.T) {
	cat, _ := DefaultCatalog()
	log := &mockLog{}
	s := NewStoreWithClock(cat, log, &mockClock{now: epoch})

	got := s.RecordAction(Action{UserID: "u9", PersonaID: "ghost", Kind: ActionSearch, SearchQuery: "防曬"})
	if got.PersonaID != "" {
		t.Errorf("PersonaID = %q, want cleared", got.PersonaID)
	}
	prof, _ := s.Profile("u9")
	if len(prof.RecentActions) != 1 || prof.RecentActions[0].PersonaID != "" {
		t.Errorf("recent actions = %+v", prof.RecentActions)
	}
	if len(log.records) != 1 || log.records[0].PersonaID != "" {
		t.Errorf("persisted = %+v", log.records)
	}

	kept := s.RecordAction(Action{UserID: "u9", PersonaID: "outdoor", Kind: ActionView})
	if kept.PersonaID != "outdoor" {
		t.Errorf("known persona id dropped: %q", kept.PersonaID)
	}
}

func TestRecordActionDefaults(t *testing.T) {
	s, _ := newTestStore(t)

	got := s.RecordAction(Action{UserID: "u1", Kind: ActionView})
	if got.ID == "" {
		t.Error("expected generated action id")
	}
	if !got.Timestamp.Equal(epoch) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, epoch)
	}
}

func TestRecordActionPersists(t *testing.T) {
	cat, _ := DefaultCatalog()
	log := &mockLog{}
	s := NewStoreWithClock(cat, log, &mockClock{now: epoch})

	s.RecordAction(Action{
		ID:      "live-1",
		UserID:  "u1",
		Kind:    ActionCheckout,
		Product: &ProductSnapshot{ID: "sku-36", Name: "輕量運動水壺", Category: "運動用品", Brand: "活力水"},
		Context: map[string]string{"source": "web"},
	})

	if len(log.records) != 1 {
		t.Fatalf("persisted %d records, want 1", len(log.records))
	}
	r := log.records[0]
	if r.Kind != int(ActionCheckout) || r.ProductBrand != "活力水" || r.ProductID != "sku-36" {
		t.Errorf("record = %+v", r)
	}
	if r.Context["source"] != "web" {
		t.Errorf("Context = %v", r.Context)
	}
}

func TestRecordActionLogFailureKeepsProfile(t *testing.T) {
	cat, _ := DefaultCatalog()
	s := NewStoreWithClock(cat, &mockLog{err: errors.New("disk full")}, &mockClock{now: epoch})

	s.RecordAction(Action{UserID: "u1", Kind: ActionSearch, SearchQuery: "x"})

	prof, ok := s.Profile("u1")
	if !ok || len(prof.RecentActions) != 1 {
		t.Errorf("profile not updated when log fails: %+v", prof)
	}
}

func TestOrdersAndEvents(t *testing.T) {
	s, _ := newTestStore(t)

	orders := s.Orders("outdoor")
	if len(orders) != 4 {
		t.Fatalf("len(orders) = %d, want 4", len(orders))
	}
	for _, o := range orders {
		if o.Kind != ActionCheckout {
			t.Errorf("order %s has kind %s", o.ID, o.Kind)
		}
		if o.UserID != "temp_outdoor" {
			t.Errorf("order %s user = %q, want temp_outdoor", o.ID, o.UserID)
		}
	}
	if orders[0].ID != "outdoor-checkout-4" || orders[3].ID != "outdoor-checkout-1" {
		t.Errorf("orders not newest first: %s ... %s", orders[0].ID, orders[3].ID)
	}

	events := s.Events("outdoor")
	if len(events) != 6 {
		t.Fatalf("len(events) = %d, want 6", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.After(events[i-1].Timestamp) {
			t.Errorf("events not sorted descending at %d", i)
		}
	}

	if got := s.Orders("ghost"); len(got) != 0 {
		t.Errorf("Orders(ghost) = %v, want empty", got)
	}
}

func TestOrdersMaterializeOnce(t *testing.T) {
	s, clock := newTestStore(t)

	first := s.Orders("chef")
	clock.Advance(48 * time.Hour)
	second := s.Orders("chef")

	if !first[0].Timestamp.Equal(second[0].Timestamp) {
		t.Error("temp profile was regenerated on second access")
	}
}

func TestOutdoorScenario(t *testing.T) {
	s, _ := newTestStore(t)
	s.AssignPersona("u1", "outdoor")

	orders := s.Orders("outdoor")
	if len(orders) == 0 {
		t.Fatal("expected at least one order")
	}
	for _, o := range orders {
		if c := o.Product.Category; c != "美妝" && c != "運動用品" {
			t.Errorf("unexpected order category %q", c)
		}
	}

	text := s.PersonalizedVectorInput("outdoor", []string{orders[0].ID}, nil, "防曬")
	if !strings.Contains(text, "戶外運動族，重視「防汗、防水、長效」") {
		t.Errorf("text missing persona description: %q", text)
	}
	if !strings.Contains(text, orders[0].Product.Name) {
		t.Errorf("text missing order product name: %q", text)
	}
	if !strings.HasSuffix(text, "防曬") {
		t.Errorf("text should end with base text: %q", text)
	}
}

func TestPersonalizedVectorInputOrdering(t *testing.T) {
	s, _ := newTestStore(t)

	got := s.PersonalizedVectorInput("outdoor",
		[]string{"outdoor-checkout-3"},
		[]string{"outdoor-search-2"},
		"水壺")
	want := "水上運動員 戶外運動族，重視「防汗、防水、長效」 輕量運動水壺 運動用品 運動 防曬 長效 水壺"
	if got != want {
		t.Errorf("PersonalizedVectorInput =\n%q\nwant\n%q", got, want)
	}
}

func TestPersonalizedVectorInputEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	if got := s.PersonalizedVectorInput("", nil, nil, ""); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := s.PersonalizedVectorInput("ghost", []string{"x"}, nil, "  "); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := s.PersonalizedVectorInput("", []string{"outdoor-checkout-1"}, nil, "防曬"); got != "防曬" {
		t.Errorf("got %q, want base text only", got)
	}
}

func TestProfileVectorInput(t *testing.T) {
	s, _ := newTestStore(t)

	if _, ok := s.ProfileVectorInput("nobody", "x"); ok {
		t.Error("expected no input for unknown user")
	}

	s.AssignPersona("u1", "headphone_seeker")
	s.RecordAction(Action{
		UserID:  "u1",
		Kind:    ActionView,
		Product: &ProductSnapshot{ID: "200", Name: "骨傳導耳機", Category: "電子產品"},
	})
	text, ok := s.ProfileVectorInput("u1", "耳機")
	if !ok {
		t.Fatal("expected input for assigned user")
	}
	if !strings.HasPrefix(text, "耳機控，科技控 ") {
		t.Errorf("text should start with description: %q", text)
	}
	// Only the ten most recent product actions contribute.
	if strings.Contains(text, "無線藍牙耳機") {
		t.Errorf("text includes an action older than the ten most recent: %q", text)
	}
	if !strings.HasSuffix(text, "耳機") {
		t.Errorf("text should end with base text: %q", text)
	}
}

func TestRecommendedCategories(t *testing.T) {
	s, _ := newTestStore(t)
	s.AssignPersona("u1", "outdoor")

	got := s.RecommendedCategories("u1")
	want := []string{"運動用品", "防曬", "戶外裝備", "美妝"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RecommendedCategories = %v, want %v", got, want)
	}
	if got := s.RecommendedCategories("nobody"); len(got) != 0 {
		t.Errorf("RecommendedCategories(nobody) = %v, want empty", got)
	}
}

func TestTrendingKeywords(t *testing.T) {
	s, _ := newTestStore(t)

	got := s.TrendingKeywords()
	seen := map[string]int{}
	for _, k := range got {
		seen[k]++
	}
	for k, n := range seen {
		if n > 1 {
			t.Errorf("keyword %q repeated %d times", k, n)
		}
	}
	if got[0] != "專業" {
		t.Errorf("first keyword = %q, want 專業", got[0])
	}
	if got[len(got)-1] != "備戰" || got[len(got)-2] != "防災" {
		t.Errorf("defaults missing from tail: %v", got[len(got)-2:])
	}
	// 高品質 appears in two personas.
	if seen["高品質"] != 1 {
		t.Errorf("高品質 count = %d, want 1", seen["高品質"])
	}
}

func TestSetPreferenceVector(t *testing.T) {
	s, _ := newTestStore(t)

	if s.SetPreferenceVector("nobody", []float32{1}) {
		t.Error("expected false for unknown user")
	}
	s.AssignPersona("u1", "chef")
	vec := []float32{0.1, 0.2}
	if !s.SetPreferenceVector("u1", vec) {
		t.Fatal("SetPreferenceVector returned false")
	}
	vec[0] = 9

	prof, _ := s.Profile("u1")
	if !reflect.DeepEqual(prof.PreferenceVector, []float32{0.1, 0.2}) {
		t.Errorf("PreferenceVector = %v", prof.PreferenceVector)
	}
}

func TestProfileIsDeepCopy(t *testing.T) {
	s, _ := newTestStore(t)
	s.AssignPersona("u1", "chef")

	prof, _ := s.Profile("u1")
	prof.CategoryCounts["家電"] = 100
	prof.RecentActions[3].Product.Name = "mutated"
	prof.Persona.Description = "mutated"

	again, _ := s.Profile("u1")
	if again.CategoryCounts["家電"] == 100 {
		t.Error("counts mutated through copy")
	}
	if again.RecentActions[3].Product.Name == "mutated" {
		t.Error("action mutated through copy")
	}
	if again.Persona.Description == "mutated" {
		t.Error("persona mutated through copy")
	}
}

func TestConcurrentUsers(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			uid := fmt.Sprintf("u%d", u)
			s.AssignPersona(uid, "commuter")
			for i := 0; i < 50; i++ {
				s.RecordAction(Action{UserID: uid, Kind: ActionSearch, SearchQuery: "防曬"})
			}
			_ = s.Orders("commuter")
		}(u)
	}
	wg.Wait()

	for u := 0; u < 8; u++ {
		prof, ok := s.Profile(fmt.Sprintf("u%d", u))
		if !ok {
			t.Fatalf("profile u%d missing", u)
		}
		// 2 fixture searches mention 防曬 plus 50 live ones.
		if prof.KeywordCounts["防曬"] != 52 {
			t.Errorf("u%d 防曬 count = %d, want 52", u, prof.KeywordCounts["防曬"])
		}
	}
}

func TestCountsTop(t *testing.T) {
	c := Counts{"b": 2, "a": 2, "c": 5, "d": 1}
	if got := c.Top(3); !reflect.DeepEqual(got, []string{"c", "a", "b"}) {
		t.Errorf("Top(3) = %v", got)
	}
	if got := c.Top(10); len(got) != 4 {
		t.Errorf("Top(10) len = %d, want 4", len(got))
	}
}

func TestActionKindJSON(t *testing.T) {
	b, err := json.Marshal(Action{ID: "x", Kind: ActionAddToCart})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(b), `"kind":"add_to_cart"`) {
		t.Errorf("json = %s", b)
	}

	var a Action
	if err := json.Unmarshal([]byte(`{"kind":"checkout"}`), &a); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if a.Kind != ActionCheckout {
		t.Errorf("Kind = %v, want checkout", a.Kind)
	}
	if err := json.Unmarshal([]byte(`{"kind":"teleport"}`), &a); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestProductSnapshotID(t *testing.T) {
	cases := map[string]string{
		`{"id":36,"name":"水壺"}`:      "36",
		`{"id":"sku-2","name":"水壺"}`: "sku-2",
		`{"name":"水壺"}`:              "",
		`{"id":null}`:                "",
	}
	for doc, want := range cases {
		var p ProductSnapshot
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			t.Errorf("%s: %v", doc, err)
			continue
		}
		if p.ID != want {
			t.Errorf("%s: ID = %q, want %q", doc, p.ID, want)
		}
	}

	var p ProductSnapshot
	if err := json.Unmarshal([]byte(`{"id":true}`), &p); err == nil {
		t.Error("expected error for boolean id")
	}

	var a Action
	if err := json.Unmarshal([]byte(`{"kind":"view","product":{"id":7,"name":"瑜伽墊","category":"運動"}}`), &a); err != nil {
		t.Fatalf("Unmarshal action: %v", err)
	}
	if a.Product == nil || a.Product.ID != "7" || a.Product.Category != "運動" {
		t.Errorf("product = %+v", a.Product)
	}
}

func TestParseCatalogValidation(t *testing.T) {
	cases := map[string]string{
		"missing id":    "personas:\n  - occupation: x\n",
		"duplicate id":  "personas:\n  - id: a\n  - id: a\n",
		"duplicate key": "personas:\n  - id: a\n    history:\n      - {key: k, kind: view}\n      - {key: k, kind: view}\n",
		"bad kind":      "personas:\n  - id: a\n    history:\n      - {key: k, kind: fly}\n",
	}
	for name, doc := range cases {
		if _, err := ParseCatalog([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
