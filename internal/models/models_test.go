package models_test

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/example/operate-log-client/internal/models"
)

func TestDetailsPreservesInsertionOrder(t *testing.T) {
	d := models.NewDetails("zeta", 1, "alpha", "two", "mid", true)
	d.Set("zeta", models.String("replaced"))

	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal details: %v", err)
	}
	want := `{"zeta":"replaced","alpha":"two","mid":true}`
	if string(raw) != want {
		t.Fatalf("details json = %s, want %s", raw, want)
	}

	var back models.Details
	if err := json.Unmarshal([]byte(`{"b":1,"a":{"y":[1,2.5,"x",null],"x":false}}`), &back); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if got := strings.Join(back.Keys(), ","); got != "b,a" {
		t.Fatalf("unexpected key order %q", got)
	}
	nested, _ := back.Get("a")
	inner, ok := nested.Details()
	if !ok {
		t.Fatalf("expected nested map, got %s", nested.Kind())
	}
	if got := strings.Join(inner.Keys(), ","); got != "y,x" {
		t.Fatalf("unexpected nested key order %q", got)
	}
	list, _ := inner.Get("y")
	items, ok := list.Items()
	if !ok || len(items) != 4 {
		t.Fatalf("expected list of 4 items, got %v", list.Interface())
	}
	if items[0].Kind() != models.KindInt || items[1].Kind() != models.KindNumber || !items[3].IsNull() {
		t.Fatalf("unexpected item kinds: %s %s %s", items[0].Kind(), items[1].Kind(), items[3].Kind())
	}
}

func TestDetailsCloneIsDeep(t *testing.T) {
	inner := models.NewDetails("k", "v")
	d := models.NewDetails("nested", inner)
	c := d.Clone()

	inner.Set("k", models.String("changed"))
	d.Set("added", models.Int(1))

	if c.Len() != 1 {
		t.Fatalf("clone should not see new keys, len=%d", c.Len())
	}
	v, _ := c.Get("nested")
	m, _ := v.Details()
	got, _ := m.Get("k")
	if s, _ := got.Str(); s != "v" {
		t.Fatalf("clone should not see nested mutation, got %q", s)
	}
}

type stringerThing struct{}

func (stringerThing) String() string { return "stringer" }

func TestValueOfConversions(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, `null`},
		{"int", 42, `42`},
		{"uint64 overflow", uint64(math.MaxUint64), `1.8446744073709552e+19`},
		{"float", 1.5, `1.5`},
		{"nan", math.NaN(), `null`},
		{"string slice", []string{"a", "b"}, `["a","b"]`},
		{"map sorted", map[string]any{"b": 1, "a": "x"}, `{"a":"x","b":1}`},
		{"typed map", map[string]int{"y": 2, "x": 1}, `{"x":1,"y":2}`},
		{"time", ts, `"2025-01-02T03:04:05Z"`},
		{"error", errors.New("boom"), `"boom"`},
		{"stringer", stringerThing{}, `"stringer"`},
		{"struct", struct {
			A int `json:"a"`
		}{A: 7}, `{"a":7}`},
		{"channel", make(chan int), ``},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := models.ValueOf(tc.in)
			raw, err := json.Marshal(v)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if tc.want == "" {
				if v.Kind() != models.KindString {
					t.Fatalf("expected string fallback, got %s", v.Kind())
				}
				return
			}
			if string(raw) != tc.want {
				t.Fatalf("ValueOf(%v) = %s, want %s", tc.in, raw, tc.want)
			}
		})
	}
}

func TestOperationRecordJSON(t *testing.T) {
	rec := models.OperationRecord{
		OperationID:   "op-1",
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 500, time.UTC),
		OperationType: "CREATE_USER",
		Operator:      "alice",
		UserID:        "tenant-1",
		Target:        "user:42",
		Status:        models.StatusSuccess,
		Details:       models.NewDetails("name", "bob"),
		Application:   "crm",
		Extra:         map[string]string{"region": "eu", "operator": "mallory"},
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	doc := string(raw)
	for _, want := range []string{
		`"operation_id":"op-1"`,
		`"timestamp":"2025-06-01T12:00:00.0000005Z"`,
		`"details":{"name":"bob"}`,
		`"trace_context":{}`,
		`"region":"eu"`,
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("expected %s in %s", want, doc)
		}
	}
	if strings.Contains(doc, "mallory") {
		t.Fatalf("reserved extra key must not override record fields: %s", doc)
	}
	if strings.Contains(doc, "request_id") {
		t.Fatalf("empty optional fields should be omitted: %s", doc)
	}

	var back models.OperationRecord
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if !back.Timestamp.Equal(rec.Timestamp) || back.Operator != "alice" || back.Extra["region"] != "eu" {
		t.Fatalf("unexpected decoded record %+v", back)
	}
}

func TestBatchAccounting(t *testing.T) {
	b := models.NewBatch("b-1", time.Unix(0, 0))
	b.Add(&models.OperationRecord{OperationID: "a"}, []byte(`{"a":1}`))
	b.Add(&models.OperationRecord{OperationID: "b"}, []byte(`{"b":22}`))

	if b.Len() != 2 || b.Bytes() != 15 {
		t.Fatalf("unexpected batch accounting len=%d bytes=%d", b.Len(), b.Bytes())
	}
	if got := strings.Join(b.OperationIDs(), ","); got != "a,b" {
		t.Fatalf("unexpected ids %q", got)
	}
}
