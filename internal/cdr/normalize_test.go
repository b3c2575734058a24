package cdr_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
)

func TestNormalizeCDR(t *testing.T) {
	raw := cdr.RawRecord{Kind: cdr.RawCDR, Fields: map[string]string{
		"calldate":    "2024-02-15 16:32:25",
		"src":         "338",
		"dst":         "18888877686",
		"dcontext":    "from-internal",
		"channel":     "SIP/338-00000a1b",
		"dstchannel":  "SIP/sbc-ca2-00000a1c",
		"duration":    "157",
		"billsec":     "151",
		"disposition": "ANSWERED",
		"uniqueid":    "1708012345.17",
		"linkedid":    "1708012345.17",
	}}

	rec, err := cdr.Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, ok := rec.(*cdr.CdrRecord)
	if !ok {
		t.Fatalf("expected *CdrRecord, got %T", rec)
	}
	if c.Src != "338" || c.Dst != "18888877686" {
		t.Errorf("unexpected endpoints: src=%q dst=%q", c.Src, c.Dst)
	}
	if c.Disposition != cdr.DispositionAnswered {
		t.Errorf("expected ANSWERED, got %q", c.Disposition)
	}
	want := time.Date(2024, 2, 15, 16, 32, 25, 0, time.UTC)
	if !c.StartTime.Equal(want) {
		t.Errorf("expected start %v, got %v", want, c.StartTime)
	}
	if c.Key() != "1708012345.17" {
		t.Errorf("expected key 1708012345.17, got %q", c.Key())
	}
}

func TestNormalizeCEL(t *testing.T) {
	raw := cdr.RawRecord{Kind: cdr.RawCEL, Fields: map[string]string{
		"eventtype": "chan_start",
		"eventtime": "2024-02-15T16:32:25Z",
		"cid_num":   "6045551234",
		"channame":  "SIP/sbc-ca2-00000a1c",
		"exten":     "16045557686",
		"context":   "from-trunk",
		"uniqueid":  "1708012345.18",
		"linkedid":  "1708012345.17",
	}}

	rec, err := cdr.Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, ok := rec.(*cdr.CelRecord)
	if !ok {
		t.Fatalf("expected *CelRecord, got %T", rec)
	}
	if c.EventType != cdr.CelChanStart {
		t.Errorf("expected CHAN_START (case-folded), got %q", c.EventType)
	}
	if c.Key() != "1708012345.17" {
		t.Errorf("expected linkedid key, got %q", c.Key())
	}
}

func TestNormalizeIdentityFallback(t *testing.T) {
	raw := cdr.RawRecord{Kind: cdr.RawCDR, Fields: map[string]string{
		"uniqueid": "1708012345.17",
		"src":      "204",
	}}
	rec, err := cdr.Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Key() != "1708012345.17" {
		t.Errorf("expected uniqueid fallback key, got %q", rec.Key())
	}

	_, err = cdr.Normalize(cdr.RawRecord{Kind: cdr.RawCDR, Fields: map[string]string{"src": "204"}})
	if !errors.Is(err, cdr.ErrNoIdentity) {
		t.Errorf("expected ErrNoIdentity, got %v", err)
	}
}

func TestNormalizeTimeFromUniqueID(t *testing.T) {
	raw := cdr.RawRecord{Kind: cdr.RawCDR, Fields: map[string]string{
		"uniqueid": "1708012345.17",
	}}
	rec, err := cdr.Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Unix(1708012345, 0).UTC()
	if !rec.Time().Equal(want) {
		t.Errorf("expected time %v from uniqueid epoch, got %v", want, rec.Time())
	}
}

func TestParseTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2024-02-15 16:32:25", time.Date(2024, 2, 15, 16, 32, 25, 0, time.UTC)},
		{"2024-02-15T16:32:25Z", time.Date(2024, 2, 15, 16, 32, 25, 0, time.UTC)},
		{"2024-02-15 08:32:25.000000-08:00", time.Date(2024, 2, 15, 16, 32, 25, 0, time.UTC)},
		{"1708012345", time.Unix(1708012345, 0).UTC()},
		{"", time.Time{}},
		{"NULL", time.Time{}},
		{"not a time", time.Time{}},
	}
	for _, tc := range cases {
		got := cdr.ParseTime(tc.in)
		if !got.Equal(tc.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCleanNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1-888-887-7686", "18888877686"},
		{"(604) 555-1234", "6045551234"},
		{"+14165551234", "+14165551234"},
		{"604.555.1234", "6045551234"},
		{"s", ""},
		{"*97", ""},
		{"", ""},
		{"  338 ", "338"},
	}
	for _, tc := range cases {
		if got := cdr.CleanNumber(tc.in); got != tc.want {
			t.Errorf("CleanNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsNumber(t *testing.T) {
	if !cdr.IsNumber("18888877686") {
		t.Error("expected 18888877686 to be a number")
	}
	if !cdr.IsNumber("+14165551234") {
		t.Error("expected +14165551234 to be a number")
	}
	if cdr.IsNumber("s") || cdr.IsNumber("") || cdr.IsNumber("+") {
		t.Error("expected non-numeric values to be rejected")
	}
}

func TestSequenceFromUniqueID(t *testing.T) {
	if got := cdr.SequenceFromUniqueID("1708012345.17"); got != 17 {
		t.Errorf("expected sequence 17, got %d", got)
	}
	if got := cdr.SequenceFromUniqueID("opaque-id"); got != 0 {
		t.Errorf("expected sequence 0 for opaque id, got %d", got)
	}
}
