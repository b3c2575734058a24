package classify_test

import (
	"testing"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
	"github.com/sweeney/asterisk-shipper/internal/classify"
)

func TestExtractOutbound(t *testing.T) {
	x := classify.NewNumberExtractor(classify.NumberShape{})
	g := group(t, cdrLeg(func(r *cdr.CdrRecord) {
		r.Src = "338"
		r.Dst = "1-888-887-7686"
		r.Channel = "SIP/338-00000a1b"
		r.DstChannel = "SIP/sbc-ca2-00000a1c"
	}))

	ep := x.Extract(g, classify.DirectionOutbound)
	if ep.SrcExtension != "338" {
		t.Errorf("expected src extension 338, got %q", ep.SrcExtension)
	}
	if ep.DstNumber != "18888877686" {
		t.Errorf("expected dst number 18888877686, got %q", ep.DstNumber)
	}
	if ep.SrcNumber != "" {
		t.Errorf("expected no src number for an extension caller, got %q", ep.SrcNumber)
	}
}

func TestExtractInboundDIDFromDContext(t *testing.T) {
	x := classify.NewNumberExtractor(classify.NumberShape{})
	g := group(t, cdrLeg(func(r *cdr.CdrRecord) {
		r.Src = "6045551234"
		r.Dst = "338"
		r.DContext = "338-6478752300-338-CFLAW-gconnect"
		r.Channel = "SIP/sbc-ca2-00000a1c"
		r.DstChannel = "SIP/338-00000a1d"
	}))

	ep := x.Extract(g, classify.DirectionInbound)
	if ep.SrcNumber != "16045551234" {
		t.Errorf("expected src 16045551234, got %q", ep.SrcNumber)
	}
	if ep.DstNumber != "16478752300" {
		t.Errorf("expected DID 16478752300 from dcontext, got %q", ep.DstNumber)
	}
	if ep.DstExtension != "338" {
		t.Errorf("expected ringing extension 338, got %q", ep.DstExtension)
	}
}

func TestExtractInboundDIDFromCEL(t *testing.T) {
	x := classify.NewNumberExtractor(classify.NumberShape{})
	g := group(t,
		&cdr.CelRecord{
			EventType: cdr.CelChanStart,
			EventTime: base,
			LinkedID:  "L1",
			UniqueID:  "1708012345.18",
			ChanName:  "SIP/sbc-ca2-00000a1c",
			Exten:     "16045557686",
			CallerNum: "6045551234",
		},
		cdrLeg(func(r *cdr.CdrRecord) {
			r.Src = "6045551234"
			r.Dst = "s"
			r.DContext = "from-did-direct"
			r.Channel = "SIP/sbc-ca2-00000a1c"
		}),
	)

	ep := x.Extract(g, classify.DirectionInbound)
	if ep.DstNumber != "16045557686" {
		t.Errorf("expected DID 16045557686 from CHAN_START, got %q", ep.DstNumber)
	}
}

func TestExtractInboundAnonymousCallerFromCEL(t *testing.T) {
	x := classify.NewNumberExtractor(classify.NumberShape{})
	g := group(t,
		&cdr.CelRecord{
			EventType: cdr.CelChanStart,
			EventTime: base,
			LinkedID:  "L1",
			UniqueID:  "1708012345.18",
			ChanName:  "SIP/sbc-ca2-00000a1c",
			CallerNum: "7785559876",
			Exten:     "16045557686",
		},
		cdrLeg(func(r *cdr.CdrRecord) {
			r.Src = ""
			r.Dst = "338"
			r.Channel = "SIP/sbc-ca2-00000a1c"
			r.DstChannel = "SIP/338-00000a1d"
		}),
	)

	ep := x.Extract(g, classify.DirectionInbound)
	if ep.SrcNumber != "17785559876" {
		t.Errorf("expected caller recovered from CEL, got %q", ep.SrcNumber)
	}
}

func TestExtractPrefersAnsweredLeg(t *testing.T) {
	x := classify.NewNumberExtractor(classify.NumberShape{})
	ring := cdrLeg(func(r *cdr.CdrRecord) {
		r.UniqueID = "1708012345.17"
		r.Src = "338"
		r.Dst = "204"
		r.Channel = "SIP/338-00000a1b"
		r.DstChannel = "SIP/204-00000a1c"
		r.Disposition = cdr.DispositionNoAnswer
	})
	answered := cdrLeg(func(r *cdr.CdrRecord) {
		r.UniqueID = "1708012346.19"
		r.Sequence = 2
		r.StartTime = base.Add(time.Second)
		r.Src = "338"
		r.Dst = "212"
		r.Channel = "SIP/338-00000a1b"
		r.DstChannel = "SIP/212-00000a1e"
		r.Disposition = cdr.DispositionAnswered
	})
	g := group(t, ring, answered)

	ep := x.Extract(g, classify.DirectionInternal)
	if ep.DstExtension != "212" {
		t.Errorf("expected answered leg's extension 212, got %q", ep.DstExtension)
	}
}

func TestNormalizeNumber(t *testing.T) {
	cases := []struct{ in, want string }{
		{"6478752300", "16478752300"},
		{"16478752300", "16478752300"},
		{"+442071838750", "+442071838750"},
		{"", ""},
		{"338", "338"},
	}
	for _, tc := range cases {
		if got := classify.NormalizeNumber(tc.in); got != tc.want {
			t.Errorf("NormalizeNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractDIDFromContext(t *testing.T) {
	cases := []struct{ in, want string }{
		{"338-6478752300-338-CFLAW-gconnect", "16478752300"},
		{"from-did-direct,6478752300", "16478752300"},
		{"from-internal", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := classify.ExtractDIDFromContext(tc.in); got != tc.want {
			t.Errorf("ExtractDIDFromContext(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNumberShape(t *testing.T) {
	shape := classify.NumberShape{MinExtensionLen: 2, MaxExtensionLen: 6, IntlPrefixes: []string{"011", "00"}}
	if !shape.IsExtension("338") || !shape.IsExtension("*97") {
		t.Error("expected 338 and *97 to be extensions")
	}
	if shape.IsExtension("16045551234") {
		t.Error("expected 11-digit number not to be an extension")
	}
	if !shape.IsFullNumber("6045551234") || !shape.IsFullNumber("+442071838750") {
		t.Error("expected full numbers to be recognized")
	}
	if !shape.IsFullNumber("01144207183875") {
		t.Error("expected international dial string to be a full number")
	}
	if shape.IsFullNumber("338") {
		t.Error("expected extension not to be a full number")
	}
}
