package ami_test

import (
	"strings"
	"testing"

	"github.com/sweeney/asterisk-shipper/internal/ami"
)

// parseAll drains a stream through Parser.Next for assertions on full inputs.
func parseAll(t *testing.T, input string) []ami.Event {
	t.Helper()
	p := ami.NewParser(strings.NewReader(input))
	var events []ami.Event
	for {
		evt, ok := p.Next()
		if !ok {
			return events
		}
		events = append(events, evt)
	}
}

const cdrEventStream = "Asterisk Call Manager/5.0.2\r\n" +
	"Event: Cdr\r\n" +
	"AccountCode: \r\n" +
	"Source: 338\r\n" +
	"Destination: 18888877686\r\n" +
	"DestinationContext: from-internal\r\n" +
	"Channel: SIP/338-00000a1b\r\n" +
	"DestinationChannel: SIP/sbc-ca2-00000a1c\r\n" +
	"LastApplication: Dial\r\n" +
	"StartTime: 2024-02-15 16:32:25\r\n" +
	"AnswerTime: 2024-02-15 16:32:31\r\n" +
	"EndTime: 2024-02-15 16:35:02\r\n" +
	"Duration: 157\r\n" +
	"BillableSeconds: 151\r\n" +
	"Disposition: ANSWERED\r\n" +
	"UniqueID: 1708012345.17\r\n" +
	"LinkedID: 1708012345.17\r\n" +
	"\r\n"

func TestParseCdrEvent(t *testing.T) {
	events := parseAll(t, cdrEventStream)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	evt := events[0]
	if evt.Type() != "Cdr" {
		t.Errorf("expected type Cdr, got %q", evt.Type())
	}
	if evt.Get("Source") != "338" {
		t.Errorf("expected Source=338, got %q", evt.Get("Source"))
	}
	if evt.Get("LinkedID") != "1708012345.17" {
		t.Errorf("expected LinkedID=1708012345.17, got %q", evt.Get("LinkedID"))
	}
	if evt.GetInt("Duration") != 157 {
		t.Errorf("expected Duration=157, got %d", evt.GetInt("Duration"))
	}
	if evt.Get("AccountCode") != "" {
		t.Errorf("expected empty AccountCode, got %q", evt.Get("AccountCode"))
	}
}

func TestParseCELSequence(t *testing.T) {
	input := "Event: CEL\r\n" +
		"EventName: CHAN_START\r\n" +
		"EventTime: 2024-02-15 16:32:25\r\n" +
		"Channel: SIP/338-00000a1b\r\n" +
		"UniqueID: 1708012345.17\r\n" +
		"LinkedID: 1708012345.17\r\n" +
		"\r\n" +
		"Event: CEL\r\n" +
		"EventName: LINKEDID_END\r\n" +
		"EventTime: 2024-02-15 16:35:02\r\n" +
		"Channel: SIP/338-00000a1b\r\n" +
		"UniqueID: 1708012345.17\r\n" +
		"LinkedID: 1708012345.17\r\n" +
		"\r\n"

	events := parseAll(t, input)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Get("EventName") != "CHAN_START" {
		t.Errorf("expected first EventName=CHAN_START, got %q", events[0].Get("EventName"))
	}
	if events[1].Get("EventName") != "LINKEDID_END" {
		t.Errorf("expected second EventName=LINKEDID_END, got %q", events[1].Get("EventName"))
	}
}

func TestParseSkipsBanner(t *testing.T) {
	events := parseAll(t, "Asterisk Call Manager/11.0.0\r\n\r\n")
	if len(events) != 0 {
		t.Errorf("expected banner-only stream to produce 0 events, got %d", len(events))
	}
}

func TestParseEmptyStream(t *testing.T) {
	events := parseAll(t, "")
	if len(events) != 0 {
		t.Errorf("expected 0 events from empty input, got %d", len(events))
	}
}

func TestParseUnterminatedEvent(t *testing.T) {
	events := parseAll(t, "Event: Cdr\r\nSource: 204")
	if len(events) != 1 {
		t.Fatalf("expected 1 event from unterminated input, got %d", len(events))
	}
	if events[0].Get("Source") != "204" {
		t.Errorf("expected Source=204, got %q", events[0].Get("Source"))
	}
}

func TestParseColonWithoutSpace(t *testing.T) {
	events := parseAll(t, "Event:CEL\r\nAppData:SIP/204-000a,30,tT\r\n\r\n")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type() != "CEL" {
		t.Errorf("expected type CEL, got %q", events[0].Type())
	}
	if events[0].Get("AppData") != "SIP/204-000a,30,tT" {
		t.Errorf("unexpected AppData %q", events[0].Get("AppData"))
	}
}

func TestParseLongAppDataLine(t *testing.T) {
	extra := strings.Repeat("x", 128*1024)
	events := parseAll(t, "Event: CEL\r\nExtra: "+extra+"\r\n\r\n")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if got := events[0].Get("Extra"); len(got) != len(extra) {
		t.Errorf("expected %d-byte Extra preserved, got %d bytes", len(extra), len(got))
	}
}

func TestNextEventSkipsResponses(t *testing.T) {
	input := "Response: Success\r\n" +
		"Message: Authentication accepted\r\n" +
		"\r\n" +
		"Event: CEL\r\n" +
		"EventName: HANGUP\r\n" +
		"\r\n"

	p := ami.NewParser(strings.NewReader(input))
	evt, ok := p.NextEvent()
	if !ok {
		t.Fatal("expected an event")
	}
	if evt.Type() != "CEL" || evt.Get("EventName") != "HANGUP" {
		t.Errorf("expected the CEL event after the response, got %+v", evt)
	}
	if _, ok := p.NextEvent(); ok {
		t.Error("expected EOF after single event")
	}
}

func TestParserNext(t *testing.T) {
	p := ami.NewParser(strings.NewReader(cdrEventStream))

	evt, ok := p.Next()
	if !ok {
		t.Fatal("expected an event")
	}
	if evt.Type() != "Cdr" {
		t.Errorf("expected type Cdr, got %q", evt.Type())
	}
	if _, ok := p.Next(); ok {
		t.Error("expected EOF after single event")
	}
}

func TestEventHelpers(t *testing.T) {
	evt := ami.NewEvent(
		"Event", "CEL",
		"EventName", "HANGUP",
		"Extra", "16",
	)
	if evt.Type() != "CEL" {
		t.Errorf("expected type CEL, got %q", evt.Type())
	}
	if evt.GetInt("Extra") != 16 {
		t.Errorf("expected GetInt(Extra)=16, got %d", evt.GetInt("Extra"))
	}
	if evt.GetInt("EventName") != 0 {
		t.Errorf("expected GetInt on non-numeric to return 0, got %d", evt.GetInt("EventName"))
	}
	if evt.IsResponse() {
		t.Error("expected IsResponse()=false for an event")
	}

	resp := ami.NewEvent("Response", "Success", "Message", "Authentication accepted")
	if !resp.IsResponse() {
		t.Error("expected IsResponse()=true for response event")
	}
}
