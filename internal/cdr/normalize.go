package cdr

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// RawKind tags the shape of a raw feed record.
type RawKind string

const (
	RawCDR RawKind = "cdr"
	RawCEL RawKind = "cel"
)

// RawRecord is a raw feed record: a flat field map keyed by the PBX column
// names (calldate, src, dst, eventtype, channame, ...), plus a kind tag.
type RawRecord struct {
	Kind   RawKind
	Fields map[string]string
}

// Get returns the named field, or empty string.
func (r RawRecord) Get(key string) string { return r.Fields[key] }

// ErrNoIdentity is returned when a record carries neither a usable linked_id
// nor a usable unique_id and must be discarded.
var ErrNoIdentity = errors.New("record has no usable linkedid or uniqueid")

// Normalize converts a raw feed record into a canonical *CdrRecord or
// *CelRecord. Malformed individual fields degrade to zero values; only a
// record with no correlation identity at all is rejected.
func Normalize(raw RawRecord) (Record, error) {
	linkedID := strings.TrimSpace(raw.Get("linkedid"))
	uniqueID := strings.TrimSpace(raw.Get("uniqueid"))
	if linkedID == "" && uniqueID == "" {
		return nil, ErrNoIdentity
	}
	if linkedID == "" {
		linkedID = uniqueID
	}

	switch raw.Kind {
	case RawCEL:
		return normalizeCEL(raw, linkedID, uniqueID), nil
	default:
		return normalizeCDR(raw, linkedID, uniqueID), nil
	}
}

func normalizeCDR(raw RawRecord, linkedID, uniqueID string) *CdrRecord {
	start := ParseTime(raw.Get("calldate"))
	if start.IsZero() {
		start = ParseTime(raw.Get("start"))
	}
	if start.IsZero() {
		start = TimeFromUniqueID(uniqueID)
	}

	rec := &CdrRecord{
		UniqueID:    uniqueID,
		LinkedID:    linkedID,
		Sequence:    parseInt64(raw.Get("sequence")),
		StartTime:   start,
		AnswerTime:  ParseTime(raw.Get("answer")),
		EndTime:     ParseTime(raw.Get("end")),
		Src:         strings.TrimSpace(raw.Get("src")),
		Dst:         strings.TrimSpace(raw.Get("dst")),
		Context:     strings.TrimSpace(raw.Get("context")),
		DContext:    strings.TrimSpace(raw.Get("dcontext")),
		Channel:     strings.TrimSpace(raw.Get("channel")),
		DstChannel:  strings.TrimSpace(raw.Get("dstchannel")),
		LastApp:     strings.TrimSpace(raw.Get("lastapp")),
		LastData:    strings.TrimSpace(raw.Get("lastdata")),
		Duration:    parseInt(raw.Get("duration")),
		BillSec:     parseInt(raw.Get("billsec")),
		Disposition: Disposition(strings.ToUpper(strings.TrimSpace(raw.Get("disposition")))),
		AccountCode: strings.TrimSpace(raw.Get("accountcode")),
		UserField:   strings.TrimSpace(raw.Get("userfield")),
		PeerAccount: strings.TrimSpace(raw.Get("peeraccount")),
	}
	if rec.Disposition == "NULL" {
		rec.Disposition = ""
	}
	return rec
}

func normalizeCEL(raw RawRecord, linkedID, uniqueID string) *CelRecord {
	when := ParseTime(raw.Get("eventtime"))
	if when.IsZero() {
		when = TimeFromUniqueID(uniqueID)
	}

	return &CelRecord{
		EventType:   CelEventType(strings.ToUpper(strings.TrimSpace(raw.Get("eventtype")))),
		EventTime:   when,
		LinkedID:    linkedID,
		UniqueID:    uniqueID,
		CallerName:  strings.TrimSpace(raw.Get("cid_name")),
		CallerNum:   strings.TrimSpace(raw.Get("cid_num")),
		CallerANI:   strings.TrimSpace(raw.Get("cid_ani")),
		CallerRDNIS: strings.TrimSpace(raw.Get("cid_rdnis")),
		CallerDNID:  strings.TrimSpace(raw.Get("cid_dnid")),
		Exten:       strings.TrimSpace(raw.Get("exten")),
		Context:     strings.TrimSpace(raw.Get("context")),
		ChanName:    strings.TrimSpace(raw.Get("channame")),
		AppName:     strings.TrimSpace(raw.Get("appname")),
		AppData:     strings.TrimSpace(raw.Get("appdata")),
		AccountCode: strings.TrimSpace(raw.Get("accountcode")),
		Peer:        strings.TrimSpace(raw.Get("peer")),
		Extra:       strings.TrimSpace(raw.Get("extra")),
	}
}

// timeLayouts are tried in order when parsing feed timestamps. A timestamp
// without a zone offset is treated as UTC, never local time.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseTime coerces a feed timestamp to an explicit UTC instant.
// Returns the zero time if the value is empty or unparseable.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == "NULL" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	// Some feeds emit a bare epoch (possibly fractional).
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
	return time.Time{}
}

// TimeFromUniqueID derives a Unix instant from a PBX uniqueid of the form
// "{epoch}.{sequence}", e.g. "1708012345.17". Returns the zero time when the
// id does not carry an epoch.
func TimeFromUniqueID(uniqueID string) time.Time {
	epoch, _, _ := strings.Cut(uniqueID, ".")
	sec, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// SequenceFromUniqueID extracts the trailing sequence from "{epoch}.{sequence}".
func SequenceFromUniqueID(uniqueID string) int64 {
	_, seq, ok := strings.Cut(uniqueID, ".")
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(seq, 10, 64)
	return n
}

// CleanNumber strips formatting characters from a phone field, keeping a
// leading "+". A payload with no digits at all is "not a number" and cleans
// to the empty string rather than an error.
func CleanNumber(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for i, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
			continue
		}
		if c == '+' && i == 0 {
			b.WriteRune(c)
			continue
		}
		switch c {
		case '-', '.', ' ', '(', ')', '/':
			// formatting noise
		default:
			// Anything else (letters, '*', '#') means this is not a plain
			// number field; leave validation to IsNumber on the raw value.
			return ""
		}
	}
	digits := strings.TrimPrefix(b.String(), "+")
	if digits == "" {
		return ""
	}
	return b.String()
}

// IsNumber reports whether a cleaned value is number-shaped (digits only,
// optional leading +).
func IsNumber(s string) bool {
	if s == "" {
		return false
	}
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}
