package classify

import (
	"strings"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
	"github.com/sweeney/asterisk-shipper/internal/correlate"
)

// NumberShape holds the length heuristics separating extensions from full
// numbers.
type NumberShape struct {
	MinExtensionLen int
	MaxExtensionLen int
	// IntlPrefixes are dial prefixes that mark an international number
	// regardless of length ("011", "00").
	IntlPrefixes []string
}

func (s NumberShape) withDefaults() NumberShape {
	if s.MinExtensionLen == 0 {
		s.MinExtensionLen = 2
	}
	if s.MaxExtensionLen == 0 {
		s.MaxExtensionLen = 6
	}
	if s.IntlPrefixes == nil {
		s.IntlPrefixes = []string{"011", "00"}
	}
	return s
}

// IsExtension reports whether a cleaned value is extension-shaped.
func (s NumberShape) IsExtension(v string) bool {
	if strings.HasPrefix(v, "*") {
		return true
	}
	if !cdr.IsNumber(v) || strings.HasPrefix(v, "+") {
		return false
	}
	return len(v) >= s.MinExtensionLen && len(v) <= s.MaxExtensionLen
}

// IsFullNumber reports whether a cleaned value is shaped like a routable
// number (E.164 or national with 10+ digits, or an international dial string).
func (s NumberShape) IsFullNumber(v string) bool {
	if v == "" {
		return false
	}
	if strings.HasPrefix(v, "+") {
		return cdr.IsNumber(v)
	}
	if !cdr.IsNumber(v) {
		return false
	}
	for _, p := range s.IntlPrefixes {
		if strings.HasPrefix(v, p) && len(v) > len(p)+4 {
			return true
		}
	}
	return len(v) >= 10
}

// IsInternational reports whether a cleaned value carries an international
// dial prefix or a "+".
func (s NumberShape) IsInternational(v string) bool {
	if strings.HasPrefix(v, "+") {
		return true
	}
	for _, p := range s.IntlPrefixes {
		if strings.HasPrefix(v, p) && len(v) > len(p)+4 {
			return true
		}
	}
	return false
}

// Endpoints carries the numbers and extensions recovered for a call.
type Endpoints struct {
	SrcNumber    string
	SrcExtension string
	DstNumber    string
	DstExtension string
}

// NumberExtractor recovers source/destination numbers and extensions from a
// correlated group, honoring direction-specific rules.
type NumberExtractor struct {
	shape NumberShape
}

// NewNumberExtractor builds an extractor with the given shape heuristics.
func NewNumberExtractor(shape NumberShape) *NumberExtractor {
	return &NumberExtractor{shape: shape.withDefaults()}
}

// specialDestinations are dialplan control extensions that are never real
// numbers (start, invalid, timeout, hangup).
var specialDestinations = map[string]bool{"s": true, "i": true, "t": true, "h": true}

// Extract recovers endpoints for the group given its classified direction.
func (x *NumberExtractor) Extract(g *correlate.Group, dir Direction) Endpoints {
	var ep Endpoints
	cdrs := g.CDRs()
	if len(cdrs) == 0 {
		return x.extractFromCEL(g, dir)
	}

	// Prefer the answered leg; ring groups produce several CDRs and the
	// answered one carries the channel that actually took the call.
	working := cdrs[0]
	for _, c := range cdrs {
		if c.Disposition == cdr.DispositionAnswered {
			working = c
			break
		}
	}

	ep.SrcExtension = extensionFromChannel(working.Channel, x.shape)
	ep.DstExtension = extensionFromChannel(working.DstChannel, x.shape)

	src := cdr.CleanNumber(working.Src)
	dst := cdr.CleanNumber(working.Dst)

	switch dir {
	case DirectionInbound:
		x.extractInbound(g, working, src, dst, &ep)
	case DirectionOutbound:
		if x.shape.IsFullNumber(src) {
			ep.SrcNumber = NormalizeNumber(src)
		} else if x.shape.IsExtension(src) && ep.SrcExtension == "" {
			ep.SrcExtension = src
		}
		if x.shape.IsFullNumber(dst) {
			ep.DstNumber = NormalizeNumber(dst)
		}
	default: // internal or unknown
		if ep.SrcExtension == "" && x.shape.IsExtension(src) {
			ep.SrcExtension = src
		}
		if ep.DstExtension == "" && (strings.HasPrefix(working.Dst, "*") || x.shape.IsExtension(dst)) {
			if strings.HasPrefix(working.Dst, "*") {
				ep.DstExtension = working.Dst
			} else {
				ep.DstExtension = dst
			}
		}
	}
	return ep
}

func (x *NumberExtractor) extractInbound(g *correlate.Group, working *cdr.CdrRecord, src, dst string, ep *Endpoints) {
	// Caller side.
	switch {
	case x.shape.IsFullNumber(src):
		ep.SrcNumber = NormalizeNumber(src)
	case x.shape.IsExtension(src) && ep.SrcExtension == "":
		ep.SrcExtension = src
	case src == "":
		// Anonymous or stripped caller id: recover from CEL.
		for _, c := range g.CELs() {
			num := cdr.CleanNumber(c.CallerNum)
			if x.shape.IsFullNumber(num) {
				ep.SrcNumber = NormalizeNumber(num)
				break
			}
		}
	}

	// Dialed side: recover the DID.
	if did := ExtractDIDFromContext(working.DContext); did != "" {
		ep.DstNumber = did
	} else if specialDestinations[working.Dst] {
		ep.DstNumber = x.didFromCEL(g)
	} else if x.shape.IsFullNumber(dst) {
		ep.DstNumber = NormalizeNumber(dst)
	} else {
		if ep.DstExtension == "" && x.shape.IsExtension(dst) {
			ep.DstExtension = dst
		}
		// dst is the ringing extension, but the caller dialed a DID; the
		// CHAN_START events still carry it.
		ep.DstNumber = x.didFromCEL(g)
	}
}

// didFromCEL scans CHAN_START events for the dialed number in exten or dnid.
func (x *NumberExtractor) didFromCEL(g *correlate.Group) string {
	for _, c := range g.CELs() {
		if c.EventType != cdr.CelChanStart {
			continue
		}
		if n := cdr.CleanNumber(c.Exten); x.shape.IsFullNumber(n) {
			return NormalizeNumber(n)
		}
		if n := cdr.CleanNumber(c.CallerDNID); x.shape.IsFullNumber(n) {
			return NormalizeNumber(n)
		}
	}
	return ""
}

func (x *NumberExtractor) extractFromCEL(g *correlate.Group, dir Direction) Endpoints {
	var ep Endpoints
	for _, c := range g.CELs() {
		if c.EventType != cdr.CelChanStart {
			continue
		}
		num := cdr.CleanNumber(c.CallerNum)
		if x.shape.IsFullNumber(num) {
			ep.SrcNumber = NormalizeNumber(num)
		} else if x.shape.IsExtension(num) {
			ep.SrcExtension = num
		}
		exten := cdr.CleanNumber(c.Exten)
		if x.shape.IsFullNumber(exten) {
			ep.DstNumber = NormalizeNumber(exten)
		} else if x.shape.IsExtension(exten) {
			ep.DstExtension = exten
		}
		break
	}
	if ep.DstNumber == "" && dir == DirectionInbound {
		ep.DstNumber = x.didFromCEL(g)
	}
	return ep
}

// extensionFromChannel pulls the extension out of channel names like
// "SIP/101-telair-000aff01" or "PJSIP/202-00000042".
func extensionFromChannel(channel string, shape NumberShape) string {
	ch := channel
	lower := strings.ToLower(ch)
	if !strings.Contains(lower, "sip/") && !strings.Contains(lower, "pjsip/") {
		return ""
	}
	_, rest, ok := strings.Cut(ch, "/")
	if !ok {
		return ""
	}
	ext, _, _ := strings.Cut(rest, "-")
	if cdr.IsNumber(ext) && shape.IsExtension(ext) {
		return ext
	}
	return ""
}

// NormalizeNumber canonicalizes a cleaned number: NANP ten-digit values gain
// the country code, a leading "+" is preserved.
func NormalizeNumber(v string) string {
	if v == "" {
		return ""
	}
	if strings.HasPrefix(v, "+") {
		return v
	}
	if len(v) == 10 {
		return "1" + v
	}
	return v
}

// ExtractDIDFromContext recovers a DID from dcontext patterns like
// "338-6478752300-338-CFLAW-gconnect" or "from-did-direct,6478752300".
func ExtractDIDFromContext(ctx string) string {
	if ctx == "" {
		return ""
	}
	for _, part := range strings.Split(ctx, "-") {
		if cdr.IsNumber(part) && len(part) >= 10 && len(part) <= 11 {
			return NormalizeNumber(part)
		}
	}
	if strings.Contains(ctx, ",") {
		for _, part := range strings.Split(ctx, ",") {
			part = strings.TrimSpace(part)
			if cdr.IsNumber(part) && len(part) >= 10 {
				return NormalizeNumber(part)
			}
		}
	}
	return ""
}
