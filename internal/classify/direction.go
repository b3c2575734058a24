package classify

import (
	"strings"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
	"github.com/sweeney/asterisk-shipper/internal/correlate"
)

// Direction is the classified orientation of a call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
	DirectionUnknown  Direction = "unknown"
)

// defaultInternalContexts covers stock dialplan names that indicate a call
// originating from (or routed for) an internal endpoint.
var defaultInternalContexts = []string{
	"from-internal", "from-inside", "from-internal-xfer", "from-internal-noxfer",
	"from-extension", "from-local", "from-phone", "from-phones",
	"from-user", "from-users", "ext-local", "ext-group", "internal",
	"default", "phones", "users", "extensions",
	"from-queue", "from-ringgroup", "followme", "macro-dial", "macro-dial-one",
}

// defaultExternalContexts covers stock names for trunk-facing contexts.
var defaultExternalContexts = []string{
	"from-external", "from-trunk", "from-pstn", "from-did", "from-did-direct",
	"from-outside", "from-sip-external", "from-dahdi", "from-zaptel",
	"from-pri", "from-gateway", "from-provider", "from-carrier", "from-telco",
	"from-voip", "incoming", "inbound", "ext-did",
	"from-trunk-sip", "from-trunk-iax", "from-trunk-dahdi", "custom-from-trunk",
}

// defaultTrunkPatterns match channel names that face the provider side.
var defaultTrunkPatterns = []string{
	"sip/sbc-", "sip/sbc_", "pjsip/sbc-", "pjsip/sbc_",
	"dahdi/", "iax2/", "trunk", "pstn", "voip", "gateway", "provider",
}

// DirectionConfig carries the pattern sets the classifier evaluates. Zero
// values fall back to the stock pattern tables.
type DirectionConfig struct {
	InternalContexts []string
	ExternalContexts []string
	TrunkPatterns    []string
	Shape            NumberShape
}

// DirectionClassifier derives call direction from a correlated group using
// priority-ordered rules; the first match wins.
type DirectionClassifier struct {
	internal []string
	external []string
	trunks   []string
	shape    NumberShape
}

// NewDirectionClassifier builds a classifier, merging custom patterns over
// the stock tables.
func NewDirectionClassifier(cfg DirectionConfig) *DirectionClassifier {
	return &DirectionClassifier{
		internal: append(append([]string{}, defaultInternalContexts...), cfg.InternalContexts...),
		external: append(append([]string{}, defaultExternalContexts...), cfg.ExternalContexts...),
		trunks:   append(append([]string{}, defaultTrunkPatterns...), cfg.TrunkPatterns...),
		shape:    cfg.Shape.withDefaults(),
	}
}

// Classify decides the direction for a group from its primary CDR leg.
// Parking and transfer legs never override a direction already established:
// callers pass the previously decided direction and only re-invoke this when
// the prior evidence was unknown.
func (d *DirectionClassifier) Classify(g *correlate.Group) Direction {
	cdrs := g.CDRs()
	if len(cdrs) == 0 {
		return d.classifyFromCEL(g)
	}
	return d.classifyCDR(cdrs[0])
}

func (d *DirectionClassifier) classifyCDR(rec *cdr.CdrRecord) Direction {
	// Rule 1: an internal dcontext is definitive — the PBX routed this leg
	// through internal dialplan, so a trunk-looking channel name must not
	// flip it to inbound.
	if d.matchContext(rec.DContext, d.internal) {
		if d.isTrunkChannel(rec.Channel) {
			return DirectionOutbound
		}
		if d.shape.IsExtension(cdr.CleanNumber(rec.Dst)) || strings.HasPrefix(rec.Dst, "*") {
			return DirectionInternal
		}
		return DirectionOutbound
	}

	// Rule 2: trunk channel.
	if d.isTrunkChannel(rec.Channel) {
		if d.matchContext(rec.Context, d.external) {
			return DirectionInbound
		}
		if d.matchContext(rec.Context, d.internal) {
			return DirectionOutbound
		}
		// A trunk-originated leg without context evidence is inbound.
		return DirectionInbound
	}

	// Rule 3: Local channels stay inside the PBX.
	if strings.HasPrefix(strings.ToLower(rec.Channel), "local/") {
		return DirectionInternal
	}

	// Rule 4: number-shape fallback.
	src := cdr.CleanNumber(rec.Src)
	dst := cdr.CleanNumber(rec.Dst)
	srcExt, dstExt := d.shape.IsExtension(src), d.shape.IsExtension(dst)
	srcNum, dstNum := d.shape.IsFullNumber(src), d.shape.IsFullNumber(dst)

	switch {
	case srcExt && dstExt:
		return DirectionInternal
	case srcExt && dstNum:
		return DirectionOutbound
	case srcNum && dstExt:
		return DirectionInbound
	case srcNum && dstNum:
		// External to external, likely a forwarded inbound call.
		return DirectionInbound
	}
	return DirectionUnknown
}

// classifyFromCEL handles CEL-only groups using the CHAN_START evidence.
func (d *DirectionClassifier) classifyFromCEL(g *correlate.Group) Direction {
	for _, c := range g.CELs() {
		if c.EventType != cdr.CelChanStart {
			continue
		}
		if d.isTrunkChannel(c.ChanName) {
			return DirectionInbound
		}
		if d.matchContext(c.Context, d.internal) {
			if d.shape.IsExtension(cdr.CleanNumber(c.Exten)) {
				return DirectionInternal
			}
			return DirectionOutbound
		}
		if d.matchContext(c.Context, d.external) {
			return DirectionInbound
		}
	}
	return DirectionUnknown
}

// matchContext reports whether ctx matches any pattern in set. A pattern
// matches on exact name or as a prefix followed by a dash-delimited suffix
// ("from-internal" matches "from-internal-telair").
func (d *DirectionClassifier) matchContext(ctx string, set []string) bool {
	ctx = strings.ToLower(strings.TrimSpace(ctx))
	if ctx == "" {
		return false
	}
	for _, p := range set {
		if ctx == p || strings.HasPrefix(ctx, p+"-") {
			return true
		}
	}
	return false
}

func (d *DirectionClassifier) isTrunkChannel(channel string) bool {
	ch := strings.ToLower(channel)
	if ch == "" {
		return false
	}
	for _, p := range d.trunks {
		if strings.Contains(ch, p) {
			return true
		}
	}
	return false
}
