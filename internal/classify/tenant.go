package classify

import (
	"strings"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
	"github.com/sweeney/asterisk-shipper/internal/correlate"
)

// TenantConfig configures the tenant resolver.
type TenantConfig struct {
	// DIDMap maps normalized DIDs to tenant names.
	DIDMap map[string]string
	// AccountCodeMap maps accountcodes (lowercased) to tenant names.
	AccountCodeMap map[string]string
	// KnownTrunks is the deny-list of infrastructure/trunk tokens that must
	// never be taken for a tenant.
	KnownTrunks []string
	// DefaultTenant is the last-resort answer.
	DefaultTenant string

	CacheTTLSeconds int
	CacheMaxSize    int
}

// TenantResolver derives the tenant a call belongs to, trying strategies in
// priority order: DID map, accountcode map, CDR field scan (context fields
// first, channel fields last), CEL field scan, configured default.
type TenantResolver struct {
	didMap     map[string]string
	accountMap map[string]string
	deny       map[string]bool
	fallback   string
	cache      *tenantCache
}

// NewTenantResolver builds a resolver from config. DID keys are normalized
// the same way extracted numbers are, and NANP entries are stored both with
// and without the country code.
func NewTenantResolver(cfg TenantConfig) *TenantResolver {
	didMap := make(map[string]string, len(cfg.DIDMap)*2)
	for did, tenant := range cfg.DIDMap {
		n := cdr.CleanNumber(did)
		if n == "" {
			continue
		}
		didMap[n] = tenant
		if len(n) == 10 {
			didMap["1"+n] = tenant
		}
		if len(n) == 11 && strings.HasPrefix(n, "1") {
			didMap[n[1:]] = tenant
		}
	}

	accountMap := make(map[string]string, len(cfg.AccountCodeMap))
	for code, tenant := range cfg.AccountCodeMap {
		accountMap[strings.ToLower(code)] = tenant
	}

	deny := make(map[string]bool, len(cfg.KnownTrunks))
	for _, t := range cfg.KnownTrunks {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			deny[t] = true
		}
	}

	ttl := cfg.CacheTTLSeconds
	if ttl == 0 {
		ttl = 300
	}
	size := cfg.CacheMaxSize
	if size == 0 {
		size = 10000
	}

	return &TenantResolver{
		didMap:     didMap,
		accountMap: accountMap,
		deny:       deny,
		fallback:   cfg.DefaultTenant,
		cache:      newTenantCache(ttl, size),
	}
}

// Resolve returns the tenant for a group. dstNumber is the already-extracted
// DID, if any. Results are cached per linked_id.
func (r *TenantResolver) Resolve(g *correlate.Group, dstNumber string) string {
	if tenant, ok := r.cache.get(g.LinkedID); ok {
		return tenant
	}
	tenant := r.resolve(g, dstNumber)
	if tenant != "" {
		r.cache.put(g.LinkedID, tenant)
	}
	return tenant
}

// CacheStats exposes hit/miss counters for the metrics snapshot.
func (r *TenantResolver) CacheStats() (hits, misses uint64) { return r.cache.stats() }

func (r *TenantResolver) resolve(g *correlate.Group, dstNumber string) string {
	// Strategy 1: DID lookup.
	if dstNumber != "" {
		if tenant, ok := r.didMap[strings.TrimPrefix(dstNumber, "+")]; ok {
			return tenant
		}
	}

	cdrs := g.CDRs()

	// Strategy 2: accountcode lookup, exact then prefix ("GC-Office" → "gc").
	for _, c := range cdrs {
		code := strings.ToLower(c.AccountCode)
		if code == "" {
			continue
		}
		if tenant, ok := r.accountMap[code]; ok {
			return tenant
		}
		for prefix, tenant := range r.accountMap {
			if strings.HasPrefix(code, prefix) {
				return tenant
			}
		}
	}

	// Strategy 3: CDR field scan. Context fields lead; channel names trail
	// because infrastructure tokens in them are the least reliable signal.
	for _, c := range cdrs {
		fields := []string{
			c.DContext, c.Context,
			c.AccountCode, c.UserField, c.PeerAccount, c.LastData,
			c.Channel, c.DstChannel,
		}
		if tenant := r.scanFields(fields); tenant != "" {
			return tenant
		}
	}

	// Strategy 4: CEL field scan under the same validator.
	for _, c := range g.CELs() {
		fields := []string{c.Context, c.ChanName, c.AppData, c.Peer, c.Extra}
		if tenant := r.scanFields(fields); tenant != "" {
			return tenant
		}
	}

	// Strategy 5: configured default.
	return r.fallback
}

func (r *TenantResolver) scanFields(fields []string) string {
	for _, field := range fields {
		if field == "" {
			continue
		}
		var tenant string
		if isChannelName(field) {
			tenant = r.fromChannel(field)
		}
		if tenant == "" {
			tenant = r.fromTokens(field)
		}
		if tenant != "" {
			return tenant
		}
	}
	return ""
}

func isChannelName(v string) bool {
	lower := strings.ToLower(v)
	return strings.Contains(lower, "sip/") || strings.Contains(lower, "pjsip/") ||
		strings.Contains(lower, "local/") || strings.Contains(lower, "iax2/")
}

// fromChannel extracts a tenant from channel names like
// "SIP/101-telair-000aff01". The trailing hex uniqueid is dropped first, and
// deny-listed trunk tokens (including multi-part ones like "sbc-ca2") are
// filtered before token selection.
func (r *TenantResolver) fromChannel(channel string) string {
	_, rest, ok := strings.Cut(channel, "/")
	if !ok {
		return ""
	}
	parts := strings.Split(rest, "-")
	// Drop the trailing uniqueid if it is hex-shaped.
	if len(parts) > 1 && isHex(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}

	// Deny-list filtering happens before any token is considered, so a
	// trunk name split across tokens ("sbc-ca2") disappears as a unit.
	var kept []string
	for i := 0; i < len(parts); {
		matched := 0
		for j := len(parts); j > i; j-- {
			if r.deny[strings.ToLower(strings.Join(parts[i:j], "-"))] {
				matched = j
				break
			}
		}
		if matched > 0 {
			i = matched
			continue
		}
		kept = append(kept, parts[i])
		i++
	}

	// Tenant conventionally trails; scan right to left.
	for i := len(kept) - 1; i >= 0; i-- {
		if r.validTenant(kept[i]) {
			return strings.ToLower(kept[i])
		}
	}
	return ""
}

// tokenDelimiters split context-like fields into candidate tokens.
var tokenDelimiters = func(r rune) bool {
	switch r {
	case '-', '_', '/', '@', ',':
		return true
	}
	return false
}

// fromTokens scans a delimiter-split field right-to-left for a valid tenant
// token.
func (r *TenantResolver) fromTokens(field string) string {
	tokens := strings.FieldsFunc(field, tokenDelimiters)
	if len(tokens) == 0 {
		return ""
	}
	if len(tokens) == 1 {
		if r.validTenant(tokens[0]) {
			return strings.ToLower(tokens[0])
		}
		return ""
	}
	for i := len(tokens) - 1; i >= 0; i-- {
		if r.validTenant(tokens[i]) {
			return strings.ToLower(tokens[i])
		}
	}
	return ""
}

// infrastructureTokens are generic tokens that appear in dialplan and channel
// names but never name a tenant.
var infrastructureTokens = map[string]bool{
	"sip": true, "pjsip": true, "iax": true, "iax2": true, "dahdi": true,
	"local": true, "from": true, "to": true, "did": true, "direct": true,
	"trunk": true, "peer": true, "sbc": true, "gw": true, "gateway": true,
	"pstn": true, "closed": true, "open": true, "internal": true,
	"external": true, "inside": true, "outside": true, "queue": true,
	"queues": true, "ext": true, "ivr": true, "macro": true, "dial": true,
	"redir": true, "restricted": true, "custom": true, "allroutes": true,
	"outbound": true, "inbound": true, "incoming": true, "outgoing": true,
	"timeconditions": true, "followme": true, "ringgroup": true,
	"phones": true, "users": true, "extensions": true, "default": true,
}

// validTenant applies the token validator: 2–20 characters, contains a
// letter, not purely numeric or hex, not an infrastructure token, and not on
// the configured trunk deny-list.
func (r *TenantResolver) validTenant(candidate string) bool {
	if len(candidate) < 2 || len(candidate) > 20 {
		return false
	}
	lower := strings.ToLower(candidate)
	if r.deny[lower] || infrastructureTokens[lower] {
		return false
	}
	hasLetter := false
	for _, c := range lower {
		if c >= 'a' && c <= 'z' {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return false
	}
	if isHex(lower) {
		return false
	}
	return true
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range strings.ToLower(s) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
