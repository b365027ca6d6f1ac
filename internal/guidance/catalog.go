package guidance

// Guidance tag codes. The strings are stable identifiers consumed by
// reporting; never renumber them.
const (
	DKIMMissing        = "dkim2"
	DKIMRSAVeryWeak    = "dkim5"
	DKIMRSA1024        = "dkim6"
	DKIMRSA2048        = "dkim7"
	DKIMRSA4096        = "dkim8"
	DKIMInvalidCrypto  = "dkim9"
	DKIMRotate         = "dkim10"
	DKIMTestingEnabled = "dkim13"

	DMARCMissing          = "dmarc2"
	DMARCPolicyMissing    = "dmarc3"
	DMARCPolicyNone       = "dmarc4"
	DMARCPolicyQuarantine = "dmarc5"
	DMARCPolicyReject     = "dmarc6"
	DMARCPolicyInvalid    = "dmarc7"
	DMARCSubMissing       = "dmarc8"
	DMARCSubNone          = "dmarc9"
	DMARCSubQuarantine    = "dmarc10"
	DMARCSubReject        = "dmarc11"
	DMARCSubInvalid       = "dmarc12"
	DMARCPctFull          = "dmarc13"
	DMARCPctPartial       = "dmarc14"
	DMARCPctInvalid       = "dmarc15"
	DMARCPctZero          = "dmarc16"
	DMARCRuaPresent       = "dmarc17"
	DMARCRufPresent       = "dmarc18"
	DMARCRuaMissing       = "dmarc19"
	DMARCRufMissing       = "dmarc20"

	SPFMissing        = "spf2"
	SPFHardFail       = "spf10"
	SPFSoftFail       = "spf11"
	SPFInvalidAll     = "spf12"
	SPFLookupLimit    = "spf13"
	SPFMissingInclude = "spf14"

	HTTPSMissing      = "https2"
	HTTPSNotEnforced  = "https3"
	HTTPSInvalid      = "https4"
	HTTPSNoHSTS       = "https5"
	HTTPSShortHSTS    = "https6"
	HTTPSNotPreloaded = "https7"
	HTTPSInvalidHSTS  = "https8"

	SSLMissing           = "ssl2"
	SSLRC4               = "ssl3"
	SSL3DES              = "ssl4"
	SSLWeakCipher        = "ssl5"
	SSLWeakSignature     = "ssl6"
	SSLHeartbleed        = "ssl7"
	SSLCCSInjection      = "ssl8"
	SSLRevoked           = "ssl9"
	SSLRevocationUnknown = "ssl10"
	SSLCertExpired       = "ssl12"
)

// Entry describes one guidance tag.
type Entry struct {
	Category string
	Summary  string
}

// Catalog maps every tag code to its category and a short summary.
var Catalog = map[string]Entry{
	DKIMMissing:        {"dkim", "DKIM record missing"},
	DKIMRSAVeryWeak:    {"dkim", "RSA key shorter than 1024 bits"},
	DKIMRSA1024:        {"dkim", "RSA-1024 key"},
	DKIMRSA2048:        {"dkim", "RSA-2048 key"},
	DKIMRSA4096:        {"dkim", "RSA-4096 key"},
	DKIMInvalidCrypto:  {"dkim", "Unsupported key type"},
	DKIMRotate:         {"dkim", "Key unchanged for twelve months, rotation recommended"},
	DKIMTestingEnabled: {"dkim", "Testing flag enabled"},

	DMARCMissing:          {"dmarc", "DMARC record missing"},
	DMARCPolicyMissing:    {"dmarc", "p tag missing"},
	DMARCPolicyNone:       {"dmarc", "p=none"},
	DMARCPolicyQuarantine: {"dmarc", "p=quarantine"},
	DMARCPolicyReject:     {"dmarc", "p=reject"},
	DMARCPolicyInvalid:    {"dmarc", "p tag invalid"},
	DMARCSubMissing:       {"dmarc", "sp tag missing"},
	DMARCSubNone:          {"dmarc", "sp=none"},
	DMARCSubQuarantine:    {"dmarc", "sp=quarantine"},
	DMARCSubReject:        {"dmarc", "sp=reject"},
	DMARCSubInvalid:       {"dmarc", "sp tag invalid"},
	DMARCPctFull:          {"dmarc", "pct=100"},
	DMARCPctPartial:       {"dmarc", "pct below 100"},
	DMARCPctInvalid:       {"dmarc", "pct tag invalid"},
	DMARCPctZero:          {"dmarc", "pct=0"},
	DMARCRuaPresent:       {"dmarc", "Aggregate reports configured"},
	DMARCRufPresent:       {"dmarc", "Forensic reports configured"},
	DMARCRuaMissing:       {"dmarc", "Aggregate reports not configured"},
	DMARCRufMissing:       {"dmarc", "Forensic reports not configured"},

	SPFMissing:        {"spf", "SPF record missing"},
	SPFHardFail:       {"spf", "Ends in -all"},
	SPFSoftFail:       {"spf", "Ends in ~all"},
	SPFInvalidAll:     {"spf", "Terminal all mechanism missing or inconsistent"},
	SPFLookupLimit:    {"spf", "More than 10 DNS lookups"},
	SPFMissingInclude: {"spf", "Include not present in record text"},

	HTTPSMissing:      {"https", "HTTPS scan data missing"},
	HTTPSNotEnforced:  {"https", "HTTPS not enforced"},
	HTTPSInvalid:      {"https", "HTTPS downgraded or invalid"},
	HTTPSNoHSTS:       {"https", "HSTS missing"},
	HTTPSShortHSTS:    {"https", "HSTS max-age below one year"},
	HTTPSNotPreloaded: {"https", "HSTS not preloaded"},
	HTTPSInvalidHSTS:  {"https", "HSTS header invalid"},

	SSLMissing:           {"ssl", "TLS scan data missing"},
	SSLRC4:               {"ssl", "RC4 accepted"},
	SSL3DES:              {"ssl", "3DES accepted"},
	SSLWeakCipher:        {"ssl", "Cipher with weak hash accepted"},
	SSLWeakSignature:     {"ssl", "Certificate signed with weak hash"},
	SSLHeartbleed:        {"ssl", "Vulnerable to Heartbleed"},
	SSLCCSInjection:      {"ssl", "Vulnerable to CCS injection"},
	SSLRevoked:           {"ssl", "Certificate revoked"},
	SSLRevocationUnknown: {"ssl", "Certificate revocation status unknown"},
	SSLCertExpired:       {"ssl", "Certificate expired"},
}
