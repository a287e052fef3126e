package investigate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
)

// providerBase carries what every built-in provider shares.
type providerBase struct {
	name    string
	apiKey  string
	offline bool
	client  httpDoer
}

func (p *providerBase) Name() string { return p.name }

// finding assembles a Finding with the provider's raw fields.
func (p *providerBase) finding(score float64, mocked bool, raw map[string]interface{}) *event.Finding {
	return &event.Finding{
		Source:          p.name,
		Raw:             raw,
		NormalizedScore: clamp01(score),
		IsMocked:        mocked,
	}
}

// mocked reports whether this provider must answer with a deterministic
// offline finding instead of a network call.
func (p *providerBase) mocked() bool {
	return p.offline || (p.apiKey == "" && p.needsKey())
}

func (p *providerBase) needsKey() bool {
	switch p.name {
	case "vt", "abuseipdb", "otx":
		return true
	}
	return false
}

// ProviderOptions configures one built-in provider instance.
type ProviderOptions struct {
	APIKey  string
	Offline bool
	Timeout time.Duration
	// Client overrides the HTTP client, used by tests.
	Client httpDoer
}

func newBase(name string, opts ProviderOptions) providerBase {
	client := opts.Client
	if client == nil {
		client = newHTTPClient(opts.Timeout)
	}
	return providerBase{name: name, apiKey: opts.APIKey, offline: opts.Offline, client: client}
}

// VirusTotalProvider queries the negative-vote reputation of an IP.
// Reputation is in [-100, 100]; normalized = clamp((-rep+100)/200, 0, 1).
type VirusTotalProvider struct{ providerBase }

func NewVirusTotalProvider(opts ProviderOptions) *VirusTotalProvider {
	return &VirusTotalProvider{newBase("vt", opts)}
}

func (p *VirusTotalProvider) CheckIP(ctx context.Context, ip string) (*event.Finding, error) {
	if p.mocked() {
		rep := mockValue(ip, 201) - 100
		return p.finding(float64(-rep+100)/200, true,
			map[string]interface{}{"ip": ip, "reputation": rep}), nil
	}

	url := fmt.Sprintf("https://www.virustotal.com/api/v3/ip_addresses/%s", ip)
	body, err := getJSON(ctx, p.client, url, map[string]string{"x-apikey": p.apiKey})
	if err != nil {
		return nil, fmt.Errorf("vt lookup failed: %w", err)
	}
	rep := jsonNumber(jsonMap(jsonMap(body, "data"), "attributes"), "reputation")
	return p.finding((-rep+100)/200, false,
		map[string]interface{}{"ip": ip, "reputation": rep}), nil
}

// AbuseIPDBProvider queries the abuse confidence score in [0, 100].
type AbuseIPDBProvider struct{ providerBase }

func NewAbuseIPDBProvider(opts ProviderOptions) *AbuseIPDBProvider {
	return &AbuseIPDBProvider{newBase("abuseipdb", opts)}
}

func (p *AbuseIPDBProvider) CheckIP(ctx context.Context, ip string) (*event.Finding, error) {
	if p.mocked() {
		score := mockValue(ip, 101)
		return p.finding(float64(score)/100, true,
			map[string]interface{}{"ip": ip, "abuse_score": score}), nil
	}

	url := fmt.Sprintf("https://api.abuseipdb.com/api/v2/check?ipAddress=%s&maxAgeInDays=90", ip)
	body, err := getJSON(ctx, p.client, url, map[string]string{
		"Key":    p.apiKey,
		"Accept": "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("abuseipdb lookup failed: %w", err)
	}
	score := jsonNumber(jsonMap(body, "data"), "abuseConfidenceScore")
	return p.finding(score/100, false,
		map[string]interface{}{"ip": ip, "abuse_score": score}), nil
}

// OTXProvider counts threat-exchange pulses; normalized = min(count/5, 1).
type OTXProvider struct{ providerBase }

func NewOTXProvider(opts ProviderOptions) *OTXProvider {
	return &OTXProvider{newBase("otx", opts)}
}

func (p *OTXProvider) CheckIP(ctx context.Context, ip string) (*event.Finding, error) {
	if p.mocked() {
		pulses := mockValue(ip, 8)
		return p.finding(float64(pulses)/5, true,
			map[string]interface{}{"ip": ip, "pulses": pulses}), nil
	}

	url := fmt.Sprintf("https://otx.alienvault.com/api/v1/indicators/IPv4/%s/general", ip)
	body, err := getJSON(ctx, p.client, url, map[string]string{"X-OTX-API-KEY": p.apiKey})
	if err != nil {
		return nil, fmt.Errorf("otx lookup failed: %w", err)
	}
	pulses := 0.0
	if info, ok := body["pulse_info"].(map[string]interface{}); ok {
		if list, ok := info["pulses"].([]interface{}); ok {
			pulses = float64(len(list))
		}
	}
	return p.finding(pulses/5, false,
		map[string]interface{}{"ip": ip, "pulses": pulses}), nil
}

// IPQualityScoreProvider queries a fraud score in [0, 100]. The free
// endpoint needs no credential.
type IPQualityScoreProvider struct{ providerBase }

func NewIPQualityScoreProvider(opts ProviderOptions) *IPQualityScoreProvider {
	return &IPQualityScoreProvider{newBase("ipqs", opts)}
}

func (p *IPQualityScoreProvider) CheckIP(ctx context.Context, ip string) (*event.Finding, error) {
	if p.mocked() {
		score := mockValue(ip, 100)
		return p.finding(float64(score)/100, true,
			map[string]interface{}{"ip": ip, "fraud_score": score}), nil
	}

	url := fmt.Sprintf("https://www.ipqualityscore.com/api/json/ip/free/%s", ip)
	body, err := getJSON(ctx, p.client, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ipqs lookup failed: %w", err)
	}
	score := jsonNumber(body, "fraud_score")
	return p.finding(score/100, false,
		map[string]interface{}{"ip": ip, "fraud_score": score}), nil
}

// ThreatCrowdProvider uses community votes:
// normalized = malicious / (malicious + benign + 1).
type ThreatCrowdProvider struct{ providerBase }

func NewThreatCrowdProvider(opts ProviderOptions) *ThreatCrowdProvider {
	return &ThreatCrowdProvider{newBase("threatcrowd", opts)}
}

func (p *ThreatCrowdProvider) CheckIP(ctx context.Context, ip string) (*event.Finding, error) {
	if p.mocked() {
		malicious := mockValue(ip, 10)
		benign := mockValue(ip+"/benign", 10)
		score := float64(malicious) / float64(malicious+benign+1)
		return p.finding(score, true, map[string]interface{}{
			"ip": ip, "votes_malicious": malicious, "votes_benign": benign,
		}), nil
	}

	url := fmt.Sprintf("https://www.threatcrowd.org/searchApi/v2/ip/report/?ip=%s", ip)
	body, err := getJSON(ctx, p.client, url, nil)
	if err != nil {
		return nil, fmt.Errorf("threatcrowd lookup failed: %w", err)
	}
	malicious := jsonNumber(body, "votes_malicious")
	benign := jsonNumber(body, "votes_benign")
	score := malicious / (malicious + benign + 1)
	return p.finding(score, false, map[string]interface{}{
		"ip": ip, "votes_malicious": malicious, "votes_benign": benign,
	}), nil
}

// GreyNoiseProvider maps scanner classification onto a fixed scale:
// benign 0.0, unknown 0.3, malicious 0.9.
type GreyNoiseProvider struct{ providerBase }

func NewGreyNoiseProvider(opts ProviderOptions) *GreyNoiseProvider {
	return &GreyNoiseProvider{newBase("greynoise", opts)}
}

func classificationScore(classification string) float64 {
	switch classification {
	case "malicious":
		return 0.9
	case "benign":
		return 0.0
	default:
		return 0.3
	}
}

func (p *GreyNoiseProvider) CheckIP(ctx context.Context, ip string) (*event.Finding, error) {
	if p.mocked() {
		classification := []string{"benign", "unknown", "malicious"}[mockValue(ip, 3)]
		return p.finding(classificationScore(classification), true,
			map[string]interface{}{"ip": ip, "classification": classification}), nil
	}

	url := fmt.Sprintf("https://api.greynoise.io/v3/community/%s", ip)
	body, err := getJSON(ctx, p.client, url, nil)
	if err != nil {
		return nil, fmt.Errorf("greynoise lookup failed: %w", err)
	}
	classification, _ := body["classification"].(string)
	if classification == "" {
		classification = "unknown"
	}
	return p.finding(classificationScore(classification), false, map[string]interface{}{
		"ip":             ip,
		"classification": classification,
		"noise":          body["noise"],
		"riot":           body["riot"],
	}), nil
}

// BuildProviders instantiates the enabled built-in providers in a stable
// order. Unknown names are a configuration error surfaced at startup.
func BuildProviders(cfgs map[string]ProviderSettings, offline bool) ([]Provider, error) {
	order := []string{"vt", "abuseipdb", "otx", "ipqs", "threatcrowd", "greynoise"}
	known := map[string]bool{}
	for _, name := range order {
		known[name] = true
	}
	for name := range cfgs {
		if !known[name] {
			return nil, fmt.Errorf("unknown threat-intel provider %q", name)
		}
	}

	var providers []Provider
	for _, name := range order {
		settings, configured := cfgs[name]
		if configured && !settings.Enabled {
			continue
		}
		opts := ProviderOptions{APIKey: settings.Credential, Offline: offline, Timeout: 5 * time.Second}
		switch name {
		case "vt":
			providers = append(providers, NewVirusTotalProvider(opts))
		case "abuseipdb":
			providers = append(providers, NewAbuseIPDBProvider(opts))
		case "otx":
			providers = append(providers, NewOTXProvider(opts))
		case "ipqs":
			providers = append(providers, NewIPQualityScoreProvider(opts))
		case "threatcrowd":
			providers = append(providers, NewThreatCrowdProvider(opts))
		case "greynoise":
			providers = append(providers, NewGreyNoiseProvider(opts))
		}
	}
	return providers, nil
}

// ProviderSettings mirrors the per-provider configuration block.
type ProviderSettings struct {
	Enabled        bool
	Credential     string
	RequestsPerDay int
	Burst          int
	TTL            time.Duration
}

var _ httpDoer = (*http.Client)(nil)
