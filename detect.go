package aluvia

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Pass identifies which detection pass produced a result. The Fast pass
// fires as soon as content is parseable and evaluates only cheap
// signals; the Full pass fires once the page is network-quiet and
// additionally inspects the document itself.
type Pass string

const (
	PassFast Pass = "fast"
	PassFull Pass = "full"
)

// Tier is the output classification of a detection pass.
type Tier int

const (
	TierClear Tier = iota
	TierSuspected
	TierBlocked
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierBlocked:
		return "blocked"
	case TierSuspected:
		return "suspected"
	default:
		return "clear"
	}
}

// Navigation kinds reported by the collaborating browser layer.
const (
	// NavigationFull is an ordinary full page navigation.
	NavigationFull = "navigation"

	// NavigationSoft is a client-side URL change without a full
	// navigation event (SPA routing). The engine re-evaluates such
	// observations as a Fast pass against the new URL.
	NavigationSoft = "spa"
)

// SignalCategory names one independently-weighted observation category.
type SignalCategory string

const (
	SignalStatusCode        SignalCategory = "status_code"
	SignalWafHeader         SignalCategory = "waf_header"
	SignalRedirectChain     SignalCategory = "redirect_chain"
	SignalTitleKeyword      SignalCategory = "title_keyword"
	SignalTextKeyword       SignalCategory = "text_keyword"
	SignalChallengeSelector SignalCategory = "challenge_selector"
	SignalTextHTMLRatio     SignalCategory = "text_html_ratio"
	SignalMetaRefresh       SignalCategory = "meta_refresh"
	SignalAnalysisError     SignalCategory = "analysis_error"
)

// Signal is one triggered observation. Signals are pure data; they carry
// no side effects.
type Signal struct {
	Category SignalCategory `json:"category"`
	Weight   float64        `json:"weight"`
	Evidence string         `json:"evidence"`
}

// Observation is the raw page-load data supplied by the collaborating
// browser layer for one navigation.
type Observation struct {
	// URL of the (final) document.
	URL string

	// StatusCode of the main document response.
	StatusCode int

	// Headers of the main document response.
	Headers http.Header

	// Title of the document, if parsed.
	Title string

	// VisibleText is the rendered text content, if extracted. When
	// empty and HTML is set, the engine extracts text itself.
	VisibleText string

	// HTML is the raw document markup, if captured.
	HTML string

	// MatchedChallengeSelectors lists DOM selectors for known challenge
	// widgets that the collaborator found present.
	MatchedChallengeSelectors []string

	// RedirectChain is the sequence of URLs traversed to reach the
	// document, in order.
	RedirectChain []string

	// NavigationKind is NavigationFull or NavigationSoft.
	NavigationKind string

	// CollectionError is set when the collaborator failed to gather
	// signals (e.g., content unreadable). The engine fails open.
	CollectionError string
}

// Result is the outcome of one detection analysis.
type Result struct {
	Hostname string   `json:"hostname"`
	Score    float64  `json:"score"`
	Tier     Tier     `json:"-"`
	TierName string   `json:"tier"`
	Signals  []Signal `json:"signals"`
	Pass     Pass     `json:"pass"`
}

// SignalWeights carries the per-category weight each triggered signal
// contributes. Zero values fall back to the defaults, which are tuned so
// that two mid-confidence signals reach the blocked threshold while any
// single signal lands at suspected at most.
type SignalWeights struct {
	StatusCode        float64 `mapstructure:"status_code"`
	WafHeader         float64 `mapstructure:"waf_header"`
	RedirectChain     float64 `mapstructure:"redirect_chain"`
	TitleKeyword      float64 `mapstructure:"title_keyword"`
	TextKeyword       float64 `mapstructure:"text_keyword"`
	ChallengeSelector float64 `mapstructure:"challenge_selector"`
	TextHTMLRatio     float64 `mapstructure:"text_html_ratio"`
	MetaRefresh       float64 `mapstructure:"meta_refresh"`
	AnalysisError     float64 `mapstructure:"analysis_error"`
}

// DefaultSignalWeights returns the default per-category weights.
func DefaultSignalWeights() SignalWeights {
	return SignalWeights{
		StatusCode:        0.35,
		WafHeader:         0.35,
		RedirectChain:     0.30,
		TitleKeyword:      0.30,
		TextKeyword:       0.25,
		ChallengeSelector: 0.45,
		TextHTMLRatio:     0.15,
		MetaRefresh:       0.15,
		AnalysisError:     0.10,
	}
}

// normalized returns the weights with zero values replaced by defaults.
func (w SignalWeights) normalized() SignalWeights {
	d := DefaultSignalWeights()
	if w.StatusCode == 0 {
		w.StatusCode = d.StatusCode
	}
	if w.WafHeader == 0 {
		w.WafHeader = d.WafHeader
	}
	if w.RedirectChain == 0 {
		w.RedirectChain = d.RedirectChain
	}
	if w.TitleKeyword == 0 {
		w.TitleKeyword = d.TitleKeyword
	}
	if w.TextKeyword == 0 {
		w.TextKeyword = d.TextKeyword
	}
	if w.ChallengeSelector == 0 {
		w.ChallengeSelector = d.ChallengeSelector
	}
	if w.TextHTMLRatio == 0 {
		w.TextHTMLRatio = d.TextHTMLRatio
	}
	if w.MetaRefresh == 0 {
		w.MetaRefresh = d.MetaRefresh
	}
	if w.AnalysisError == 0 {
		w.AnalysisError = d.AnalysisError
	}
	return w
}

// Status codes WAFs and challenge pages answer with.
var blockStatusCodes = map[int]bool{
	http.StatusForbidden:          true,
	http.StatusTooManyRequests:    true,
	http.StatusServiceUnavailable: true,
}

// Response headers whose presence marks a WAF or bot-management verdict.
var wafHeaderNames = []string{
	"Cf-Mitigated",
	"Cf-Chl-Bypass",
	"X-Sucuri-Block",
	"X-Distil-Cs",
	"X-Datadome",
	"X-Px-Block",
	"X-Iinfo",
	"X-Akamai-Bot",
}

// Server header values that identify a WAF edge.
var wafServerValues = []string{
	"cloudflare",
	"akamaighost",
	"sucuri/cloudproxy",
	"imperva",
	"ddos-guard",
	"awselb/2.0",
}

// URL fragments that mark a bounce through a challenge endpoint.
var challengeURLFragments = []string{
	"/cdn-cgi/challenge",
	"challenges.cloudflare.com",
	"geo.captcha-delivery.com",
	"validate.perfdrive.com",
	"_incapsula_",
	"captcha",
}

// Keyword sets are matched with word boundaries so that, for example,
// "blocked" never matches inside "unblockedly".
var (
	titleKeywordRe = regexp.MustCompile(`(?i)\b(?:just a moment|attention required|access denied|blocked|forbidden|security check|are you a robot|captcha|ddos protection|verification required)\b`)
	textKeywordRe  = regexp.MustCompile(`(?i)\b(?:access denied|you have been blocked|verify you are human|unusual traffic|request blocked|enable javascript and cookies|complete the security check|reference id)\b`)
	metaRefreshRe  = regexp.MustCompile(`(?i)^\s*refresh\s*$`)
)

// Minimum document size before the text-to-HTML ratio is meaningful.
const ratioMinHTMLBytes = 1024

// textHTMLRatioFloor is the ratio below which a document is considered
// markup-only, a shape typical of interstitial challenge pages.
const textHTMLRatioFloor = 0.05

// Detector is the block-detection engine. It consumes page-load
// observations from a collaborating browser layer, computes a weighted
// score across independent signal categories, classifies the page into a
// tier, and, in auto-reload mode, feeds detected blocks back into the
// routing rules.
//
// Analyze is safe to call concurrently from multiple page lifecycles.
type Detector struct {
	// Weights per signal category.
	Weights SignalWeights

	// BlockedThreshold and SuspectedThreshold tier the score.
	// Defaults: 0.7 and 0.4.
	BlockedThreshold   float64
	SuspectedThreshold float64

	// AutoReload enables the remediation feedback loop.
	AutoReload bool

	// Sync receives rule additions for blocked hostnames (optional).
	Sync *Synchronizer

	// Tracker guards against unbounded automatic retries. Required
	// when AutoReload is set.
	Tracker *EscalationTracker

	// ReloadFunc is invoked to ask the collaborator to reload the page
	// after a rule addition (optional). The engine never reloads pages
	// itself.
	ReloadFunc func(hostname string)

	// Logger for detection events.
	Logger *slog.Logger

	// Metrics collects detection outcomes (optional).
	Metrics *Metrics

	mu        sync.Mutex
	observers []func(Result)
}

// NewDetector creates a Detector from detection settings, with its own
// escalation tracker.
func NewDetector(s DetectionSettings) *Detector {
	blocked := s.BlockedThreshold
	if blocked == 0 {
		blocked = 0.7
	}
	suspected := s.SuspectedThreshold
	if suspected == 0 {
		suspected = 0.4
	}
	return &Detector{
		Weights:            s.Weights.normalized(),
		BlockedThreshold:   blocked,
		SuspectedThreshold: suspected,
		AutoReload:         s.AutoReload,
		Tracker:            NewEscalationTracker(s.EscalationCap),
		Logger:             slog.Default(),
	}
}

// Subscribe registers an observer invoked for every analysis result,
// including Clear ones. Observers run synchronously on the analyzing
// goroutine and must not block.
func (d *Detector) Subscribe(fn func(Result)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Analyze scores one observation and classifies it. A collection error
// never propagates: the result fails open to Clear with a single
// low-weight evidence signal. Blocked results trigger the feedback loop
// when AutoReload is set and the escalation tracker permits it.
func (d *Detector) Analyze(obs Observation, pass Pass) Result {
	hostname := observationHostname(obs.URL)
	weights := d.Weights.normalized()

	// A client-side URL change is re-evaluated as a Fast pass against
	// the new URL rather than waiting for a later full page load.
	if obs.NavigationKind == NavigationSoft {
		pass = PassFast
	}

	if obs.CollectionError != "" {
		return d.finish(Result{
			Hostname: hostname,
			Tier:     TierClear,
			TierName: TierClear.String(),
			Signals: []Signal{{
				Category: SignalAnalysisError,
				Weight:   weights.AnalysisError,
				Evidence: obs.CollectionError,
			}},
			Score: weights.AnalysisError,
			Pass:  pass,
		})
	}

	signals := d.fastSignals(obs, weights)
	if pass == PassFull {
		signals = append(signals, d.fullSignals(obs, weights)...)
	}

	score := 0.0
	for _, s := range signals {
		score += s.Weight
	}
	if score > 1.0 {
		score = 1.0
	}

	tier := TierClear
	switch {
	case score >= d.BlockedThreshold:
		tier = TierBlocked
	case score >= d.SuspectedThreshold:
		tier = TierSuspected
	}

	return d.finish(Result{
		Hostname: hostname,
		Score:    score,
		Tier:     tier,
		TierName: tier.String(),
		Signals:  signals,
		Pass:     pass,
	})
}

// fastSignals evaluates the cheap signals available as soon as headers
// and the redirect chain are known.
func (d *Detector) fastSignals(obs Observation, w SignalWeights) []Signal {
	var signals []Signal

	if blockStatusCodes[obs.StatusCode] {
		signals = append(signals, Signal{
			Category: SignalStatusCode,
			Weight:   w.StatusCode,
			Evidence: fmt.Sprintf("status %d", obs.StatusCode),
		})
	}

	if evidence := wafHeaderEvidence(obs.Headers); evidence != "" {
		signals = append(signals, Signal{
			Category: SignalWafHeader,
			Weight:   w.WafHeader,
			Evidence: evidence,
		})
	}

	for _, hop := range obs.RedirectChain {
		lower := strings.ToLower(hop)
		for _, frag := range challengeURLFragments {
			if strings.Contains(lower, frag) {
				signals = append(signals, Signal{
					Category: SignalRedirectChain,
					Weight:   w.RedirectChain,
					Evidence: "redirect through " + hop,
				})
				return signals
			}
		}
	}

	return signals
}

// fullSignals evaluates the document-level signals available once the
// page is network-quiet.
func (d *Detector) fullSignals(obs Observation, w SignalWeights) []Signal {
	var signals []Signal

	if m := titleKeywordRe.FindString(obs.Title); m != "" {
		signals = append(signals, Signal{
			Category: SignalTitleKeyword,
			Weight:   w.TitleKeyword,
			Evidence: "title contains " + strings.ToLower(m),
		})
	}

	text := obs.VisibleText
	if text == "" && obs.HTML != "" {
		text = extractVisibleText(obs.HTML)
	}
	if m := textKeywordRe.FindString(text); m != "" {
		signals = append(signals, Signal{
			Category: SignalTextKeyword,
			Weight:   w.TextKeyword,
			Evidence: "text contains " + strings.ToLower(m),
		})
	}

	if len(obs.MatchedChallengeSelectors) > 0 {
		signals = append(signals, Signal{
			Category: SignalChallengeSelector,
			Weight:   w.ChallengeSelector,
			Evidence: "selector " + obs.MatchedChallengeSelectors[0],
		})
	}

	if len(obs.HTML) >= ratioMinHTMLBytes {
		ratio := float64(len(text)) / float64(len(obs.HTML))
		if ratio < textHTMLRatioFloor {
			signals = append(signals, Signal{
				Category: SignalTextHTMLRatio,
				Weight:   w.TextHTMLRatio,
				Evidence: fmt.Sprintf("text/html ratio %.3f", ratio),
			})
		}
	}

	if target := metaRefreshTarget(obs.HTML); target != "" {
		signals = append(signals, Signal{
			Category: SignalMetaRefresh,
			Weight:   w.MetaRefresh,
			Evidence: "meta refresh to " + target,
		})
	}

	return signals
}

// finish records, notifies, and runs the feedback loop for a result.
func (d *Detector) finish(res Result) Result {
	if d.Metrics != nil {
		d.Metrics.RecordDetection(res.TierName, string(res.Pass), res.Score)
	}
	d.Logger.Debug("detection", "host", res.Hostname, "tier", res.TierName, "score", res.Score, "pass", res.Pass)

	if d.Tracker != nil {
		d.Tracker.RecordResult(res.Hostname, res.Tier)
	}

	if res.Tier == TierBlocked && d.AutoReload && d.Tracker != nil && d.Tracker.PermitsAction(res.Hostname) {
		if d.Sync != nil {
			d.Sync.PushRuleAddition(res.Hostname)
		}
		if d.ReloadFunc != nil {
			d.ReloadFunc(res.Hostname)
		}
	}

	d.mu.Lock()
	observers := append([]func(Result){}, d.observers...)
	d.mu.Unlock()
	for _, fn := range observers {
		fn(res)
	}

	return res
}

// BlockedHostnames returns the hostnames currently tracked as blocked.
func (d *Detector) BlockedHostnames() []string {
	if d.Tracker == nil {
		return nil
	}
	return d.Tracker.ListBlocked()
}

// BlockedHostSet returns the blocked hostnames as a set, in the shape
// the AUTO rule preset consumes.
func (d *Detector) BlockedHostSet() map[string]struct{} {
	if d.Tracker == nil {
		return nil
	}
	hosts := d.Tracker.ListBlocked()
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		set[h] = struct{}{}
	}
	return set
}

// ClearBlockedHostnames discards all tracked block state.
func (d *Detector) ClearBlockedHostnames() {
	if d.Tracker != nil {
		d.Tracker.ResetAll()
	}
}

func observationHostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}
	host := u.Host
	if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
		host = h
	}
	return strings.ToLower(host)
}

func wafHeaderEvidence(h http.Header) string {
	if h == nil {
		return ""
	}
	for _, name := range wafHeaderNames {
		if v := h.Get(name); v != "" {
			return name + ": " + v
		}
	}
	server := strings.ToLower(h.Get("Server"))
	for _, v := range wafServerValues {
		if server == v {
			return "Server: " + server
		}
	}
	return ""
}

// extractVisibleText walks the markup and concatenates text nodes,
// skipping script and style subtrees.
func extractVisibleText(markup string) string {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return ""
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String()
}

// metaRefreshTarget returns the refresh target of a meta-refresh tag,
// or "" when the document has none.
func metaRefreshTarget(markup string) string {
	if markup == "" || !strings.Contains(strings.ToLower(markup), "http-equiv") {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return ""
	}

	var target string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if target != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "meta" {
			var equiv, content string
			for _, a := range n.Attr {
				switch strings.ToLower(a.Key) {
				case "http-equiv":
					equiv = a.Val
				case "content":
					content = a.Val
				}
			}
			if metaRefreshRe.MatchString(equiv) {
				target = content
				// Locate "url=" case-insensitively but report the
				// target in its original case.
				if i := strings.Index(strings.ToLower(content), "url="); i >= 0 {
					target = content[i+len("url="):]
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return target
}
