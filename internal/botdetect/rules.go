package botdetect

import (
	"regexp"
	"strings"
	"time"
)

// Signals is everything the rules look at for one request.
type Signals struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	HasAcceptLang  bool
	HasAcceptEnc   bool

	// Timing, derived from the per-IP request history including this request.
	HistoryLen    int
	IntervalCV    float64
	HasIntervalCV bool
	MinInterval   time.Duration
	UniquePaths   int
	SequentialRun int

	FingerprintChanges int64
	QuickUAChange      bool

	ReputationScore float64
}

// Rule adds Weight to the bot score when Match holds.
type Rule struct {
	Name     string
	Analyzer string
	Weight   float64
	Reason   string
	Match    func(s *Signals) bool
}

// minTimingHistory is the request count below which timing rules stay silent.
const minTimingHistory = 5

//nolint:gochecknoglobals // compiled once
var (
	crawlerPattern = regexp.MustCompile(`(?i)(googlebot|bingbot|duckduckbot|slurp|baiduspider|yandexbot|applebot|facebookexternalhit|linkedinbot)`)
	botToolPattern = regexp.MustCompile(`(?i)(curl|wget|python-requests|python-urllib|aiohttp|httpx|go-http-client|java/|okhttp|libwww-perl|scrapy|httpclient|headless|phantomjs|selenium|webdriver|puppeteer|playwright|nightwatch|zombie)`)
)

// IsKnownCrawler reports whether ua belongs to a legitimate search crawler.
func IsKnownCrawler(ua string) bool {
	return crawlerPattern.MatchString(ua)
}

// DefaultRules returns the scoring rules in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		// user agent
		{
			Name: "ua_bot_tool", Analyzer: "user_agent", Weight: 50,
			Reason: "user agent matches an automation tool",
			Match:  func(s *Signals) bool { return botToolPattern.MatchString(s.UserAgent) },
		},
		{
			Name: "ua_missing", Analyzer: "user_agent", Weight: 30,
			Reason: "missing user agent",
			Match:  func(s *Signals) bool { return strings.TrimSpace(s.UserAgent) == "" },
		},
		{
			Name: "ua_short", Analyzer: "user_agent", Weight: 15,
			Reason: "unusually short user agent",
			Match: func(s *Signals) bool {
				ua := strings.TrimSpace(s.UserAgent)
				return ua != "" && len(ua) < 20
			},
		},
		{
			Name: "ua_not_browser", Analyzer: "user_agent", Weight: 10,
			Reason: "user agent is not browser-shaped",
			Match: func(s *Signals) bool {
				ua := strings.TrimSpace(s.UserAgent)
				return ua != "" && !strings.HasPrefix(ua, "Mozilla/")
			},
		},

		// headers
		{
			Name: "header_no_accept_language", Analyzer: "headers", Weight: 10,
			Reason: "missing Accept-Language header",
			Match:  func(s *Signals) bool { return !s.HasAcceptLang },
		},
		{
			Name: "header_no_accept_encoding", Analyzer: "headers", Weight: 10,
			Reason: "missing Accept-Encoding header",
			Match:  func(s *Signals) bool { return !s.HasAcceptEnc },
		},
		{
			Name: "header_wildcard_language", Analyzer: "headers", Weight: 10,
			Reason: "wildcard Accept-Language header",
			Match:  func(s *Signals) bool { return strings.TrimSpace(s.AcceptLanguage) == "*" },
		},

		// timing
		{
			Name: "timing_regular", Analyzer: "timing", Weight: 40,
			Reason: "machine-like regular request intervals",
			Match: func(s *Signals) bool {
				return s.HistoryLen >= minTimingHistory && s.HasIntervalCV && s.IntervalCV < 0.1
			},
		},
		{
			Name: "timing_fast", Analyzer: "timing", Weight: 30,
			Reason: "requests less than 50ms apart",
			Match: func(s *Signals) bool {
				return s.HistoryLen >= minTimingHistory && s.MinInterval < 50*time.Millisecond
			},
		},
		{
			Name: "timing_crawl_breadth", Analyzer: "timing", Weight: 25,
			Reason: "crawling many unique paths",
			Match: func(s *Signals) bool {
				return s.HistoryLen > 60 && s.UniquePaths > 50
			},
		},
		{
			Name: "timing_sequential_paths", Analyzer: "timing", Weight: 20,
			Reason: "sequentially enumerating numeric paths",
			Match:  func(s *Signals) bool { return s.SequentialRun >= 6 },
		},

		// fingerprint
		{
			Name: "fingerprint_churn", Analyzer: "fingerprint", Weight: 25,
			Reason: "device fingerprint changed more than 3 times",
			Match:  func(s *Signals) bool { return s.FingerprintChanges > 3 },
		},
		{
			Name: "fingerprint_ua_flip", Analyzer: "fingerprint", Weight: 20,
			Reason: "user agent changed within 60s",
			Match:  func(s *Signals) bool { return s.QuickUAChange },
		},

		// reputation
		{
			Name: "reputation_high", Analyzer: "reputation", Weight: 20,
			Reason: "ip reputation score at least 75",
			Match:  func(s *Signals) bool { return s.ReputationScore >= 75 },
		},
		{
			Name: "reputation_elevated", Analyzer: "reputation", Weight: 10,
			Reason: "ip reputation score at least 50",
			Match:  func(s *Signals) bool { return s.ReputationScore >= 50 && s.ReputationScore < 75 },
		},
	}
}
