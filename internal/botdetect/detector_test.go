package botdetect_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgov/civicguard/internal/botdetect"
	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/testutil"
)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // test fixture

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept-Language", "en-NZ,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, br")
	return h
}

func newDetector(t *testing.T, opts ...botdetect.Option) *botdetect.Detector {
	t.Helper()
	store, _ := testutil.NewStore(t)
	return botdetect.NewDetector(store, botdetect.Config{}, opts...)
}

func TestAnalyze_KnownCrawlerIsInfo(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	for _, ua := range []string{"Googlebot", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", "bingbot/2.0"} {
		res, err := d.Analyze(context.Background(), botdetect.Request{IP: "66.249.66.1", UserAgent: ua, Path: "/bills"})
		require.NoError(t, err)
		assert.True(t, res.IsBot, ua)
		assert.Equal(t, domain.ThreatLevelInfo, res.Level, ua)
		assert.True(t, res.Crawler)
		assert.Nil(t, res.Threat, "verified crawlers raise no threat")
	}
}

func TestAnalyze_BrowserIsClean(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	res, err := d.Analyze(context.Background(), botdetect.Request{
		IP: "192.0.2.10", UserAgent: browserUA, Path: "/bills/42", Headers: browserHeaders(),
		Fingerprint: map[string]string{"screen": "1920x1080", "tz": "Pacific/Auckland"}, At: t0,
	})
	require.NoError(t, err)
	assert.False(t, res.IsBot)
	assert.Zero(t, res.Score)
	assert.Equal(t, domain.ThreatLevelInfo, res.Level)
	assert.Empty(t, res.Reasons)
	assert.Nil(t, res.Threat)
}

func TestAnalyze_CommandLineClient(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	res, err := d.Analyze(context.Background(), botdetect.Request{IP: "203.0.113.9", UserAgent: "curl/8.4.0", Path: "/vote", At: t0})
	require.NoError(t, err)

	// tool 50 + short 15 + non-browser 10 + no Accept-Language 10 + no Accept-Encoding 10
	assert.InDelta(t, 95, res.Score, 1e-9)
	assert.True(t, res.IsBot)
	assert.Equal(t, domain.ThreatLevelHigh, res.Level)
	require.NotNil(t, res.Threat)
	assert.Equal(t, domain.ThreatBotAttack, res.Threat.Type)
	assert.Equal(t, "203.0.113.9", res.Threat.Source)
	assert.Equal(t, "/vote", res.Threat.Target)
	assert.Len(t, res.Threat.Indicators, 5)
}

func TestAnalyze_MissingUserAgent(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	res, err := d.Analyze(context.Background(), botdetect.Request{IP: "203.0.113.10", Headers: browserHeaders(), At: t0})
	require.NoError(t, err)
	assert.InDelta(t, 30, res.Score, 1e-9)
	assert.False(t, res.IsBot)
}

func TestAnalyze_WildcardLanguage(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	h := browserHeaders()
	h.Set("Accept-Language", "*")
	res, err := d.Analyze(context.Background(), botdetect.Request{IP: "203.0.113.11", UserAgent: browserUA, Headers: h, At: t0})
	require.NoError(t, err)
	assert.InDelta(t, 10, res.Score, 1e-9)
}

func TestAnalyze_RegularFastTiming(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newDetector(t)

	var res *botdetect.Result
	var err error
	for i := range 6 {
		res, err = d.Analyze(ctx, botdetect.Request{
			IP: "198.51.100.1", UserAgent: browserUA, Headers: browserHeaders(),
			Path: "/search", At: t0.Add(time.Duration(i*10) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	// regular 40 + fast 30
	assert.InDelta(t, 70, res.Score, 1e-9)
	assert.True(t, res.IsBot)
	assert.Equal(t, domain.ThreatLevelLow, res.Level)
	assert.NotNil(t, res.Threat)
}

func TestAnalyze_TimingNeedsHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newDetector(t)

	var res *botdetect.Result
	var err error
	for i := range 4 {
		res, err = d.Analyze(ctx, botdetect.Request{
			IP: "198.51.100.2", UserAgent: browserUA, Headers: browserHeaders(),
			Path: "/search", At: t0.Add(time.Duration(i*10) * time.Millisecond),
		})
		require.NoError(t, err)
	}
	assert.Zero(t, res.Score)
}

func TestAnalyze_SequentialEnumeration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newDetector(t)

	gaps := []time.Duration{0, 700, 2300, 900, 4100, 1500}
	at := t0
	var res *botdetect.Result
	var err error
	for i, g := range gaps {
		at = at.Add(g * time.Millisecond)
		res, err = d.Analyze(ctx, botdetect.Request{
			IP: "198.51.100.3", UserAgent: browserUA, Headers: browserHeaders(),
			Path: fmt.Sprintf("/bills/%d", 100+i), At: at,
		})
		require.NoError(t, err)
	}
	assert.Contains(t, res.Reasons, "sequentially enumerating numeric paths")
	assert.InDelta(t, 20, res.Score, 1e-9)
}

func TestAnalyze_FingerprintChurnAndUAFlip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newDetector(t)

	var res *botdetect.Result
	var err error
	for i := range 5 {
		res, err = d.Analyze(ctx, botdetect.Request{
			IP: "198.51.100.4", UserAgent: browserUA, Headers: browserHeaders(),
			Fingerprint: map[string]string{"canvas": fmt.Sprintf("c%d", i)},
			At:          t0.Add(time.Duration(i) * 10 * time.Minute),
		})
		require.NoError(t, err)
	}
	assert.Contains(t, res.Reasons, "device fingerprint changed more than 3 times")

	res, err = d.Analyze(ctx, botdetect.Request{
		IP: "198.51.100.4", UserAgent: "Mozilla/5.0 (Macintosh) Firefox/127.0", Headers: browserHeaders(),
		At: t0.Add(40*time.Minute + 30*time.Second),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Reasons, "user agent changed within 60s")
}

type stubReputation struct{ score float64 }

func (s stubReputation) GetReputation(_ context.Context, ip string) (*domain.IPReputationRecord, error) {
	return &domain.IPReputationRecord{IP: ip, Score: s.score}, nil
}

func TestAnalyze_Reputation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  float64
	}{
		{80, 20},
		{75, 20},
		{60, 10},
		{49, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.score), func(t *testing.T) {
			t.Parallel()
			d := newDetector(t, botdetect.WithReputation(stubReputation{score: tt.score}))
			res, err := d.Analyze(context.Background(), botdetect.Request{
				IP: "192.0.2.200", UserAgent: browserUA, Headers: browserHeaders(), At: t0,
			})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, res.Score, 1e-9)
		})
	}
}

func TestAnalyze_StoreUnavailable(t *testing.T) {
	t.Parallel()
	store, mr := testutil.NewStore(t)
	d := botdetect.NewDetector(store, botdetect.Config{})
	mr.Close()

	_, err := d.Analyze(context.Background(), botdetect.Request{IP: "192.0.2.1", UserAgent: browserUA})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestEvaluate_CustomRulesAndClamp(t *testing.T) {
	t.Parallel()

	always := func(*botdetect.Signals) bool { return true }
	res := botdetect.Evaluate([]botdetect.Rule{
		{Name: "a", Weight: 80, Reason: "a", Match: always},
		{Name: "b", Weight: 80, Reason: "b", Match: always},
	}, &botdetect.Signals{})

	assert.InDelta(t, 160, res.Score, 1e-9)
	assert.InDelta(t, 1, res.Confidence, 1e-9, "confidence is capped at 1")
	assert.Equal(t, domain.ThreatLevelHigh, res.Level)
}

func TestLongestSequentialRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		paths []string
		want  int
	}{
		{"empty", nil, 0},
		{"run", []string{"/u/1", "/u/2", "/u/3", "/u/4"}, 4},
		{"broken", []string{"/u/1", "/u/2", "/about", "/u/3", "/u/4"}, 2},
		{"gap", []string{"/u/1", "/u/3", "/u/4", "/u/5/"}, 3},
		{"query", []string{"/u/7?x=1", "/u/8"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, botdetect.LongestSequentialRun(tt.paths))
		})
	}
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := botdetect.Fingerprint(map[string]string{"screen": "1x1", "tz": "UTC"})
	b := botdetect.Fingerprint(map[string]string{"tz": "UTC", "screen": "1x1"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, botdetect.Fingerprint(map[string]string{"screen": "2x2", "tz": "UTC"}))
	assert.Empty(t, botdetect.Fingerprint(nil))
}
