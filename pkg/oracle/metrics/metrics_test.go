package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func scrape(t *testing.T, m *OracleMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestRecordAndScrape(t *testing.T) {
	m := NewOracleMetrics()

	m.RecordPrediction("model-1", decimal.NewFromInt(100))
	m.RecordResolution("won")
	m.RecordPayout(
		decimal.NewFromInt(462),
		decimal.RequireFromString("184.8"),
		decimal.RequireFromString("184.8"),
		decimal.RequireFromString("92.4"),
		decimal.Zero, decimal.Zero, 10, 10,
	)
	m.RecordSlash(decimal.NewFromInt(10))
	m.UpdatePool(decimal.NewFromInt(1000), decimal.NewFromInt(50), decimal.NewFromInt(1000))
	m.RecordPolicyViolation("confidence")
	m.RecordHTTP("GET", "/health", "200", 0.002)

	body := scrape(t, m)

	want := []string{
		`prophetia_predictions_total{model_id="model-1"} 1`,
		`prophetia_resolutions_total{status="won"} 1`,
		`prophetia_open_predictions 0`,
		`prophetia_profit_tokens_total 462`,
		`prophetia_payouts_tokens_total{recipient="pool"} 92.4`,
		`prophetia_slashes_total 1`,
		`prophetia_pool_liquidity_tokens 1000`,
		`prophetia_policy_violations_total{violation_type="confidence"} 1`,
		`prophetia_http_requests_total{code="200",method="GET",route="/health"} 1`,
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("Expected scrape to contain %q", w)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *OracleMetrics

	m.RecordPrediction("m", decimal.NewFromInt(1))
	m.RecordResolution("lost")
	m.RecordAttestationFailure("signature")
	m.RecordPayout(decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, 0, 0)
	m.RecordReputation("won", 55)
	m.RecordRejection("confidence")
	m.RecordSlash(decimal.NewFromInt(1))
	m.UpdateStaked(decimal.NewFromInt(1))
	m.UpdatePool(decimal.Zero, decimal.Zero, decimal.Zero)
	m.RecordPolicyViolation("cooldown")
	m.RecordSettlementRun("ok", 1)
	m.RecordHTTP("GET", "/", "200", 0)
}

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default should return the same instance")
	}
}

func TestDecimalToFloat64(t *testing.T) {
	if got := DecimalToFloat64(decimal.RequireFromString("92.4")); got != 92.4 {
		t.Errorf("Expected 92.4, got %v", got)
	}
}
