package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/phenomenon0/prophetia/pkg/oracle/participants"
	"github.com/phenomenon0/prophetia/pkg/oracle/rewards"

	"github.com/shopspring/decimal"
)

const (
	provider = "0x1111111111111111111111111111111111111111"
	creator  = "0x2222222222222222222222222222222222222222"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func record(offset time.Duration, won bool, wager, profit string) Record {
	return Record{
		Timestamp:      start.Add(offset),
		DataProvider:   provider,
		Dataset:        "Weather Stations",
		Quality:        d("80"),
		ModelCreator:   creator,
		Model:          "Rain Model",
		PredictedValue: d("12.5"),
		Confidence:     d("75"),
		Wager:          d(wager),
		Won:            won,
		Profit:         d(profit),
	}
}

func TestNewReplay(t *testing.T) {
	rp := New(nil)
	if rp == nil {
		t.Fatal("New returned nil")
	}
	if !rp.config.Liquidity.IsPositive() {
		t.Error("Default liquidity should be positive")
	}
}

func TestRun_SingleWin(t *testing.T) {
	sc := &Scenario{
		Name:      "single",
		Liquidity: d("10000"),
		Records:   []Record{record(0, true, "100", "462")},
	}

	result, err := New(nil).Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Predictions != 1 || result.Won != 1 || result.Lost != 0 {
		t.Fatalf("Expected 1 winning prediction, got %+v", result)
	}
	st := result.Steps[0]
	if !st.DataAmount.Equal(d("184.8")) || !st.ModelAmount.Equal(d("184.8")) || !st.PoolAmount.Equal(d("92.4")) {
		t.Errorf("Expected 184.8/184.8/92.4, got %s/%s/%s", st.DataAmount, st.ModelAmount, st.PoolAmount)
	}
	if !result.FinalLiquidity.Equal(d("10092.4")) {
		t.Errorf("Expected liquidity 10092.4, got %s", result.FinalLiquidity)
	}
	if !result.TotalProfit.Equal(d("462")) {
		t.Errorf("Expected total profit 462, got %s", result.TotalProfit)
	}
	if len(result.Participants) != 2 {
		t.Fatalf("Expected 2 participants, got %d", len(result.Participants))
	}
	for _, p := range result.Participants {
		if !p.Reputation.Equal(d("55")) {
			t.Errorf("Expected reputation 55 for %s, got %s", p.Address, p.Reputation)
		}
	}
	if !result.MaxDrawdown.IsZero() {
		t.Errorf("Expected no drawdown, got %s", result.MaxDrawdown)
	}
}

func TestRun_PoolFundedBonus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BonusMode = rewards.BonusPoolFunded

	sc := &Scenario{Records: []Record{record(0, true, "100", "462")}}
	result, err := New(cfg).Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	st := result.Steps[0]
	if !st.DataAmount.Equal(d("203.28")) || !st.ModelAmount.Equal(d("203.28")) || !st.PoolAmount.Equal(d("55.44")) {
		t.Errorf("Expected 203.28/203.28/55.44, got %s/%s/%s", st.DataAmount, st.ModelAmount, st.PoolAmount)
	}
	if result.BonusMode != "pool_funded" {
		t.Errorf("Expected pool_funded, got %s", result.BonusMode)
	}
}

func TestRun_LossSlashesStake(t *testing.T) {
	sc := &Scenario{
		Liquidity: d("10000"),
		Stakes: []Stake{
			{Owner: provider, Role: participants.RoleDataProvider, Amount: d("100")},
		},
		Records: []Record{record(0, false, "100", "0")},
	}

	result, err := New(nil).Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Lost != 1 {
		t.Fatalf("Expected 1 loss, got %d", result.Lost)
	}
	if got := result.Steps[0].Slashed[provider]; !got.Equal(d("10")) {
		t.Errorf("Expected provider slashed 10, got %s", got)
	}
	if !result.TotalSlashed.Equal(d("10")) {
		t.Errorf("Expected total slashed 10, got %s", result.TotalSlashed)
	}
	if !result.FinalLiquidity.Equal(d("9900")) {
		t.Errorf("Expected liquidity 9900, got %s", result.FinalLiquidity)
	}
	if !result.MaxDrawdown.Equal(d("0.01")) {
		t.Errorf("Expected drawdown 0.01, got %s", result.MaxDrawdown)
	}

	for _, p := range result.Participants {
		if !p.Reputation.Equal(d("40")) {
			t.Errorf("Expected reputation 40 for %s, got %s", p.Address, p.Reputation)
		}
		if p.Address == provider && (p.Stake == nil || !p.Stake.Amount.Equal(d("90"))) {
			t.Errorf("Expected provider stake 90, got %+v", p.Stake)
		}
	}
}

func TestRun_RejectionsAreCounted(t *testing.T) {
	low := record(0, true, "100", "50")
	low.Confidence = d("40")

	noModel := record(time.Minute, true, "100", "50")
	noModel.Model = ""

	sc := &Scenario{Records: []Record{low, noModel, record(2*time.Minute, true, "100", "50")}}
	result, err := New(nil).Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Rejected != 2 {
		t.Errorf("Expected 2 rejections, got %d", result.Rejected)
	}
	if result.Predictions != 1 || result.Won != 1 {
		t.Errorf("Expected 1 settled prediction, got %d/%d", result.Predictions, result.Won)
	}
	if result.Steps[0].Status != "rejected" || !strings.Contains(result.Steps[0].Error, "confidence") {
		t.Errorf("Expected confidence rejection, got %+v", result.Steps[0])
	}
}

func TestRun_SortsByTimestamp(t *testing.T) {
	sc := &Scenario{Records: []Record{
		record(2*time.Hour, false, "50", "0"),
		record(0, true, "50", "20"),
	}}

	result, err := New(nil).Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.StartTime.Equal(start) || result.Duration != 2*time.Hour {
		t.Errorf("Unexpected period %s + %s", result.StartTime, result.Duration)
	}
	if result.Steps[0].Status != "won" || result.Steps[1].Status != "lost" {
		t.Errorf("Expected won then lost, got %s then %s", result.Steps[0].Status, result.Steps[1].Status)
	}
	if len(result.LiquidityCurve) != 2 {
		t.Errorf("Expected 2 liquidity points, got %d", len(result.LiquidityCurve))
	}
}

func TestRun_Errors(t *testing.T) {
	if _, err := New(nil).Run(context.Background(), &Scenario{}); err == nil {
		t.Error("Expected error for empty scenario")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sc := &Scenario{Records: []Record{record(0, true, "10", "1")}}
	if _, err := New(nil).Run(ctx, sc); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDemoScenario(t *testing.T) {
	sc := Demo()
	result, err := New(nil).Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := result.Predictions + result.Rejected; got != len(sc.Records) {
		t.Errorf("Expected %d records accounted for, got %d", len(sc.Records), got)
	}
	if result.Won == 0 || result.Lost == 0 {
		t.Errorf("Expected wins and losses, got %d/%d", result.Won, result.Lost)
	}
	if !result.TotalSlashed.IsPositive() {
		t.Error("Expected the losing data provider to be slashed")
	}
	paid := result.DataPaid.Add(result.ModelPaid).Add(result.PoolAllocated)
	if !paid.Equal(result.TotalProfit) {
		t.Errorf("Expected payouts %s to equal profit %s", paid, result.TotalProfit)
	}
}

func TestDecodeCSV(t *testing.T) {
	input := `timestamp,data_provider,dataset,quality,model_creator,model,predicted_value,confidence,wager,won,profit,actual_value,notes
2024-03-01T12:00:00Z,0xaa,Weather,80,0xbb,Rain,12.5,75,100,true,462,13,first
1709298000,0xaa,Weather,80,0xbb,Rain,11,60,50,false,,,
`
	sc, err := DecodeCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("DecodeCSV failed: %v", err)
	}
	if len(sc.Records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(sc.Records))
	}

	first := sc.Records[0]
	if !first.Won || !first.Profit.Equal(d("462")) || !first.ActualValue.Valid {
		t.Errorf("Unexpected first record %+v", first)
	}
	second := sc.Records[1]
	if second.Won || !second.Profit.IsZero() || second.ActualValue.Valid {
		t.Errorf("Unexpected second record %+v", second)
	}
	if !second.Timestamp.Equal(time.Unix(1709298000, 0)) {
		t.Errorf("Expected unix timestamp, got %s", second.Timestamp)
	}
}

func TestDecodeCSV_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing column", "timestamp,data_provider\n", "missing column"},
		{"bad wager", "timestamp,data_provider,model_creator,wager,won\n2024-03-01T12:00:00Z,a,b,lots,true\n", "line 2: wager"},
		{"bad won", "timestamp,data_provider,model_creator,wager,won\n2024-03-01T12:00:00Z,a,b,1,maybe\n", "won"},
		{"bad timestamp", "timestamp,data_provider,model_creator,wager,won\nyesterday,a,b,1,true\n", "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCSV(strings.NewReader(tt.input))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "scenario.json")
	doc := `{
  "name": "from-json",
  "liquidity": "2500",
  "stakes": [{"owner": "0xaa", "role": "model_creator", "amount": "20"}],
  "records": [{"timestamp": "2024-03-01T12:00:00Z", "data_provider": "0xaa", "dataset": "W",
               "quality": "70", "model_creator": "0xbb", "model": "M", "predicted_value": "1",
               "confidence": "80", "wager": "10", "won": true, "profit": "5", "actual_value": null}]
}`
	if err := os.WriteFile(jsonPath, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	sc, err := LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("LoadFile(json) failed: %v", err)
	}
	if sc.Name != "from-json" || len(sc.Records) != 1 || sc.Stakes[0].Role != participants.RoleModelCreator {
		t.Errorf("Unexpected scenario %+v", sc)
	}

	csvPath := filepath.Join(dir, "march.csv")
	csvDoc := "timestamp,data_provider,model_creator,wager,won\n2024-03-01T12:00:00Z,a,b,1,true\n"
	if err := os.WriteFile(csvPath, []byte(csvDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	sc, err = LoadFile(csvPath)
	if err != nil {
		t.Fatalf("LoadFile(csv) failed: %v", err)
	}
	if sc.Name != "march" {
		t.Errorf("Expected name from file, got %q", sc.Name)
	}

	if _, err := LoadFile(filepath.Join(dir, "scenario.txt")); err == nil {
		t.Error("Expected error for missing file")
	}
	txtPath := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txtPath, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(txtPath); err == nil || !strings.Contains(err.Error(), "unknown scenario format") {
		t.Errorf("Expected unknown format error, got %v", err)
	}
}
