package replay

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/phenomenon0/prophetia/pkg/oracle/participants"

	"github.com/shopspring/decimal"
)

// LoadFile reads a scenario from a .json or .csv file.
func LoadFile(filename string) (*Scenario, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return DecodeJSON(file)
	case ".csv":
		sc, err := DecodeCSV(file)
		if err != nil {
			return nil, err
		}
		sc.Name = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		return sc, nil
	default:
		return nil, fmt.Errorf("unknown scenario format: %s (expected .json or .csv)", filename)
	}
}

// DecodeJSON reads a Scenario document.
func DecodeJSON(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return &sc, nil
}

// DecodeCSV reads records from CSV. The header names the columns:
// timestamp, data_provider, dataset, quality, model_creator, model,
// predicted_value, confidence, wager, won, profit, actual_value. Unknown
// columns are ignored and missing optional ones default to zero.
func DecodeCSV(r io.Reader) (*Scenario, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"timestamp", "data_provider", "model_creator", "wager", "won"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	sc := &Scenario{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		rec, err := parseRow(colIndex, record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		sc.Records = append(sc.Records, rec)
	}
	return sc, nil
}

func parseRow(colIndex map[string]int, record []string) (Record, error) {
	field := func(name string) string {
		if idx, ok := colIndex[name]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}
	num := func(name string) (decimal.Decimal, error) {
		s := field(name)
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", name, err)
		}
		return d, nil
	}

	var rec Record
	var err error

	ts := field("timestamp")
	if rec.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
		secs, perr := strconv.ParseInt(ts, 10, 64)
		if perr != nil {
			return rec, fmt.Errorf("timestamp: %q is neither RFC3339 nor unix seconds", ts)
		}
		rec.Timestamp = time.Unix(secs, 0).UTC()
	}

	rec.DataProvider = field("data_provider")
	rec.Dataset = field("dataset")
	rec.ModelCreator = field("model_creator")
	rec.Model = field("model")

	if rec.Quality, err = num("quality"); err != nil {
		return rec, err
	}
	if rec.PredictedValue, err = num("predicted_value"); err != nil {
		return rec, err
	}
	if rec.Confidence, err = num("confidence"); err != nil {
		return rec, err
	}
	if rec.Wager, err = num("wager"); err != nil {
		return rec, err
	}
	if rec.Profit, err = num("profit"); err != nil {
		return rec, err
	}
	if s := field("actual_value"); s != "" {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return rec, fmt.Errorf("actual_value: %w", err)
		}
		rec.ActualValue = decimal.NewNullDecimal(v)
	}
	if rec.Won, err = strconv.ParseBool(field("won")); err != nil {
		return rec, fmt.Errorf("won: %w", err)
	}
	return rec, nil
}

// Demo returns a deterministic scenario: two data providers and two models
// over 30 days, with one weak dataset that keeps losing.
func Demo() *Scenario {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	type source struct {
		provider, dataset string
		quality           int64
		creator, model    string
		// every nth prediction loses
		loseEvery int
	}
	sources := []source{
		{"0x1111111111111111111111111111111111111111", "Weather Stations", 85,
			"0x2222222222222222222222222222222222222222", "Rain Model", 5},
		{"0x3333333333333333333333333333333333333333", "Crowd Sensors", 62,
			"0x4444444444444444444444444444444444444444", "Storm Model", 2},
	}

	sc := &Scenario{
		Name:      "demo",
		Liquidity: decimal.NewFromInt(50_000),
		Stakes: []Stake{
			{Owner: sources[0].provider, Role: participants.RoleDataProvider, Amount: decimal.NewFromInt(500)},
			{Owner: sources[1].provider, Role: participants.RoleDataProvider, Amount: decimal.NewFromInt(500)},
			{Owner: sources[1].creator, Role: participants.RoleModelCreator, Amount: decimal.NewFromInt(250)},
		},
	}

	for day := 0; day < 30; day++ {
		for i, s := range sources {
			n := day + 1
			won := n%s.loseEvery != 0
			wager := decimal.NewFromInt(int64(100 + 25*(day%4)))
			profit := decimal.Zero
			if won {
				// 40% to 76% return on the wager
				profit = wager.Mul(decimal.NewFromInt(int64(40 + 12*(day%4)))).Div(decimal.NewFromInt(100))
			}
			sc.Records = append(sc.Records, Record{
				Timestamp:      start.Add(time.Duration(day)*24*time.Hour + time.Duration(i)*time.Hour),
				DataProvider:   s.provider,
				Dataset:        s.dataset,
				Quality:        decimal.NewFromInt(s.quality),
				ModelCreator:   s.creator,
				Model:          s.model,
				PredictedValue: decimal.NewFromInt(int64(10 + day)),
				Confidence:     decimal.NewFromInt(int64(60 + 5*(day%6))),
				Wager:          wager,
				Won:            won,
				Profit:         profit,
			})
		}
	}
	return sc
}
