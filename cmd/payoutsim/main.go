// payoutsim replays recorded predictions and outcomes through the settlement
// service and reports how profit was split.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/phenomenon0/prophetia/internal/logging"
	"github.com/phenomenon0/prophetia/pkg/oracle/policy"
	"github.com/phenomenon0/prophetia/pkg/oracle/replay"
	"github.com/phenomenon0/prophetia/pkg/oracle/rewards"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// Input flags
	dataFile   = flag.String("data", "", "Path to a scenario file (JSON or CSV)")
	outputFile = flag.String("output", "", "Output file for results (JSON or CSV)")

	// Config flags
	bonusMode   = flag.String("bonus-mode", "informational", "Bonus mode: informational, pool_funded")
	limitsName  = flag.String("limits", "default", "Policy limits: default, tight")
	liquidity   = flag.Float64("liquidity", 100000, "Seed liquidity when the scenario has none")
	maxExposure = flag.Float64("max-exposure-pct", 10, "Max open wagers as % of liquidity")
	verbose     = flag.Bool("verbose", false, "Verbose output")
)

func main() {
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logging.Setup(level, true)

	cfg, err := buildConfig(log)
	if err != nil {
		log.Fatal().Err(err).Msg("[SIM] invalid flags")
	}

	if *dataFile == "" {
		log.Warn().Msg("[SIM] no scenario provided, running demo")
		runDemo(cfg)
		return
	}

	sc, err := replay.LoadFile(*dataFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", *dataFile).Msg("[SIM] failed to load scenario")
	}

	result, err := replay.New(cfg).Run(context.Background(), sc)
	if err != nil {
		log.Fatal().Err(err).Msg("[SIM] replay failed")
	}

	printResults(result)

	if *outputFile != "" {
		if err := exportResults(result, *outputFile); err != nil {
			log.Error().Err(err).Msg("[SIM] failed to export results")
		} else {
			fmt.Printf("Results exported to: %s\n", *outputFile)
		}
	}
}

func buildConfig(log zerolog.Logger) (*replay.Config, error) {
	cfg := replay.DefaultConfig()
	cfg.Log = log

	mode, err := rewards.ParseBonusMode(*bonusMode)
	if err != nil {
		return nil, err
	}
	cfg.BonusMode = mode

	switch strings.ToLower(*limitsName) {
	case "default", "":
		cfg.Limits = policy.DefaultLimits()
	case "tight":
		cfg.Limits = policy.TightLimits()
	default:
		return nil, fmt.Errorf("unknown limits %q (expected default or tight)", *limitsName)
	}

	if cfg.Liquidity, err = rewards.FromFloat(*liquidity); err != nil {
		return nil, fmt.Errorf("liquidity: %w", err)
	}
	if *maxExposure <= 0 || *maxExposure > 100 {
		return nil, fmt.Errorf("max-exposure-pct must be in (0, 100], got %v", *maxExposure)
	}
	cfg.MaxExposurePct = decimal.NewFromFloat(*maxExposure)
	return cfg, nil
}

func printResults(result *replay.Result) {
	fmt.Println()
	fmt.Println("==================== PAYOUT SIMULATION ====================")
	fmt.Println()
	if result.Scenario != "" {
		fmt.Printf("  Scenario:          %s\n", result.Scenario)
	}
	fmt.Printf("  Period:            %s to %s\n",
		result.StartTime.Format("2006-01-02"),
		result.EndTime.Format("2006-01-02"))
	fmt.Printf("  Duration:          %s\n", result.Duration.Round(time.Hour))
	fmt.Printf("  Bonus Mode:        %s\n", result.BonusMode)
	fmt.Println()
	fmt.Printf("  Predictions:       %d\n", result.Predictions)
	fmt.Printf("  Won / Lost:        %d / %d\n", result.Won, result.Lost)
	fmt.Printf("  Rejected:          %d\n", result.Rejected)
	fmt.Printf("  Win Rate:          %.1f%%\n", result.WinRate.Mul(decimal.NewFromInt(100)).InexactFloat64())
	fmt.Println()
	fmt.Printf("  Total Wagered:     %s\n", result.TotalWagered.StringFixed(2))
	fmt.Printf("  Total Profit:      %s\n", result.TotalProfit.StringFixed(6))
	fmt.Printf("  Data Providers:    %s\n", result.DataPaid.StringFixed(6))
	fmt.Printf("  Model Creators:    %s\n", result.ModelPaid.StringFixed(6))
	fmt.Printf("  Pool:              %s\n", result.PoolAllocated.StringFixed(6))
	fmt.Printf("  Slashed:           %s\n", result.TotalSlashed.StringFixed(6))
	fmt.Println()
	fmt.Printf("  Initial Liquidity: %s\n", result.InitialLiquidity.StringFixed(2))
	fmt.Printf("  Final Liquidity:   %s\n", result.FinalLiquidity.StringFixed(2))
	fmt.Printf("  Share Value:       %s\n", result.ShareValue.StringFixed(6))
	fmt.Printf("  Max Drawdown:      %.2f%%\n", result.MaxDrawdown.Mul(decimal.NewFromInt(100)).InexactFloat64())
	fmt.Println()
	fmt.Println("  Participants:")
	for _, p := range result.Participants {
		stake := "-"
		if p.Stake != nil {
			stake = p.Stake.Amount.StringFixed(2)
		}
		fmt.Printf("    %s  rep %5s  earned %12s  bonus %10s  stake %s\n",
			p.Address, p.Reputation.String(), p.Earnings.StringFixed(6), p.BonusEarned.StringFixed(6), stake)
	}
	fmt.Println()
	fmt.Println("============================================================")

	if *verbose && len(result.Steps) > 0 {
		fmt.Println()
		fmt.Println("Step History:")
		fmt.Println("-------------")
		for i, st := range result.Steps {
			line := fmt.Sprintf("  %d. %s %-8s %s/%s wager %s",
				i+1,
				st.Timestamp.Format("2006-01-02 15:04"),
				st.Status,
				st.Dataset,
				st.Model,
				st.Wager.String())
			if st.Error != "" {
				line += " (" + st.Error + ")"
			} else if st.Status == "won" {
				line += fmt.Sprintf(" profit %s -> %s/%s/%s", st.Profit, st.DataAmount, st.ModelAmount, st.PoolAmount)
			}
			fmt.Println(line)
		}
	}
}

func exportResults(result *replay.Result, filename string) error {
	if strings.HasSuffix(filename, ".json") {
		return exportJSON(result, filename)
	} else if strings.HasSuffix(filename, ".csv") {
		return exportCSV(result, filename)
	}
	return exportJSON(result, filename+".json")
}

func exportJSON(result *replay.Result, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return os.WriteFile(filename, data, 0644)
}

func exportCSV(result *replay.Result, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)

	rows := [][]string{
		{"metric", "value"},
		{"start_time", result.StartTime.Format(time.RFC3339)},
		{"end_time", result.EndTime.Format(time.RFC3339)},
		{"bonus_mode", result.BonusMode},
		{"predictions", fmt.Sprintf("%d", result.Predictions)},
		{"won", fmt.Sprintf("%d", result.Won)},
		{"lost", fmt.Sprintf("%d", result.Lost)},
		{"rejected", fmt.Sprintf("%d", result.Rejected)},
		{"total_wagered", result.TotalWagered.String()},
		{"total_profit", result.TotalProfit.String()},
		{"data_provider_paid", result.DataPaid.String()},
		{"model_creator_paid", result.ModelPaid.String()},
		{"pool_allocated", result.PoolAllocated.String()},
		{"total_slashed", result.TotalSlashed.String()},
		{"initial_liquidity", result.InitialLiquidity.String()},
		{"final_liquidity", result.FinalLiquidity.String()},
		{"max_drawdown", result.MaxDrawdown.String()},
		{},
		{"timestamp", "prediction_id", "dataset", "model", "status", "wager", "profit", "data_amount", "model_amount", "pool_amount", "error"},
	}
	for _, st := range result.Steps {
		rows = append(rows, []string{
			st.Timestamp.Format(time.RFC3339),
			st.PredictionID,
			st.Dataset,
			st.Model,
			st.Status,
			st.Wager.String(),
			st.Profit.String(),
			st.DataAmount.String(),
			st.ModelAmount.String(),
			st.PoolAmount.String(),
			st.Error,
		})
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

// runDemo replays the built-in scenario under both bonus modes.
func runDemo(base *replay.Config) {
	fmt.Println()
	fmt.Println("PROPHETIA PAYOUT DEMO")
	fmt.Println("=====================")
	fmt.Println()
	fmt.Println("Replaying 30 days of predictions from two data providers and two models")
	fmt.Println()

	for _, mode := range []rewards.BonusMode{rewards.BonusInformational, rewards.BonusPoolFunded} {
		cfg := *base
		cfg.BonusMode = mode

		result, err := replay.New(&cfg).Run(context.Background(), replay.Demo())
		if err != nil {
			fmt.Printf("%-14s | failed: %v\n", mode, err)
			continue
		}

		fmt.Printf("%-14s | Profit: %10s | Data: %10s | Model: %10s | Pool: %10s | Slashed: %7s | MaxDD: %5.2f%%\n",
			mode,
			result.TotalProfit.StringFixed(2),
			result.DataPaid.StringFixed(2),
			result.ModelPaid.StringFixed(2),
			result.PoolAllocated.StringFixed(2),
			result.TotalSlashed.StringFixed(2),
			result.MaxDrawdown.Mul(decimal.NewFromInt(100)).InexactFloat64())
	}

	fmt.Println()
	fmt.Println("To replay your own history, use:")
	fmt.Println("  payoutsim -data scenario.json -bonus-mode pool_funded -output result.csv")
	fmt.Println()
}
